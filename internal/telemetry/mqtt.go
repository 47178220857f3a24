// Package telemetry mirrors arbiter decisions to an MQTT broker so a fleet
// dashboard can follow what each device is playing.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mistakeknot/cuerelay/internal/arbiter"
)

const (
	defaultQueueSize = 64
	publishTimeout   = 2 * time.Second
	connectTimeout   = 5 * time.Second
)

// Publisher is the part of mqtt.Client the emitter needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// conn is the part of mqtt.Client needed to go offline.
type conn interface {
	Publisher
	IsConnected() bool
	Disconnect(quiesce uint)
}

// CueEvent is the JSON payload published for each decision.
type CueEvent struct {
	DeviceID string    `json:"deviceId"`
	EventID  string    `json:"eventId,omitempty"`
	Behavior string    `json:"behavior"`
	Level    int       `json:"level"`
	Priority int       `json:"priority"`
	Decision string    `json:"decision"`
	Asset    string    `json:"asset,omitempty"`
	Busy     bool      `json:"busy"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

type Stats struct {
	Published uint64
	Dropped   uint64
	Failed    uint64
}

type Emitter struct {
	pub      Publisher
	client   conn
	deviceID string
	prefix   string
	log      *zap.SugaredLogger
	queue    chan CueEvent

	mu        sync.Mutex
	stats     Stats
	closeOnce sync.Once
}

type Option func(*Emitter)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Emitter) { e.log = log }
}

func WithQueueSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.queue = make(chan CueEvent, n)
		}
	}
}

func New(pub Publisher, deviceID, prefix string, opts ...Option) *Emitter {
	e := &Emitter{
		pub:      pub,
		deviceID: deviceID,
		prefix:   prefix,
		log:      zap.NewNop().Sugar(),
		queue:    make(chan CueEvent, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Connect dials broker ("host:port" or a full URL) and returns an emitter
// publishing through it. The client reconnects on its own; a retained
// status topic flips to "offline" through the broker's will when the
// device drops.
func Connect(ctx context.Context, broker, clientID, deviceID, prefix string, log *zap.SugaredLogger) (*Emitter, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if clientID == "" {
		clientID = "cuerelay-" + deviceID
	}
	statusTopic := topic(prefix, deviceID, "status")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(statusTopic, "offline", 1, true)
	opts.OnConnect = func(c mqtt.Client) {
		log.Infow("mqtt connection established", "broker", broker, "client_id", clientID)
		c.Publish(statusTopic, 1, true, "online")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warnw("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	log.Infow("connecting to mqtt broker", "broker", broker)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	case <-time.After(connectTimeout):
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	e := New(client, deviceID, prefix, WithLogger(log))
	e.client = client
	return e, nil
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

func topic(prefix, deviceID, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, deviceID, leaf)
}

// CueTopic is where decisions are published.
func (e *Emitter) CueTopic() string { return topic(e.prefix, e.deviceID, "cues") }

// Observe queues o for publishing. It never blocks; when the queue is full
// the event is dropped.
func (e *Emitter) Observe(o arbiter.Outcome) {
	ev := CueEvent{
		DeviceID: e.deviceID,
		EventID:  o.Request.EventID,
		Behavior: string(o.Request.Behavior),
		Level:    o.Request.Level,
		Priority: o.Request.Priority,
		Decision: string(o.Decision),
		Busy:     o.Busy,
		At:       o.At,
	}
	if o.Cue != nil && o.Decision != arbiter.DecisionDropped {
		ev.Asset = o.Cue.AssetID
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}
	select {
	case e.queue <- ev:
	default:
		e.mu.Lock()
		e.stats.Dropped++
		e.mu.Unlock()
	}
}

// Run publishes queued events until ctx is done, then closes the emitter.
func (e *Emitter) Run(ctx context.Context) error {
	defer e.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.queue:
			e.publish(ev)
		}
	}
}

func (e *Emitter) publish(ev CueEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.fail("marshal cue event", err)
		return
	}
	token := e.pub.Publish(e.CueTopic(), 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.fail("publish timeout", nil)
		return
	}
	if err := token.Error(); err != nil {
		e.fail("publish failed", err)
		return
	}
	e.mu.Lock()
	e.stats.Published++
	e.mu.Unlock()
	e.log.Debugw("cue event published", "topic", e.CueTopic(), "decision", ev.Decision, "size", len(payload))
}

func (e *Emitter) fail(msg string, err error) {
	e.mu.Lock()
	e.stats.Failed++
	e.mu.Unlock()
	e.log.Warnw(msg, "topic", e.CueTopic(), "error", err)
}

// Close marks the device offline and disconnects a client opened by
// Connect. It is safe to call more than once, and without Run.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		if e.client == nil || !e.client.IsConnected() {
			return
		}
		e.client.Publish(topic(e.prefix, e.deviceID, "status"), 1, true, "offline").WaitTimeout(publishTimeout)
		e.client.Disconnect(250)
		e.log.Infow("mqtt disconnected")
	})
}

func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
