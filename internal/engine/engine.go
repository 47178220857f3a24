// Package engine assembles the device side: it opens the store, audio and
// indicator backends from configuration, wires cascade → arbiter → effects
// and drives the idle poll until the context ends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/cuerelay/client"
	"github.com/mistakeknot/cuerelay/internal/arbiter"
	"github.com/mistakeknot/cuerelay/internal/audio"
	"github.com/mistakeknot/cuerelay/internal/cascade"
	"github.com/mistakeknot/cuerelay/internal/catalog"
	"github.com/mistakeknot/cuerelay/internal/config"
	"github.com/mistakeknot/cuerelay/internal/core"
	"github.com/mistakeknot/cuerelay/internal/effects"
	"github.com/mistakeknot/cuerelay/internal/indicator"
	"github.com/mistakeknot/cuerelay/internal/logger"
	"github.com/mistakeknot/cuerelay/internal/metrics"
	"github.com/mistakeknot/cuerelay/internal/speech"
	"github.com/mistakeknot/cuerelay/internal/storage"
	"github.com/mistakeknot/cuerelay/internal/storage/firestore"
	"github.com/mistakeknot/cuerelay/internal/telemetry"
	"github.com/mistakeknot/cuerelay/pkg/embedded"
)

const initTimeout = 10 * time.Second

var ErrNoDeviceID = errors.New("device.id is required")

type Engine struct {
	cfg *config.Config
	log *zap.SugaredLogger

	store      storage.Store
	ownsStore  bool
	relay      *embedded.Server
	embedRelay bool

	out  audio.Output
	bank indicator.Bank
	cat  *catalog.Catalog
	fx   *effects.Controller
	arb  *arbiter.Arbiter
	casc *cascade.Cascade
	tele *telemetry.Emitter
}

type Option func(*Engine)

// WithStore runs against an existing store. The caller keeps ownership.
func WithStore(s storage.Store) Option {
	return func(e *Engine) { e.store = s }
}

func WithOutput(out audio.Output) Option {
	return func(e *Engine) { e.out = out }
}

func WithBank(b indicator.Bank) Option {
	return func(e *Engine) { e.bank = b }
}

// WithEmbeddedRelay starts a relay in-process on relay.addr and talks to it
// through the relay client, for single-box setups.
func WithEmbeddedRelay() Option {
	return func(e *Engine) { e.embedRelay = true }
}

// New builds every component. Hardware that cannot be opened is an init
// fault; telemetry that cannot connect is logged and skipped.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg.Device.ID == "" {
		return nil, ErrNoDeviceID
	}
	e := &Engine{cfg: cfg, log: logger.For(logger.ComponentEngine)}
	for _, opt := range opts {
		opt(e)
	}

	ok := false
	defer func() {
		if !ok {
			e.release()
		}
	}()

	if e.store == nil {
		if err := e.openStore(ctx); err != nil {
			return nil, err
		}
	}
	if e.out == nil {
		out, err := openOutput(cfg.Audio)
		if err != nil {
			return nil, err
		}
		e.out = out
	}
	e.cat = catalog.Default(cfg.Audio.AssetsDir)
	if e.bank == nil {
		bank, err := openBank(cfg.Indicator, e.cat)
		if err != nil {
			return nil, err
		}
		e.bank = bank
	}

	fxOpts := []effects.Option{
		effects.WithDwell(cfg.Engine.ChaseDwell),
		effects.WithTick(cfg.Engine.ChaseTick),
		effects.WithLogger(logger.For(logger.ComponentEffects)),
	}
	if cfg.Indicator.StatusChannel > 0 {
		fxOpts = append(fxOpts, effects.WithStatusChannel(indicator.ChannelID(cfg.Indicator.StatusChannel)))
	}
	e.fx = effects.New(e.bank, e.cat, fxOpts...)

	arbOpts := []arbiter.Option{
		arbiter.WithLogger(logger.For(logger.ComponentArbiter)),
		arbiter.WithObserver(metrics.ObserveOutcome),
	}
	if cfg.MQTT.Broker != "" {
		tele, err := telemetry.Connect(ctx, cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.Device.ID,
			cfg.MQTT.TopicPrefix, logger.For(logger.ComponentTelemetry))
		if err != nil {
			e.log.Warnw("telemetry disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			e.tele = tele
			arbOpts = append(arbOpts, arbiter.WithObserver(tele.Observe))
		}
	}
	if cfg.Speech.Enabled {
		synth, err := speech.New(cfg.Speech.Binary, cfg.Speech.Dir,
			speech.WithVoice(cfg.Speech.Voice),
			speech.WithLogger(logger.For(logger.ComponentSpeech)))
		if err != nil {
			return nil, err
		}
		arbOpts = append(arbOpts, arbiter.WithSynthesizer(synth))
	}
	e.arb = arbiter.New(e.cat, e.out, e.fx, arbOpts...)

	e.casc = cascade.New(e.store, e.arb,
		cascade.WithLogger(logger.For(logger.ComponentCascade)),
		cascade.WithReplay(cascade.ReplayPolicy(cfg.History.Replay), cfg.History.ReplayGrace),
		cascade.WithSeenSize(cfg.History.SeenSize),
		cascade.WithLinkObserver(e.onLink),
	)
	ok = true
	return e, nil
}

func (e *Engine) openStore(ctx context.Context) error {
	if e.embedRelay {
		host, port, err := SplitAddr(e.cfg.Relay.Addr)
		if err != nil {
			return err
		}
		relay, err := embedded.New(embedded.Config{
			DBPath:           e.cfg.Relay.DBPath,
			Host:             host,
			Port:             port,
			SocketPath:       e.cfg.Relay.SocketPath,
			HistoryRetention: e.cfg.Relay.HistoryRetention,
			SweepInterval:    e.cfg.Relay.SweepInterval,
			Logger:           logger.For(logger.ComponentRelay),
		})
		if err != nil {
			return fmt.Errorf("embedded relay: %w", err)
		}
		if err := relay.Start(); err != nil {
			_ = relay.Stop()
			return fmt.Errorf("embedded relay: %w", err)
		}
		e.relay = relay
		e.store = client.New(relay.URL(), client.WithLogger(logger.For(logger.ComponentStore)))
		e.ownsStore = true
		return nil
	}

	store, err := OpenStore(ctx, e.cfg.Store)
	if err != nil {
		return err
	}
	e.store = store
	e.ownsStore = true
	return nil
}

// OpenStore opens the configured document store backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (storage.Store, error) {
	storeLog := logger.For(logger.ComponentStore)
	switch cfg.Backend {
	case config.StoreRelay:
		return client.New(cfg.URL,
			client.WithAPIKey(cfg.APIKey),
			client.WithLogger(storeLog)), nil
	case config.StoreFirestore:
		fs, err := firestore.New(ctx, cfg.ProjectID,
			firestore.WithCredentialsFile(cfg.CredentialsFile),
			firestore.WithLogger(storeLog))
		if err != nil {
			return nil, err
		}
		return fs, nil
	default:
		return storage.NewInMemoryWithLogger(storeLog), nil
	}
}

// SplitAddr turns "host:port" into embedded relay settings. Port 0 asks
// for an ephemeral port.
func SplitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("relay.addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("relay.addr %q: bad port", addr)
	}
	if port == 0 {
		port = embedded.AnyPort
	}
	return host, port, nil
}

func openOutput(cfg config.AudioConfig) (audio.Output, error) {
	if cfg.Backend == config.BackendHardware {
		return audio.OpenSpeaker(cfg.SampleRate, cfg.Buffer)
	}
	return audio.NewSimulated(audio.WithLogger(logger.For(logger.ComponentAudio))), nil
}

func openBank(cfg config.IndicatorConfig, cat *catalog.Catalog) (indicator.Bank, error) {
	if cfg.Backend == config.BackendHardware {
		pins := make(map[indicator.ChannelID]string, len(cfg.Pins))
		for id, name := range cfg.Pins {
			pins[indicator.ChannelID(id)] = name
		}
		return indicator.OpenGPIO(pins)
	}
	ids := cat.Channels()
	if cfg.StatusChannel > 0 {
		ids = append(ids, indicator.ChannelID(cfg.StatusChannel))
	}
	return indicator.NewSimulated(logger.For(logger.ComponentIndicator), ids...), nil
}

func (e *Engine) onLink(deviceID, userID string) {
	metrics.LinkChanged()
	if userID == "" {
		e.log.Infow("device unlinked", "device", deviceID)
		return
	}
	metrics.HistoryWatchOpened()
	e.fx.Pulse(e.cfg.Indicator.StatusPulse)
	e.log.Infow("device linked", "device", deviceID, "user", userID)
}

// Run switches every channel off, initializes the device document,
// attaches the cascade and serves until ctx ends or a service fails.
// Everything is torn down before it returns.
func (e *Engine) Run(ctx context.Context) error {
	defer e.teardown()
	// Channels left lit by a previous process stay lit until told otherwise.
	e.fx.TurnOffAll()

	ictx, cancel := context.WithTimeout(ctx, initTimeout)
	info := core.DeviceInfo{Model: e.cfg.Device.Model, Version: e.cfg.Device.Version}
	if err := InitializeDevice(ictx, e.store, e.cfg.Device.ID, info); err != nil {
		e.log.Errorw("device initialization failed", "device", e.cfg.Device.ID, "error", err)
	}
	cancel()

	if err := e.casc.Attach(ctx, e.cfg.Device.ID); err != nil {
		return err
	}
	e.log.Infow("engine running", "device", e.cfg.Device.ID, "store", e.cfg.Store.Backend)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.poll(gctx)
		return nil
	})
	if e.tele != nil {
		g.Go(func() error { return e.tele.Run(gctx) })
	}
	if addr := e.cfg.Metrics.Addr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			e.log.Infow("metrics listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	return g.Wait()
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// poll returns the arbiter to idle once audio has finished.
func (e *Engine) poll(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Engine.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollOnce()
		}
	}
}

func (e *Engine) pollOnce() {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("idle poll panicked", "panic", r)
		}
	}()
	e.arb.PollIdle()
}

// teardown stops the watches first so no event reaches a stopped output,
// then silences audio and switches every channel off.
func (e *Engine) teardown() {
	e.casc.Close()
	e.arb.Reset()
	e.fx.TurnOffAll()
	e.release()
	e.log.Infow("engine stopped", "device", e.cfg.Device.ID)
}

func (e *Engine) release() {
	if e.tele != nil {
		e.tele.Close()
	}
	if e.bank != nil {
		if err := e.bank.Close(); err != nil {
			e.log.Warnw("indicator close failed", "error", err)
		}
	}
	if e.ownsStore && e.store != nil {
		if err := e.store.Close(); err != nil {
			e.log.Warnw("store close failed", "error", err)
		}
	}
	if e.relay != nil {
		if err := e.relay.Stop(); err != nil {
			e.log.Warnw("embedded relay stop failed", "error", err)
		}
	}
}

func (e *Engine) Store() storage.Store { return e.store }

func (e *Engine) Arbiter() *arbiter.Arbiter { return e.arb }

func (e *Engine) Effects() *effects.Controller { return e.fx }

func (e *Engine) Cascade() *cascade.Cascade { return e.casc }
