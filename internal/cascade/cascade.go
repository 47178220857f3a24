// Package cascade follows the device → user → history link chain. It keeps
// one watch on the device document and, while a user is linked, exactly one
// watch on that user's history collection, forwarding new events to the
// arbiter.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/mistakeknot/cuerelay/internal/arbiter"
	"github.com/mistakeknot/cuerelay/internal/core"
	"github.com/mistakeknot/cuerelay/internal/storage"
)

var (
	ErrAttached = errors.New("cascade already attached")
	ErrClosed   = errors.New("cascade closed")
)

// ReplayPolicy decides what happens to history that already existed when a
// history watch was opened.
type ReplayPolicy string

const (
	// ReplayFresh skips replayed events older than the watch start minus the
	// grace window.
	ReplayFresh ReplayPolicy = "fresh"
	// ReplayAll forwards every replayed event not forwarded before.
	ReplayAll ReplayPolicy = "all"
)

const (
	DefaultReplayGrace = 5 * time.Second
	DefaultSeenSize    = 1024
	userLookupTimeout  = 5 * time.Second
)

// Relay receives the events a cascade forwards.
type Relay interface {
	Request(req arbiter.Request) arbiter.Decision
	Speak(ctx context.Context, text string, priority int) arbiter.Decision
}

// LinkObserver is told about every link change. userID is empty on unlink.
type LinkObserver func(deviceID, userID string)

type Cascade struct {
	store storage.Store
	relay Relay

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	deviceID string
	device   storage.Watch
	linked   string
	history  storage.Watch
	pending  bool
	closed   bool

	seen      *lru.Cache[string, struct{}]
	replay    ReplayPolicy
	grace     time.Duration
	seenSize  int
	observers []LinkObserver
	now       func() time.Time
	log       *zap.SugaredLogger
}

type Option func(*Cascade)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Cascade) { c.log = log }
}

func WithReplay(policy ReplayPolicy, grace time.Duration) Option {
	return func(c *Cascade) {
		if policy != "" {
			c.replay = policy
		}
		if grace >= 0 {
			c.grace = grace
		}
	}
}

func WithSeenSize(n int) Option {
	return func(c *Cascade) {
		if n > 0 {
			c.seenSize = n
		}
	}
}

func WithLinkObserver(o LinkObserver) Option {
	return func(c *Cascade) { c.observers = append(c.observers, o) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cascade) { c.now = now }
}

func New(store storage.Store, relay Relay, opts ...Option) *Cascade {
	c := &Cascade{
		store:    store,
		relay:    relay,
		replay:   ReplayFresh,
		grace:    DefaultReplayGrace,
		seenSize: DefaultSeenSize,
		now:      time.Now,
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	seen, err := lru.New[string, struct{}](c.seenSize)
	if err != nil {
		// only fails for a non-positive size, which the option rules out
		panic(err)
	}
	c.seen = seen
	return c
}

// Attach opens the device watch. An error here is a startup failure.
func (c *Cascade) Attach(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.device != nil {
		return ErrAttached
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.deviceID = deviceID
	w, err := c.store.WatchDocument(c.ctx, core.DevicePath(deviceID), c.onDevice)
	if err != nil {
		c.cancel()
		return fmt.Errorf("watch device %s: %w", deviceID, err)
	}
	c.device = w
	c.log.Infow("attached", "device", deviceID)
	return nil
}

// Close stops the history watch and then the device watch. Both stops block
// until the delivery goroutines are gone.
func (c *Cascade) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	history, device, cancel := c.history, c.device, c.cancel
	c.history, c.device = nil, nil
	c.mu.Unlock()

	if history != nil {
		history.Stop()
	}
	if device != nil {
		device.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// LinkedUser returns the user currently linked, or "".
func (c *Cascade) LinkedUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linked
}

func (c *Cascade) onDevice(doc storage.Document) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("device callback panic", "panic", r)
		}
	}()
	next := ""
	if doc.Exists {
		next = core.DecodeDevice(doc.ID, doc.Data).LinkedUserID
	} else {
		c.log.Warnw("device document missing", "path", doc.Path)
	}

	changed, deviceID := c.relink(next)
	if !changed {
		return
	}
	for _, o := range c.observers {
		o(deviceID, next)
	}
}

// relink applies a link value from a device snapshot and reports whether the
// link changed.
func (c *Cascade) relink(next string) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ""
	}
	if next == c.linked && !c.pending {
		return false, ""
	}
	retry := next == c.linked

	if c.history != nil {
		c.history.Stop()
		c.history = nil
	}
	c.linked = next
	c.pending = false

	if next == "" {
		c.log.Infow("device unlinked", "device", c.deviceID)
		return true, c.deviceID
	}

	if !retry {
		c.lookupUser(next)
	}
	start := c.now()
	w, err := c.store.WatchCollection(c.ctx, core.HistoryCollection(next), c.historyHandler(next, start))
	if err != nil {
		c.pending = true
		c.log.Errorw("history watch failed; will retry on next device update", "user", next, "error", err)
		return !retry, c.deviceID
	}
	c.history = w
	c.log.Infow("device linked", "device", c.deviceID, "user", next)
	return !retry, c.deviceID
}

func (c *Cascade) lookupUser(userID string) {
	ctx, cancel := context.WithTimeout(c.ctx, userLookupTimeout)
	defer cancel()
	doc, err := c.store.Get(ctx, core.UserPath(userID))
	if err != nil {
		c.log.Warnw("linked user lookup failed", "user", userID, "error", err)
		return
	}
	u := core.DecodeUser(doc.ID, doc.Data)
	c.log.Infow("linked user", "user", userID, "username", u.Username)
}

// historyHandler must not take c.mu: relink holds it while stopping the
// previous history watch.
//
// Only the first batch of a watch is a replay of stored history, so only
// that batch is filtered by timestamp. Later batches are live writes and
// are forwarded whatever clock the producer stamped them with.
func (c *Cascade) historyHandler(userID string, start time.Time) storage.CollectionHandler {
	cutoff := start.Add(-c.grace)
	replay := true
	return func(changes []storage.Change) {
		batchCutoff := time.Time{}
		if replay {
			batchCutoff = cutoff
			replay = false
		}
		for _, ch := range changes {
			if ch.Kind != core.ChangeAdded {
				continue
			}
			c.forward(userID, ch.Doc, batchCutoff)
		}
	}
}

func (c *Cascade) forward(userID string, doc storage.Document, cutoff time.Time) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("history callback panic", "user", userID, "event", doc.ID, "panic", r)
		}
	}()
	key := doc.Path
	if key == "" {
		key = doc.ID
	}
	if c.seen.Contains(key) {
		return
	}

	if _, ok := doc.Data[core.FieldBehavior]; !ok {
		c.log.Warnw("history event without behavior", "event", doc.ID)
		return
	}
	if v, ok := doc.Data[core.FieldPriority]; !ok || v == nil {
		c.log.Warnw("history event without priority", "event", doc.ID)
		return
	}
	ev, perr := core.DecodeHistoryEvent(doc.ID, doc.Data)
	c.seen.Add(key, struct{}{})

	if c.replay == ReplayFresh && !cutoff.IsZero() && !ev.Timestamp.IsZero() && ev.Timestamp.Before(cutoff) {
		c.log.Debugw("skipping replayed event", "event", ev.ID, "timestamp", ev.Timestamp)
		return
	}

	if ev.Behavior == core.BehaviorSpeech && perr == nil {
		c.relay.Speak(c.ctx, ev.Message, ev.Priority)
		return
	}
	c.relay.Request(arbiter.Request{
		EventID:     ev.ID,
		Behavior:    ev.Behavior,
		Level:       ev.Level,
		Priority:    ev.Priority,
		PriorityErr: perr,
	})
}
