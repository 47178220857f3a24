// Package effects keeps the indicator channels in one visual mode at a time:
// everything off, one channel solid, or a chase running across the cue
// channels.
package effects

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/mistakeknot/cuerelay/internal/catalog"
	"github.com/mistakeknot/cuerelay/internal/indicator"
)

type Mode string

const (
	ModeOff   Mode = "off"
	ModeSolid Mode = "solid"
	ModeChase Mode = "chase"
)

const (
	eventShow  = "show"
	eventChase = "chase"
	eventStop  = "stop"
)

const (
	DefaultDwell = 500 * time.Millisecond
	DefaultTick  = 100 * time.Millisecond
)

type Controller struct {
	// mu serializes mode changes. It is held while joining the chase loop,
	// so the loop itself only ever takes wmu.
	mu      sync.Mutex
	machine *fsm.FSM
	solid   indicator.ChannelID
	cancel  context.CancelFunc
	done    chan struct{}

	wmu  sync.Mutex
	bank indicator.Bank

	cat       *catalog.Catalog
	cues      []indicator.ChannelID
	status    indicator.ChannelID
	hasStatus bool
	pulse     Deferred

	dwell time.Duration
	tick  time.Duration
	log   *zap.SugaredLogger
}

type Option func(*Controller)

func WithDwell(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.dwell = d
		}
	}
}

func WithTick(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.tick = d
		}
	}
}

// WithStatusChannel sets the channel used by Pulse. It is never part of a
// solid or chase effect.
func WithStatusChannel(id indicator.ChannelID) Option {
	return func(c *Controller) {
		c.status = id
		c.hasStatus = true
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Controller) { c.log = log }
}

func New(bank indicator.Bank, cat *catalog.Catalog, opts ...Option) *Controller {
	c := &Controller{
		bank:  bank,
		cat:   cat,
		cues:  cat.Channels(),
		dwell: DefaultDwell,
		tick:  DefaultTick,
		log:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tick > c.dwell {
		c.tick = c.dwell
	}

	have := make(map[indicator.ChannelID]bool)
	for _, id := range bank.Channels() {
		have[id] = true
	}
	for _, id := range c.cues {
		if !have[id] {
			c.log.Warnw("cue channel not present on indicator bank", "channel", id)
		}
	}

	c.machine = fsm.NewFSM(
		string(ModeOff),
		fsm.Events{
			{Name: eventShow, Src: []string{string(ModeOff), string(ModeSolid), string(ModeChase)}, Dst: string(ModeSolid)},
			{Name: eventChase, Src: []string{string(ModeOff), string(ModeSolid)}, Dst: string(ModeChase)},
			{Name: eventStop, Src: []string{string(ModeSolid), string(ModeChase)}, Dst: string(ModeOff)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Debugw("effect mode", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return c
}

// ShowSolid energizes the channel mapped to assetID and nothing else. A
// running chase is joined first. An unmapped asset leaves everything off.
func (c *Controller) ShowSolid(assetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopChaseLocked()

	ch, ok := c.cat.Channel(assetID)
	if !ok {
		c.log.Warnw("no indicator channel for asset", "asset", assetID)
		c.cuesOff()
		c.fire(eventStop)
		return
	}
	c.wmu.Lock()
	for _, id := range c.cues {
		if id != ch {
			c.setLocked(id, false)
		}
	}
	c.setLocked(ch, true)
	c.wmu.Unlock()
	c.solid = ch
	c.fire(eventShow)
}

// StartChase starts the chase loop. No-op when already chasing.
func (c *Controller) StartChase() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	c.cuesOff()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go c.chase(ctx, done)
	c.fire(eventChase)
}

// StopEffect ends any effect and returns once every cue channel is off.
func (c *Controller) StopEffect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopChaseLocked()
	c.cuesOff()
	c.fire(eventStop)
}

// TurnOffAll de-energizes every channel on the bank, including the status
// channel, and drops a pending pulse.
func (c *Controller) TurnOffAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopChaseLocked()
	c.pulse.Cancel()
	c.wmu.Lock()
	for _, id := range c.bank.Channels() {
		c.setLocked(id, false)
	}
	c.wmu.Unlock()
	c.fire(eventStop)
}

// Pulse lights the status channel for d. A newer pulse replaces an older
// one's switch-off.
func (c *Controller) Pulse(d time.Duration) {
	if !c.hasStatus || d <= 0 {
		return
	}
	c.pulse.Schedule(
		func() { c.set(c.status, true) },
		d,
		func() { c.set(c.status, false) },
	)
}

// Mode reports the current mode and, for ModeSolid, the lit channel.
func (c *Controller) Mode() (Mode, indicator.ChannelID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := Mode(c.machine.Current())
	if m != ModeSolid {
		return m, 0
	}
	return m, c.solid
}

func (c *Controller) stopChaseLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}

func (c *Controller) chase(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.cuesOff()
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("chase loop panic", "panic", r)
		}
	}()
	if len(c.cues) == 0 {
		<-ctx.Done()
		return
	}
	for {
		for _, id := range c.cues {
			c.set(id, true)
			alive := c.wait(ctx)
			c.set(id, false)
			if !alive {
				return
			}
		}
	}
}

// wait sleeps one dwell in tick steps and reports false once ctx is done.
func (c *Controller) wait(ctx context.Context) bool {
	t := time.NewTicker(c.tick)
	defer t.Stop()
	for slept := time.Duration(0); slept < c.dwell; slept += c.tick {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return ctx.Err() == nil
}

func (c *Controller) fire(event string) {
	err := c.machine.Event(context.Background(), event)
	var noop fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	switch {
	case err == nil, errors.As(err, &noop), errors.As(err, &invalid):
	default:
		c.log.Warnw("effect transition", "event", event, "error", err)
	}
}

func (c *Controller) cuesOff() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for _, id := range c.cues {
		c.setLocked(id, false)
	}
}

func (c *Controller) set(id indicator.ChannelID, on bool) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.setLocked(id, on)
}

func (c *Controller) setLocked(id indicator.ChannelID, on bool) {
	if err := c.bank.Set(id, on); err != nil {
		c.log.Warnw("channel write failed", "channel", id, "on", on, "error", err)
	}
}
