// Package arbiter decides which cue owns the audio slot. One cue plays at a
// time; a request with a strictly lower priority value preempts it, anything
// else arriving while busy is dropped.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mistakeknot/cuerelay/internal/audio"
	"github.com/mistakeknot/cuerelay/internal/catalog"
	"github.com/mistakeknot/cuerelay/internal/core"
)

var (
	ErrPriority       = errors.New("unusable priority")
	ErrNoSynthesizer  = errors.New("speech synthesis disabled")
	ErrEmptyUtterance = errors.New("empty speech text")
)

type Decision string

const (
	DecisionPlayed    Decision = "played"
	DecisionPreempted Decision = "preempted"
	DecisionDropped   Decision = "dropped"
	DecisionRejected  Decision = "rejected"
	// DecisionFinished is reported by PollIdle when a cue ran out.
	DecisionFinished Decision = "finished"
)

// Request is one cue request. PriorityErr carries a priority that could not
// be parsed upstream; such requests are rejected here.
type Request struct {
	EventID     string
	Behavior    core.Behavior
	Level       int
	Priority    int
	PriorityErr error
}

type Cue struct {
	Behavior core.Behavior
	Level    int
	AssetID  string
	Speech   bool
}

type State struct {
	Priority int
	Cue      *Cue
}

func (s State) Idle() bool { return s.Cue == nil }

// Outcome describes one decision, handed to observers.
type Outcome struct {
	Request  Request
	Decision Decision
	Cue      *Cue
	Err      error
	At       time.Time
	Busy     bool
}

type Observer func(Outcome)

// Effects is the visual side the arbiter drives.
type Effects interface {
	ShowSolid(assetID string)
	StartChase()
	StopEffect()
}

// Synthesizer renders speech text into a playable clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

type Arbiter struct {
	mu       sync.Mutex
	priority int
	cue      *Cue

	cat   *catalog.Catalog
	out   audio.Output
	fx    Effects
	synth Synthesizer

	observers []Observer
	now       func() time.Time
	log       *zap.SugaredLogger
}

type Option func(*Arbiter)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(a *Arbiter) { a.log = log }
}

func WithObserver(o Observer) Option {
	return func(a *Arbiter) { a.observers = append(a.observers, o) }
}

func WithSynthesizer(s Synthesizer) Option {
	return func(a *Arbiter) { a.synth = s }
}

func WithClock(now func() time.Time) Option {
	return func(a *Arbiter) { a.now = now }
}

func New(cat *catalog.Catalog, out audio.Output, fx Effects, opts ...Option) *Arbiter {
	a := &Arbiter{
		cat: cat,
		out: out,
		fx:  fx,
		now: time.Now,
		log: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Request runs one cue request to a decision. When it returns, State and
// the indicator channels reflect that decision.
func (a *Arbiter) Request(req Request) Decision {
	o := a.request(req)
	a.notify(o)
	return o.Decision
}

func (a *Arbiter) request(req Request) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	o := Outcome{Request: req, At: a.now()}

	if req.PriorityErr != nil {
		return a.rejectLocked(o, fmt.Errorf("%w: %v", ErrPriority, req.PriorityErr))
	}
	// A request that cannot win is dropped before it is resolved, so a bad
	// cue never cuts off the one already playing.
	if a.cue != nil && req.Priority >= a.priority {
		a.log.Debugw("cue dropped", "behavior", req.Behavior, "level", req.Level,
			"priority", req.Priority, "current", a.priority)
		o.Decision = DecisionDropped
		o.Cue = a.cue
		o.Busy = true
		return o
	}
	asset, err := a.cat.Resolve(req.Behavior, req.Level)
	if err != nil {
		return a.rejectLocked(o, err)
	}

	o.Decision = DecisionPlayed
	if a.cue != nil {
		a.log.Infow("cue preempted", "current", a.cue.AssetID, "currentPriority", a.priority,
			"by", asset.ID, "priority", req.Priority)
		a.out.Stop()
		o.Decision = DecisionPreempted
	}

	if err := a.out.Load(asset.Path); err != nil {
		return a.rejectLocked(o, fmt.Errorf("load %s: %w", asset.ID, err))
	}
	if next, ok, err := a.cat.Continuation(req.Behavior, req.Level); ok {
		if err == nil {
			err = a.out.Queue(next.Path)
		}
		if err != nil {
			a.log.Warnw("continuation skipped", "asset", next.ID, "error", err)
		}
	}
	if err := a.out.Play(); err != nil {
		return a.rejectLocked(o, fmt.Errorf("play %s: %w", asset.ID, err))
	}

	a.priority = req.Priority
	a.cue = &Cue{Behavior: req.Behavior, Level: req.Level, AssetID: asset.ID}
	a.fx.ShowSolid(asset.ID)
	a.log.Infow("cue playing", "behavior", req.Behavior, "level", req.Level,
		"priority", req.Priority, "asset", asset.ID, "event", req.EventID)

	o.Cue = a.cue
	o.Busy = true
	return o
}

// Speak plays synthesized speech under the same busy/preempt rule, with the
// chase effect instead of a solid channel. Synthesis happens outside the
// arbiter lock.
func (a *Arbiter) Speak(ctx context.Context, text string, priority int) Decision {
	o := a.speak(ctx, text, priority)
	a.notify(o)
	return o.Decision
}

func (a *Arbiter) speak(ctx context.Context, text string, priority int) Outcome {
	req := Request{Behavior: core.BehaviorSpeech, Priority: priority}
	o := Outcome{Request: req, At: a.now()}
	if st := a.State(); !st.Idle() && priority >= st.Priority {
		o.Decision, o.Cue, o.Busy = DecisionDropped, st.Cue, true
		return o
	}

	var path string
	var err error
	switch {
	case a.synth == nil:
		err = ErrNoSynthesizer
	case text == "":
		err = ErrEmptyUtterance
	default:
		path, err = a.synth.Synthesize(ctx, text)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	o.At = a.now()
	// Another cue may have started while synthesizing.
	if a.cue != nil && priority >= a.priority {
		o.Decision, o.Cue, o.Busy = DecisionDropped, a.cue, true
		return o
	}
	if err != nil {
		return a.rejectLocked(o, fmt.Errorf("speech: %w", err))
	}
	o.Decision = DecisionPlayed
	if a.cue != nil {
		a.out.Stop()
		o.Decision = DecisionPreempted
	}
	if err := a.out.Load(path); err != nil {
		return a.rejectLocked(o, fmt.Errorf("load speech: %w", err))
	}
	if err := a.out.Play(); err != nil {
		return a.rejectLocked(o, fmt.Errorf("play speech: %w", err))
	}
	a.priority = priority
	a.cue = &Cue{Behavior: core.BehaviorSpeech, AssetID: filepath.Base(path), Speech: true}
	a.fx.StartChase()
	a.log.Infow("speech playing", "priority", priority, "chars", len(text))
	o.Cue = a.cue
	o.Busy = true
	return o
}

// PollIdle returns the arbiter to idle once the output has gone quiet, and
// switches the effects off. It reports whether a cue was cleared.
func (a *Arbiter) PollIdle() bool {
	a.mu.Lock()
	if a.out.Busy() {
		a.mu.Unlock()
		return false
	}
	finished := a.cue
	a.cue = nil
	a.priority = 0
	a.fx.StopEffect()
	at := a.now()
	a.mu.Unlock()

	if finished == nil {
		return false
	}
	a.log.Debugw("cue finished", "asset", finished.AssetID)
	a.notify(Outcome{
		Request:  Request{Behavior: finished.Behavior, Level: finished.Level},
		Decision: DecisionFinished,
		Cue:      finished,
		At:       at,
	})
	return true
}

// State returns a snapshot of the current decision state.
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{Priority: a.priority, Cue: a.cue}
}

// Reset stops output and effects and forgets the current cue. Used on
// teardown.
func (a *Arbiter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out.Stop()
	a.fx.StopEffect()
	a.cue = nil
	a.priority = 0
}

func (a *Arbiter) rejectLocked(o Outcome, err error) Outcome {
	a.log.Warnw("cue rejected", "behavior", o.Request.Behavior, "level", o.Request.Level,
		"priority", o.Request.Priority, "event", o.Request.EventID, "error", err)
	a.out.Stop()
	a.fx.StopEffect()
	a.cue = nil
	a.priority = 0
	o.Decision = DecisionRejected
	o.Err = err
	o.Cue = nil
	o.Busy = false
	return o
}

func (a *Arbiter) notify(o Outcome) {
	for _, obs := range a.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.log.Errorw("arbiter observer panic", "panic", r)
				}
			}()
			obs(o)
		}()
	}
}
