// Package indicator drives the LED channels. A Bank addresses channels by a
// small logical id; the mapping to physical pins lives in configuration.
package indicator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

type ChannelID int

var ErrUnknownChannel = errors.New("unknown indicator channel")

// Bank is the indicator channel primitive.
type Bank interface {
	Set(id ChannelID, on bool) error
	Channels() []ChannelID
	Close() error
}

// GPIO drives one output pin per channel through periph.io.
type GPIO struct {
	mu   sync.Mutex
	pins map[ChannelID]gpio.PinIO
	ids  []ChannelID
}

var hostInit sync.Once
var hostErr error

// OpenGPIO initializes the host drivers once and resolves every pin name.
// Unresolvable pins are an init fault.
func OpenGPIO(pinNames map[ChannelID]string) (*GPIO, error) {
	hostInit.Do(func() { _, hostErr = host.Init() })
	if hostErr != nil {
		return nil, fmt.Errorf("periph host init: %w", hostErr)
	}
	g := &GPIO{pins: make(map[ChannelID]gpio.PinIO, len(pinNames))}
	for id, name := range pinNames {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("channel %d: no gpio pin %q", id, name)
		}
		if err := pin.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("channel %d: pin %s out: %w", id, name, err)
		}
		g.pins[id] = pin
		g.ids = append(g.ids, id)
	}
	sortIDs(g.ids)
	return g, nil
}

func (g *GPIO) Set(id ChannelID, on bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	pin, ok := g.pins[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	if err := pin.Out(gpio.Level(on)); err != nil {
		return fmt.Errorf("channel %d (%s): %w", id, pin.Name(), err)
	}
	return nil
}

func (g *GPIO) Channels() []ChannelID {
	return append([]ChannelID(nil), g.ids...)
}

// Close drives every pin low and halts it.
func (g *GPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var errs []error
	for _, id := range g.ids {
		pin := g.pins[id]
		if err := pin.Out(gpio.Low); err != nil {
			errs = append(errs, err)
		}
		if err := pin.Halt(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Simulated records channel state in memory. It stands in for the LED
// board on development machines and in tests.
type Simulated struct {
	mu     sync.Mutex
	state  map[ChannelID]bool
	ids    []ChannelID
	writes int
	fail   map[ChannelID]error
	log    *zap.SugaredLogger
}

func NewSimulated(log *zap.SugaredLogger, ids ...ChannelID) *Simulated {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Simulated{state: make(map[ChannelID]bool, len(ids)), log: log}
	for _, id := range ids {
		if _, dup := s.state[id]; dup {
			continue
		}
		s.state[id] = false
		s.ids = append(s.ids, id)
	}
	sortIDs(s.ids)
	return s
}

func (s *Simulated) Set(id ChannelID, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	if err := s.fail[id]; err != nil {
		return err
	}
	s.writes++
	if s.state[id] != on {
		s.log.Debugw("channel", "id", id, "on", on)
	}
	s.state[id] = on
	return nil
}

func (s *Simulated) Channels() []ChannelID {
	return append([]ChannelID(nil), s.ids...)
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.state {
		s.state[id] = false
	}
	return nil
}

// On reports whether a channel is energized.
func (s *Simulated) On(id ChannelID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[id]
}

// Lit lists energized channels in ascending order.
func (s *Simulated) Lit() []ChannelID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ChannelID
	for _, id := range s.ids {
		if s.state[id] {
			out = append(out, id)
		}
	}
	return out
}

// Writes counts successful Set calls.
func (s *Simulated) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// FailWith makes writes to id return err; nil clears it.
func (s *Simulated) FailWith(id ChannelID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail == nil {
		s.fail = make(map[ChannelID]error)
	}
	if err == nil {
		delete(s.fail, id)
		return
	}
	s.fail[id] = err
}

func sortIDs(ids []ChannelID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
