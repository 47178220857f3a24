package audio

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Simulated is an Output without a sound device. It decodes each clip to
// learn its length and reports busy for that long after Play.
type Simulated struct {
	mu      sync.Mutex
	now     func() time.Time
	pending []clip
	until   time.Time
	playing []string
	history [][]string
	log     *zap.SugaredLogger
}

var _ Output = (*Simulated)(nil)

type SimOption func(*Simulated)

// WithClock overrides the time source.
func WithClock(now func() time.Time) SimOption {
	return func(s *Simulated) { s.now = now }
}

func WithLogger(log *zap.SugaredLogger) SimOption {
	return func(s *Simulated) { s.log = log }
}

func NewSimulated(opts ...SimOption) *Simulated {
	s := &Simulated{now: time.Now, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulated) Load(path string) error {
	c, err := decodeFile(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = []clip{c}
	s.mu.Unlock()
	return nil
}

func (s *Simulated) Queue(path string) error {
	c, err := decodeFile(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = append(s.pending, c)
	s.mu.Unlock()
	return nil
}

func (s *Simulated) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return ErrNothingLoaded
	}
	var total time.Duration
	paths := make([]string, 0, len(s.pending))
	for _, c := range s.pending {
		total += c.duration()
		paths = append(paths, c.path)
	}
	s.pending = nil
	s.playing = paths
	s.history = append(s.history, paths)
	s.until = s.now().Add(total)
	s.log.Infow("play", "clips", paths, "duration", total)
	return nil
}

func (s *Simulated) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.playing = nil
	s.until = time.Time{}
}

func (s *Simulated) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.until)
}

// Finish ends the current sequence as if it had played out.
func (s *Simulated) Finish() {
	s.Stop()
}

// Playing lists the clips of the sequence started last, empty once stopped.
func (s *Simulated) Playing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.now().Before(s.until) {
		return nil
	}
	return append([]string(nil), s.playing...)
}

// History lists every sequence passed to Play, oldest first.
func (s *Simulated) History() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.history))
	copy(out, s.history)
	return out
}
