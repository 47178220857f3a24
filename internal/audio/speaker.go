package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
)

const resampleQuality = 4

// Speaker plays through the system sound device. The device is opened once
// at a fixed rate and every clip is resampled to it.
type Speaker struct {
	mu      sync.Mutex
	rate    beep.SampleRate
	pending []clip

	// busy and gen are touched from the speaker's mixing goroutine, which
	// holds the speaker lock; they must stay lock-free.
	busy atomic.Bool
	gen  atomic.Uint64
}

var _ Output = (*Speaker)(nil)

var speakerInit sync.Once
var speakerErr error

// OpenSpeaker initializes the sound device at rate with a buffer of the
// given length.
func OpenSpeaker(rate int, buffer time.Duration) (*Speaker, error) {
	sr := beep.SampleRate(rate)
	speakerInit.Do(func() { speakerErr = speaker.Init(sr, sr.N(buffer)) })
	if speakerErr != nil {
		return nil, fmt.Errorf("speaker init: %w", speakerErr)
	}
	return &Speaker{rate: sr}, nil
}

func (s *Speaker) Load(path string) error {
	c, err := decodeFile(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = []clip{c}
	s.mu.Unlock()
	return nil
}

func (s *Speaker) Queue(path string) error {
	c, err := decodeFile(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = append(s.pending, c)
	s.mu.Unlock()
	return nil
}

// Play replaces whatever is on the device with the pending sequence.
func (s *Speaker) Play() error {
	s.mu.Lock()
	clips := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(clips) == 0 {
		return ErrNothingLoaded
	}

	streams := make([]beep.Streamer, 0, len(clips)+1)
	for _, c := range clips {
		var st beep.Streamer = c.buf.Streamer(0, c.buf.Len())
		if c.format.SampleRate != s.rate {
			st = beep.Resample(resampleQuality, c.format.SampleRate, s.rate, st)
		}
		streams = append(streams, st)
	}
	g := s.gen.Add(1)
	streams = append(streams, beep.Callback(func() {
		if s.gen.Load() == g {
			s.busy.Store(false)
		}
	}))

	s.busy.Store(true)
	speaker.Clear()
	speaker.Play(beep.Seq(streams...))
	return nil
}

func (s *Speaker) Stop() {
	s.gen.Add(1)
	speaker.Clear()
	s.busy.Store(false)
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

func (s *Speaker) Busy() bool { return s.busy.Load() }
