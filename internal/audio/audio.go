// Package audio is the single audio output slot. Play is fire-and-forget;
// callers learn about completion only by polling Busy.
package audio

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
)

var ErrNothingLoaded = errors.New("no clip loaded")

// Output is the audio primitive the arbiter drives.
type Output interface {
	// Load replaces the pending sequence with a single clip.
	Load(path string) error
	// Queue appends a clip to play after the loaded ones.
	Queue(path string) error
	Play() error
	Stop()
	Busy() bool
}

// clip is a decoded WAV file held in memory.
type clip struct {
	path   string
	buf    *beep.Buffer
	format beep.Format
}

func (c clip) duration() time.Duration {
	return c.format.SampleRate.D(c.buf.Len())
}

func decodeFile(path string) (clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return clip{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	s, format, err := wav.Decode(f)
	if err != nil {
		return clip{}, fmt.Errorf("decode %s: %w", path, err)
	}
	defer s.Close()
	buf := beep.NewBuffer(format)
	buf.Append(s)
	if err := s.Err(); err != nil {
		return clip{}, fmt.Errorf("read %s: %w", path, err)
	}
	return clip{path: path, buf: buf, format: format}, nil
}

// Duration reports the play length of a WAV file.
func Duration(path string) (time.Duration, error) {
	c, err := decodeFile(path)
	if err != nil {
		return 0, err
	}
	return c.duration(), nil
}

// WriteSilence writes a mono silent WAV of the given length. The simulator
// and tests use it to lay down placeholder cue assets.
func WriteSilence(path string, d time.Duration) error {
	format := beep.Format{SampleRate: 8000, NumChannels: 1, Precision: 2}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := wav.Encode(f, beep.Silence(format.SampleRate.N(d)), format); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
