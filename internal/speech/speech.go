// Package speech renders announcement text to WAV clips with espeak-ng.
package speech

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultKeep is how many rendered clips stay on disk.
const DefaultKeep = 8

var ErrEmptyText = errors.New("empty text")

// Runner executes the synthesizer binary.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

type Espeak struct {
	binary string
	voice  string
	dir    string
	keep   int
	run    Runner
	log    *zap.SugaredLogger

	mu    sync.Mutex
	clips []string
}

type Option func(*Espeak)

func WithVoice(v string) Option { return func(e *Espeak) { e.voice = v } }

func WithKeep(n int) Option {
	return func(e *Espeak) {
		if n > 0 {
			e.keep = n
		}
	}
}

func WithRunner(r Runner) Option { return func(e *Espeak) { e.run = r } }

func WithLogger(log *zap.SugaredLogger) Option { return func(e *Espeak) { e.log = log } }

// New prepares dir for rendered clips. An empty dir uses a temp directory.
func New(binary, dir string, opts ...Option) (*Espeak, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "cuerelay-speech")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create speech dir: %w", err)
	}
	e := &Espeak{
		binary: binary,
		voice:  "en",
		dir:    dir,
		keep:   DefaultKeep,
		run:    execRunner,
		log:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Synthesize writes text to a fresh WAV file and returns its path.
func (e *Espeak) Synthesize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	out := filepath.Join(e.dir, uuid.NewString()+".wav")
	if err := e.run(ctx, e.binary, "-v", e.voice, "-w", out, text); err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("synthesize: no output: %w", err)
	}
	e.retain(out)
	return out, nil
}

// retain keeps the newest clips and removes the rest. The clip currently
// playing is always among the newest.
func (e *Espeak) retain(path string) {
	e.mu.Lock()
	e.clips = append(e.clips, path)
	var stale []string
	if len(e.clips) > e.keep {
		stale = append(stale, e.clips[:len(e.clips)-e.keep]...)
		e.clips = append([]string(nil), e.clips[len(e.clips)-e.keep:]...)
	}
	e.mu.Unlock()
	for _, p := range stale {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.log.Warnw("remove stale speech clip", "path", p, "error", err)
		}
	}
}
