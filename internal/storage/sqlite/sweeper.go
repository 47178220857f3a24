package sqlite

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pruner deletes history older than a cutoff.
type Pruner interface {
	PruneHistory(ctx context.Context, before time.Time) (int, error)
}

// Sweeper runs a background goroutine that periodically deletes history
// events older than the retention window. Watchers see each deletion as a
// REMOVED change.
type Sweeper struct {
	store     Pruner
	interval  time.Duration
	retention time.Duration
	log       *zap.SugaredLogger
	now       func() time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSweeper creates a new Sweeper. Call Start() to begin sweeping.
func NewSweeper(store Pruner, interval, retention time.Duration, log *zap.SugaredLogger) *Sweeper {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Sweeper{
		store:     store,
		interval:  interval,
		retention: retention,
		log:       log,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		sw.runSweep(ctx)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	<-sw.done
}

func (sw *Sweeper) runSweep(ctx context.Context) int {
	cutoff := sw.now().UTC().Add(-sw.retention)
	removed, err := sw.store.PruneHistory(ctx, cutoff)
	if err != nil {
		sw.log.Warnw("history sweep failed", "error", err)
		return removed
	}
	if removed > 0 {
		sw.log.Infow("pruned expired history", "removed", removed, "before", cutoff)
	}
	return removed
}
