package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig shapes the retry schedule for SQLITE_BUSY.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64 // randomization factor, 0.25 spreads each delay ±25%
}

// DefaultRetryConfig waits 50ms, doubling, up to 7 retries with 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 7, BaseDelay: 50 * time.Millisecond, JitterPct: 0.25}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.RandomizationFactor = c.JitterPct
	b.Multiplier = 2
	b.MaxInterval = c.BaseDelay << uint(c.MaxRetries)
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.MaxRetries)), ctx)
}

// lockRetry reruns an operation while the database reports itself locked.
// Any other outcome, success included, ends the loop on that attempt.
type lockRetry struct {
	cfg RetryConfig
	// timer is nil outside tests.
	timer   backoff.Timer
	onRetry func(err error, delay time.Duration)
}

func (r lockRetry) do(ctx context.Context, fn func() error) error {
	op := func() error {
		err := fn()
		if err != nil && !isDBLocked(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotifyWithTimer(op, r.cfg.backOff(ctx), r.onRetry, r.timer)
}

func isDBLocked(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
