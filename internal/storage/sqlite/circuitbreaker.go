package sqlite

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mistakeknot/cuerelay/internal/storage"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips after threshold consecutive database failures and
// lets a single probe through once resetTimeout has passed. Caller errors
// (missing documents, bad paths, cancelled contexts) never count.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	nowFunc      func() time.Time // for testing
	onChange     func(from, to BreakerState)
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		nowFunc:      time.Now,
	}
}

// OnStateChange registers a hook called (outside the breaker lock) on every
// state transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen if the
// breaker is open and the reset timeout hasn't elapsed.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateClosed:
	case StateOpen:
		if cb.nowFunc().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
	default:
		// one probe per reset cycle
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	probing := cb.state == StateHalfOpen
	cb.mu.Unlock()
	if probing {
		cb.changed(from, StateHalfOpen)
		from = StateHalfOpen
	}

	err := fn()

	cb.mu.Lock()
	failed := err != nil && countsAsFailure(err)
	switch {
	case probing && failed:
		cb.state = StateOpen
		cb.lastFailure = cb.nowFunc()
	case probing:
		cb.state = StateClosed
		cb.failures = 0
	case failed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.state = StateOpen
			cb.lastFailure = cb.nowFunc()
		}
	default:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()
	if to != from {
		cb.changed(from, to)
	}
	return err
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) changed(from, to BreakerState) {
	cb.mu.Lock()
	fn := cb.onChange
	cb.mu.Unlock()
	if fn != nil {
		fn(from, to)
	}
}

func countsAsFailure(err error) bool {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrInvalidPath),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
