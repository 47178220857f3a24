package sqlite

import (
	"context"
	"time"

	"github.com/mistakeknot/cuerelay/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore runs every *Store call through a circuit breaker, retrying
// "database is locked" inside it.
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
	retry lockRetry
}

// NewResilient creates a ResilientStore with default circuit breaker settings
// (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return NewResilientWithBreaker(inner, NewCircuitBreaker(5, 30*time.Second))
}

// NewResilientWithBreaker creates a ResilientStore with a custom circuit breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb, retry: lockRetry{
		cfg: DefaultRetryConfig(),
		onRetry: func(err error, delay time.Duration) {
			inner.log.Debugw("database locked, retrying", "delay", delay, "error", err)
		},
	}}
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

// Breaker exposes the breaker so callers can hook state changes.
func (r *ResilientStore) Breaker() *CircuitBreaker {
	return r.cb
}

// Inner returns the wrapped store.
func (r *ResilientStore) Inner() *Store {
	return r.inner
}

func (r *ResilientStore) do(ctx context.Context, fn func() error) error {
	return r.cb.Execute(func() error {
		return r.retry.do(ctx, fn)
	})
}

func (r *ResilientStore) Get(ctx context.Context, path string) (storage.Document, error) {
	var result storage.Document
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.Get(ctx, path)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) Set(ctx context.Context, path string, data map[string]any, merge bool) error {
	return r.do(ctx, func() error {
		return r.inner.Set(ctx, path, data, merge)
	})
}

func (r *ResilientStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	var result string
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.Add(ctx, collection, data)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) Delete(ctx context.Context, path string) error {
	return r.do(ctx, func() error {
		return r.inner.Delete(ctx, path)
	})
}

func (r *ResilientStore) List(ctx context.Context, collection string) ([]storage.Document, error) {
	var result []storage.Document
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.List(ctx, collection)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) WatchDocument(ctx context.Context, path string, fn storage.DocumentHandler) (storage.Watch, error) {
	var result storage.Watch
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.WatchDocument(ctx, path, fn)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) WatchCollection(ctx context.Context, collection string, fn storage.CollectionHandler) (storage.Watch, error) {
	var result storage.Watch
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.WatchCollection(ctx, collection, fn)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) PruneHistory(ctx context.Context, before time.Time) (int, error) {
	var result int
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.PruneHistory(ctx, before)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
