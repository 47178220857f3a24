// Package firestore is a storage.Store on Google Cloud Firestore, the
// backend the device fleet uses in production.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mistakeknot/cuerelay/internal/core"
	"github.com/mistakeknot/cuerelay/internal/metrics"
	"github.com/mistakeknot/cuerelay/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	client     *firestore.Client
	log        *zap.SugaredLogger
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	watches map[*watch]struct{}
}

type config struct {
	clientOpts []option.ClientOption
	log        *zap.SugaredLogger
	newBackOff func() backoff.BackOff
}

type Option func(*config)

// WithCredentialsFile authenticates with a service account key file.
func WithCredentialsFile(path string) Option {
	return func(c *config) {
		if path != "" {
			c.clientOpts = append(c.clientOpts, option.WithCredentialsFile(path))
		}
	}
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(c *config) { c.clientOpts = append(c.clientOpts, opts...) }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *config) { c.log = log }
}

// WithBackOff replaces the schedule used to restart broken listeners.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *config) { c.newBackOff = fn }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// New connects to projectID. FIRESTORE_EMULATOR_HOST is honoured by the
// underlying client.
func New(ctx context.Context, projectID string, opts ...Option) (*Store, error) {
	cfg := config{log: zap.NewNop().Sugar(), newBackOff: defaultBackOff}
	for _, opt := range opts {
		opt(&cfg)
	}
	client, err := firestore.NewClient(ctx, projectID, cfg.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &Store{
		client:     client,
		log:        cfg.log,
		newBackOff: cfg.newBackOff,
		watches:    make(map[*watch]struct{}),
	}, nil
}

func (s *Store) Get(ctx context.Context, path string) (storage.Document, error) {
	if _, _, err := storage.SplitDocumentPath(path); err != nil {
		return storage.Document{}, err
	}
	snap, err := s.client.Doc(path).Get(ctx)
	if err != nil {
		return storage.Document{}, mapErr("get", path, err)
	}
	return fromSnapshot(path, snap), nil
}

func (s *Store) Set(ctx context.Context, path string, data map[string]any, merge bool) error {
	if _, _, err := storage.SplitDocumentPath(path); err != nil {
		return err
	}
	var opts []firestore.SetOption
	if merge {
		opts = append(opts, firestore.MergeAll)
	}
	if _, err := s.client.Doc(path).Set(ctx, data, opts...); err != nil {
		return mapErr("set", path, err)
	}
	return nil
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := storage.ValidateCollectionPath(collection); err != nil {
		return "", err
	}
	ref, _, err := s.client.Collection(collection).Add(ctx, data)
	if err != nil {
		return "", mapErr("add", collection, err)
	}
	return ref.ID, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if _, _, err := storage.SplitDocumentPath(path); err != nil {
		return err
	}
	if _, err := s.client.Doc(path).Delete(ctx); err != nil {
		return mapErr("delete", path, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, collection string) ([]storage.Document, error) {
	if err := storage.ValidateCollectionPath(collection); err != nil {
		return nil, err
	}
	snaps, err := s.client.Collection(collection).Documents(ctx).GetAll()
	if err != nil {
		return nil, mapErr("list", collection, err)
	}
	out := make([]storage.Document, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, fromSnapshot(collection+"/"+snap.Ref.ID, snap))
	}
	return out, nil
}

// Close stops every listener and closes the client.
func (s *Store) Close() error {
	s.mu.Lock()
	watches := make([]*watch, 0, len(s.watches))
	for w := range s.watches {
		watches = append(watches, w)
	}
	s.mu.Unlock()
	for _, w := range watches {
		w.Stop()
	}
	return s.client.Close()
}

func fromSnapshot(path string, snap *firestore.DocumentSnapshot) storage.Document {
	_, id, _ := storage.SplitDocumentPath(path)
	doc := storage.Document{ID: id, Path: path}
	if snap == nil || !snap.Exists() {
		return doc
	}
	doc.Exists = true
	doc.Data = snap.Data()
	doc.UpdatedAt = snap.UpdateTime
	return doc
}

func changeKind(k firestore.DocumentChangeKind) core.ChangeKind {
	switch k {
	case firestore.DocumentAdded:
		return core.ChangeAdded
	case firestore.DocumentRemoved:
		return core.ChangeRemoved
	default:
		return core.ChangeModified
	}
}

// mapErr translates gRPC status codes onto the storage sentinels.
func mapErr(op, path string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s %s: %w", op, path, storage.ErrNotFound)
	case codes.InvalidArgument:
		return fmt.Errorf("%s %s: %w: %v", op, path, storage.ErrInvalidPath, err)
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}

// retryable reports whether a listener error is worth a restart.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.NotFound:
		return false
	}
	return true
}

var errListenerEnded = errors.New("listener ended")

func doneOrErr(err error) error {
	if errors.Is(err, iterator.Done) {
		return errListenerEnded
	}
	return err
}

func (s *Store) track(w *watch) {
	s.mu.Lock()
	s.watches[w] = struct{}{}
	s.mu.Unlock()
}

func (s *Store) untrack(w *watch) {
	s.mu.Lock()
	delete(s.watches, w)
	s.mu.Unlock()
}

func (s *Store) restarted() { metrics.WatchReconnected("firestore") }
