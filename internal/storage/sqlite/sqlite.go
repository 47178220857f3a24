package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mistakeknot/cuerelay/internal/core"
	"github.com/mistakeknot/cuerelay/internal/storage"
)

//go:embed schema.sql
var schema string

// Fixed-width UTC layout so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var _ storage.Store = (*Store)(nil)

// Store keeps documents in one SQLite table and publishes every committed
// change to its watch feed. Writes and watch snapshots serialize on mu so
// a watch never misses a change between its snapshot and its subscription.
type Store struct {
	db   dbHandle
	mu   sync.Mutex
	feed *storage.Feed
	now  func() time.Time
	log  *zap.SugaredLogger
}

type Option func(*Store)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Store) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite is single-writer; one connection also keeps PRAGMAs in effect.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db, opts), nil
}

func NewInMemory(opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db, opts), nil
}

func newStore(db *sql.DB, opts []Option) *Store {
	s := &Store{now: time.Now, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}
	s.db = newQueryLogger(db, s.log)
	s.feed = storage.NewFeed(s.log)
	return s
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (storage.Document, error) {
	if _, _, err := storage.SplitDocumentPath(path); err != nil {
		return storage.Document{}, err
	}
	doc, err := s.get(ctx, path)
	if err != nil {
		return storage.Document{}, err
	}
	if !doc.Exists {
		return storage.Document{}, fmt.Errorf("%s: %w", path, storage.ErrNotFound)
	}
	return doc, nil
}

func (s *Store) get(ctx context.Context, path string) (storage.Document, error) {
	_, id, _ := storage.SplitDocumentPath(path)
	var raw, updated string
	err := s.db.QueryRowContext(ctx, `SELECT data, updated_at FROM documents WHERE path = ?`, path).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Document{ID: id, Path: path}, nil
	}
	if err != nil {
		return storage.Document{}, fmt.Errorf("query document: %w", err)
	}
	data, err := decodeData(raw)
	if err != nil {
		return storage.Document{}, fmt.Errorf("%s: %w", path, err)
	}
	return storage.Document{ID: id, Path: path, Data: data, Exists: true, UpdatedAt: parseTime(updated)}, nil
}

func (s *Store) Set(ctx context.Context, path string, data map[string]any, merge bool) error {
	parent, id, err := storage.SplitDocumentPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var raw string
	existed := true
	err = tx.QueryRowContext(ctx, `SELECT data FROM documents WHERE path = ?`, path).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existed = false
	case err != nil:
		return fmt.Errorf("read document: %w", err)
	}

	next := storage.CloneData(data)
	if merge && existed {
		prev, err := decodeData(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		next = storage.MergeData(prev, data)
	}
	if next == nil {
		next = map[string]any{}
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	now := s.now().UTC()
	stamp := now.Format(timeLayout)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (path, parent, id, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		path, parent, id, string(encoded), stamp, stamp,
	); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	// Round-trip through the codec so watchers see what Get would return.
	stored, _ := decodeData(string(encoded))
	kind := core.ChangeModified
	if !existed {
		kind = core.ChangeAdded
	}
	s.feed.Publish(storage.Change{Kind: kind, Doc: storage.Document{
		ID: id, Path: path, Data: stored, Exists: true, UpdatedAt: parseTime(stamp),
	}})
	return nil
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := storage.ValidateCollectionPath(collection); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := s.Set(ctx, collection+"/"+id, data, false); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if _, _, err := storage.SplitDocumentPath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(ctx, path)
}

func (s *Store) deleteLocked(ctx context.Context, path string) error {
	_, id, _ := storage.SplitDocumentPath(path)
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	s.feed.Publish(storage.Change{Kind: core.ChangeRemoved, Doc: storage.Document{
		ID: id, Path: path, UpdatedAt: s.now().UTC(),
	}})
	return nil
}

func (s *Store) WatchDocument(ctx context.Context, path string, fn storage.DocumentHandler) (storage.Watch, error) {
	if _, _, err := storage.SplitDocumentPath(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.get(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.feed.SubscribeDocument(ctx, path, doc, fn), nil
}

func (s *Store) WatchCollection(ctx context.Context, collection string, fn storage.CollectionHandler) (storage.Watch, error) {
	if err := storage.ValidateCollectionPath(collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, err := s.list(ctx, collection)
	if err != nil {
		return nil, err
	}
	return s.feed.SubscribeCollection(ctx, collection, docs, fn), nil
}

// List returns the documents directly inside collection, oldest first.
func (s *Store) List(ctx context.Context, collection string) ([]storage.Document, error) {
	if err := storage.ValidateCollectionPath(collection); err != nil {
		return nil, err
	}
	return s.list(ctx, collection)
}

func (s *Store) list(ctx context.Context, collection string) ([]storage.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, id, data, updated_at FROM documents WHERE parent = ? ORDER BY created_at ASC, id ASC`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	defer rows.Close()

	var out []storage.Document
	for rows.Next() {
		var path, id, raw, updated string
		if err := rows.Scan(&path, &id, &raw, &updated); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		data, err := decodeData(raw)
		if err != nil {
			s.log.Warnw("skipping undecodable document", "path", path, "error", err)
			continue
		}
		out = append(out, storage.Document{ID: id, Path: path, Data: data, Exists: true, UpdatedAt: parseTime(updated)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// PruneHistory deletes history documents created before the cutoff and
// publishes each deletion. It returns how many were removed.
func (s *Store) PruneHistory(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM documents WHERE parent LIKE ? AND created_at < ?`,
		"%/"+core.CollectionHistories, before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("query expired history: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired history: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("rows: %w", err)
	}
	rows.Close()

	removed := 0
	for _, p := range paths {
		if !strings.HasSuffix(parentOf(p), "/"+core.CollectionHistories) {
			continue
		}
		if err := s.deleteLocked(ctx, p); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ActiveWatches reports live watches on a document or collection path.
func (s *Store) ActiveWatches(path string) int {
	return s.feed.Active(path)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func decodeData(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parentOf(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}
