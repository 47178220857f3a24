package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mistakeknot/cuerelay/internal/core"
)

// Compile-time interface check.
var _ Store = (*InMemory)(nil)

// InMemory is a process-local store with the same watch semantics as the
// persistent backends. Used by tests and single-box development.
type InMemory struct {
	mu   sync.Mutex
	docs map[string]Document
	feed *Feed
	now  func() time.Time
}

func NewInMemory() *InMemory {
	return NewInMemoryWithLogger(nil)
}

func NewInMemoryWithLogger(log *zap.SugaredLogger) *InMemory {
	return &InMemory{
		docs: make(map[string]Document),
		feed: NewFeed(log),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *InMemory) Get(ctx context.Context, path string) (Document, error) {
	if _, _, err := SplitDocumentPath(path); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return Document{}, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return copyDoc(doc), nil
}

func (m *InMemory) Set(ctx context.Context, path string, data map[string]any, merge bool) error {
	_, id, err := SplitDocumentPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.docs[path]
	next := Document{ID: id, Path: path, Exists: true, UpdatedAt: m.now()}
	if merge && existed {
		next.Data = MergeData(prev.Data, data)
	} else {
		next.Data = CloneData(data)
		if next.Data == nil {
			next.Data = map[string]any{}
		}
	}
	m.docs[path] = next
	kind := core.ChangeModified
	if !existed {
		kind = core.ChangeAdded
	}
	m.feed.Publish(Change{Kind: kind, Doc: copyDoc(next)})
	return nil
}

func (m *InMemory) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := ValidateCollectionPath(collection); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := m.Set(ctx, collection+"/"+id, data, false); err != nil {
		return "", err
	}
	return id, nil
}

func (m *InMemory) Delete(ctx context.Context, path string) error {
	_, id, err := SplitDocumentPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[path]; !ok {
		return nil
	}
	delete(m.docs, path)
	m.feed.Publish(Change{Kind: core.ChangeRemoved, Doc: Document{ID: id, Path: path, UpdatedAt: m.now()}})
	return nil
}

func (m *InMemory) WatchDocument(ctx context.Context, path string, fn DocumentHandler) (Watch, error) {
	_, id, err := SplitDocumentPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	initial, ok := m.docs[path]
	if !ok {
		initial = Document{ID: id, Path: path}
	}
	return m.feed.SubscribeDocument(ctx, path, copyDoc(initial), fn), nil
}

func (m *InMemory) WatchCollection(ctx context.Context, collection string, fn CollectionHandler) (Watch, error) {
	if err := ValidateCollectionPath(collection); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feed.SubscribeCollection(ctx, collection, m.listLocked(collection), fn), nil
}

// List returns the documents directly inside collection, oldest first.
func (m *InMemory) List(collection string) []Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(collection)
}

// ActiveWatches reports live watches on a document or collection path.
func (m *InMemory) ActiveWatches(path string) int {
	return m.feed.Active(path)
}

func (m *InMemory) Close() error { return nil }

func (m *InMemory) listLocked(collection string) []Document {
	prefix := collection + "/"
	var out []Document
	for path, doc := range m.docs {
		if !strings.HasPrefix(path, prefix) || strings.Contains(path[len(prefix):], "/") {
			continue
		}
		out = append(out, copyDoc(doc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

func copyDoc(d Document) Document {
	d.Data = CloneData(d.Data)
	return d
}
