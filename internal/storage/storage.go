package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mistakeknot/cuerelay/internal/core"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrInvalidPath = errors.New("invalid path")
)

// Document is one stored record. Path is the full slash-separated path, ID
// its last segment.
type Document struct {
	ID        string
	Path      string
	Data      map[string]any
	Exists    bool
	UpdatedAt time.Time
}

type Change struct {
	Kind core.ChangeKind
	Doc  Document
}

// DocumentHandler receives the full document state on every change,
// starting with the state at attach time.
type DocumentHandler func(Document)

// CollectionHandler receives batches of per-document changes. The first
// batch replays every existing document as ADDED.
type CollectionHandler func([]Change)

// Watch is a live subscription. Stop cancels it and blocks until the
// delivery goroutine has exited, so no handler runs after Stop returns.
// Stop must not be called from the watch's own handler.
type Watch interface {
	Stop()
}

type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	// Set writes data at path. With merge, nested maps are merged and
	// unspecified fields are preserved.
	Set(ctx context.Context, path string, data map[string]any, merge bool) error
	// Add creates a document with a generated id inside collection.
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	Delete(ctx context.Context, path string) error
	WatchDocument(ctx context.Context, path string, fn DocumentHandler) (Watch, error)
	WatchCollection(ctx context.Context, collection string, fn CollectionHandler) (Watch, error)
	Close() error
}

// SplitDocumentPath validates a document path ("a/b", "a/b/c/d", ...) and
// returns its parent collection and id.
func SplitDocumentPath(path string) (collection, id string, err error) {
	segs, err := segments(path)
	if err != nil {
		return "", "", err
	}
	if len(segs)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is not a document path", ErrInvalidPath, path)
	}
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

// ValidateCollectionPath checks for an odd number of segments.
func ValidateCollectionPath(path string) error {
	segs, err := segments(path)
	if err != nil {
		return err
	}
	if len(segs)%2 != 1 {
		return fmt.Errorf("%w: %q is not a collection path", ErrInvalidPath, path)
	}
	return nil
}

func segments(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// MergeData returns a copy of base with patch applied. Nested maps merge
// recursively; any other value in patch replaces the stored one, including
// explicit nils.
func MergeData(base, patch map[string]any) map[string]any {
	out := CloneData(base)
	if out == nil {
		out = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if pm, ok := v.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = MergeData(bm, pm)
				continue
			}
			out[k] = CloneData(pm)
			continue
		}
		out[k] = v
	}
	return out
}

// CloneData deep-copies nested maps and slices.
func CloneData(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneData(t)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = cloneValue(t[i])
		}
		return cp
	default:
		return v
	}
}
