package storage

import (
	"sync"
	"time"

	"github.com/mistakeknot/cuerelay/internal/core"
)

// Tracker remembers which documents a collection watch has reported. When a
// watch stream is re-established after a transport fault, the backend
// replays the whole collection; Resync reduces that replay to the changes
// that actually happened while disconnected.
type Tracker struct {
	mu   sync.Mutex
	seen map[string]seenDoc
}

type seenDoc struct {
	path    string
	updated time.Time
}

func NewTracker() *Tracker {
	return &Tracker{seen: make(map[string]seenDoc)}
}

// Observe records a batch that is about to be delivered.
func (t *Tracker) Observe(changes []Change) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range changes {
		if ch.Kind == core.ChangeRemoved {
			delete(t.seen, ch.Doc.ID)
			continue
		}
		t.seen[ch.Doc.ID] = seenDoc{path: ch.Doc.Path, updated: ch.Doc.UpdatedAt}
	}
}

// Resync diffs a full replay against what was seen: unknown documents are
// ADDED, documents with a newer update time are MODIFIED, and seen documents
// absent from the replay are REMOVED.
func (t *Tracker) Resync(docs []Document) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Change
	present := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		present[doc.ID] = struct{}{}
		prev, ok := t.seen[doc.ID]
		switch {
		case !ok:
			out = append(out, Change{Kind: core.ChangeAdded, Doc: doc})
		case !doc.UpdatedAt.IsZero() && doc.UpdatedAt.After(prev.updated):
			out = append(out, Change{Kind: core.ChangeModified, Doc: doc})
		}
		t.seen[doc.ID] = seenDoc{path: doc.Path, updated: doc.UpdatedAt}
	}
	for id, prev := range t.seen {
		if _, ok := present[id]; ok {
			continue
		}
		delete(t.seen, id)
		out = append(out, Change{Kind: core.ChangeRemoved, Doc: Document{ID: id, Path: prev.path}})
	}
	return out
}

// Len reports how many documents are currently known.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
