package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/cuerelay/internal/core"
)

func TestSplitDocumentPath(t *testing.T) {
	coll, id, err := SplitDocumentPath("users/u1/histories/h1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if coll != "users/u1/histories" || id != "h1" {
		t.Fatalf("got %q %q", coll, id)
	}
	if _, _, err := SplitDocumentPath("users/u1/histories"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	if err := ValidateCollectionPath("users//x"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath for empty segment, got %v", err)
	}
}

func TestMergeDataPreservesUnspecifiedFields(t *testing.T) {
	base := map[string]any{
		"linkedUserId": "u1",
		"deviceInfo":   map[string]any{"model": "old", "serial": "abc"},
	}
	out := MergeData(base, map[string]any{
		"deviceInfo": map[string]any{"model": "Jetson Nano"},
		"linkedAt":   nil,
	})
	if out["linkedUserId"] != "u1" {
		t.Fatalf("linkedUserId lost: %+v", out)
	}
	info := out["deviceInfo"].(map[string]any)
	if info["model"] != "Jetson Nano" || info["serial"] != "abc" {
		t.Fatalf("nested merge wrong: %+v", info)
	}
	if _, ok := out["linkedAt"]; !ok {
		t.Fatalf("explicit nil should be stored")
	}
	if base["deviceInfo"].(map[string]any)["model"] != "old" {
		t.Fatalf("base was mutated")
	}
}

func TestInMemoryGetMissing(t *testing.T) {
	st := NewInMemory()
	if _, err := st.Get(context.Background(), "devices/nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWatchDocumentDeliversInitialAndChanges(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()

	got := make(chan Document, 8)
	w, err := st.WatchDocument(ctx, "devices/d1", func(d Document) { got <- d })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Stop()

	first := recvDoc(t, got)
	if first.Exists {
		t.Fatalf("expected initial snapshot of a missing document")
	}

	if err := st.Set(ctx, "devices/d1", map[string]any{"linkedUserId": "u1"}, true); err != nil {
		t.Fatalf("set: %v", err)
	}
	second := recvDoc(t, got)
	if !second.Exists || second.Data["linkedUserId"] != "u1" {
		t.Fatalf("unexpected snapshot: %+v", second)
	}
}

func TestWatchCollectionReplaysExistingAsAdded(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := st.Add(ctx, "users/u1/histories", map[string]any{"n": i}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	batches := make(chan []Change, 8)
	w, err := st.WatchCollection(ctx, "users/u1/histories", func(ch []Change) { batches <- ch })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Stop()

	replay := recvBatch(t, batches)
	if len(replay) != 3 {
		t.Fatalf("expected 3 replayed docs, got %d", len(replay))
	}
	for _, ch := range replay {
		if ch.Kind != core.ChangeAdded {
			t.Fatalf("replay should be ADDED, got %s", ch.Kind)
		}
	}

	id, _ := st.Add(ctx, "users/u1/histories", map[string]any{"n": 3})
	added := recvBatch(t, batches)
	if len(added) != 1 || added[0].Kind != core.ChangeAdded || added[0].Doc.ID != id {
		t.Fatalf("unexpected batch: %+v", added)
	}

	if err := st.Delete(ctx, "users/u1/histories/"+id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	removed := recvBatch(t, batches)
	if removed[0].Kind != core.ChangeRemoved {
		t.Fatalf("expected REMOVED, got %s", removed[0].Kind)
	}

	// Documents in a sub-collection of a sibling user must not leak in.
	_, _ = st.Add(ctx, "users/u2/histories", map[string]any{"n": 9})
	select {
	case b := <-batches:
		t.Fatalf("unexpected delivery: %+v", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchStopBlocksUntilHandlerReturns(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	calls := 0
	w, err := st.WatchCollection(ctx, "users/u1/histories", func(ch []Change) {
		mu.Lock()
		calls++
		mu.Unlock()
		once.Do(func() { close(entered) })
		<-release
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	<-entered

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatalf("Stop returned while the handler was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped

	_, _ = st.Add(ctx, "users/u1/histories", map[string]any{"late": true})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("handler ran after Stop: %d calls", calls)
	}
	if n := st.ActiveWatches("users/u1/histories"); n != 0 {
		t.Fatalf("expected no active watches, got %d", n)
	}
}

func TestWatchHandlerPanicDoesNotKillWatch(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()
	got := make(chan Document, 4)
	first := true
	w, err := st.WatchDocument(ctx, "devices/d1", func(d Document) {
		if first {
			first = false
			panic("boom")
		}
		got <- d
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Stop()
	_ = st.Set(ctx, "devices/d1", map[string]any{"status": "active"}, false)
	if d := recvDoc(t, got); d.Data["status"] != "active" {
		t.Fatalf("unexpected doc %+v", d)
	}
}

func TestTrackerResync(t *testing.T) {
	tr := NewTracker()
	t0 := time.Now()
	tr.Observe([]Change{
		{Kind: core.ChangeAdded, Doc: Document{ID: "a", Path: "c/a", UpdatedAt: t0}},
		{Kind: core.ChangeAdded, Doc: Document{ID: "b", Path: "c/b", UpdatedAt: t0}},
	})
	changes := tr.Resync([]Document{
		{ID: "a", Path: "c/a", UpdatedAt: t0},
		{ID: "c", Path: "c/c", UpdatedAt: t0},
	})
	kinds := map[string]core.ChangeKind{}
	for _, ch := range changes {
		kinds[ch.Doc.ID] = ch.Kind
	}
	if len(kinds) != 2 || kinds["c"] != core.ChangeAdded || kinds["b"] != core.ChangeRemoved {
		t.Fatalf("unexpected resync: %+v", kinds)
	}
	if tr.Len() != 2 {
		t.Fatalf("expected 2 tracked docs, got %d", tr.Len())
	}
}

func recvDoc(t *testing.T, ch <-chan Document) Document {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for document")
	}
	return Document{}
}

func recvBatch(t *testing.T, ch <-chan []Change) []Change {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for changes")
	}
	return nil
}
