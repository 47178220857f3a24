package embedded_test

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/cuerelay/client"
	"github.com/mistakeknot/cuerelay/internal/storage"
	"github.com/mistakeknot/cuerelay/pkg/embedded"
)

func start(t *testing.T, cfg embedded.Config) *embedded.Server {
	t.Helper()
	srv, err := embedded.New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return srv
}

func TestServerServesDocumentsAndWatches(t *testing.T) {
	srv := start(t, embedded.Config{DBPath: embedded.MemoryDB, Port: embedded.AnyPort})
	defer srv.Stop()

	resp, err := http.Get(srv.URL() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	c := client.New(srv.URL())
	defer c.Close()
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []storage.Document
	)
	w, err := c.WatchDocument(ctx, "devices/d1", func(doc storage.Document) {
		mu.Lock()
		seen = append(seen, doc)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if n := srv.Sessions(); n != 1 {
		t.Fatalf("expected 1 session, got %d", n)
	}

	if err := c.Set(ctx, "devices/d1", map[string]any{"status": "inactive"}, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	doc, err := srv.Store().Get(ctx, "devices/d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Data["status"] != "inactive" {
		t.Fatalf("unexpected data %v", doc.Data)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		last := storage.Document{}
		if n > 0 {
			last = seen[n-1]
		}
		mu.Unlock()
		if n >= 2 && last.Exists {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watch saw %d snapshots", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	w.Stop()
	deadline = time.Now().Add(3 * time.Second)
	for srv.Sessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session still open after stop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerStopEndsWait(t *testing.T) {
	srv := start(t, embedded.Config{DBPath: embedded.MemoryDB, Port: embedded.AnyPort})

	waitErr := make(chan error, 1)
	go func() { waitErr <- srv.Wait(context.Background()) }()
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-waitErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Fatalf("unexpected wait error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return after stop")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := srv.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("wait after stop: %v", err)
	}
}

func TestServerPersistsAcrossRestart(t *testing.T) {
	db := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	srv := start(t, embedded.Config{DBPath: db, Port: embedded.AnyPort})
	c := client.New(srv.URL())
	id, err := c.Add(ctx, "users/u1/histories", map[string]any{"behavior": "phone", "priority": 2})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	c.Close()
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	srv = start(t, embedded.Config{DBPath: db, Port: embedded.AnyPort})
	defer srv.Stop()
	docs, err := srv.Store().List(ctx, "users/u1/histories")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != id {
		t.Fatalf("expected history %s to survive restart, got %+v", id, docs)
	}
}
