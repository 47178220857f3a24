package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/mistakeknot/cuerelay/internal/core"
	"github.com/mistakeknot/cuerelay/internal/metrics"
	"github.com/mistakeknot/cuerelay/internal/storage"
)

const (
	writeTimeout = 5 * time.Second
	frameBuffer  = 64
)

// Hub serves /ws/watch: each websocket session holds one store watch and
// streams its deliveries as frames.
type Hub struct {
	store storage.Store
	log   *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

func NewHub(store storage.Store, log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{store: store, log: log, sessions: make(map[string]context.CancelFunc)}
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.Trim(r.URL.Query().Get("path"), "/")
		kind, ok := resolveKind(path, r.URL.Query().Get("kind"))
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		id := h.add(cancel)
		defer h.remove(id)
		defer cancel()

		frames := make(chan Frame, frameBuffer)
		push := func(f Frame) {
			select {
			case frames <- f:
			case <-ctx.Done():
			}
		}

		var watch storage.Watch
		if kind == KindDocument {
			watch, err = h.store.WatchDocument(ctx, path, func(doc storage.Document) {
				push(Frame{Type: FrameSnapshot, Changes: []WireChange{{Kind: core.ChangeModified, Doc: FromDocument(doc)}}})
			})
		} else {
			first := true
			watch, err = h.store.WatchCollection(ctx, path, func(changes []storage.Change) {
				typ := FrameChanges
				if first {
					typ, first = FrameSnapshot, false
				}
				push(Frame{Type: typ, Changes: FromChanges(changes)})
			})
		}
		if err != nil {
			h.log.Warnw("open watch failed", "session", id, "path", path, "error", err)
			conn.Close(websocket.StatusInternalError, "watch failed")
			return
		}
		defer func() {
			// cancel first: a handler blocked on a full buffer must see it
			cancel()
			watch.Stop()
		}()

		h.log.Debugw("watch session opened", "session", id, "path", path, "kind", kind)
		go func() {
			// Client messages carry nothing; reading surfaces the close.
			defer cancel()
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusGoingAway, "session closed")
				h.log.Debugw("watch session closed", "session", id)
				return
			case f := <-frames:
				wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
				err := WriteFrame(wctx, conn, f)
				wcancel()
				if err != nil {
					h.log.Debugw("watch session write failed", "session", id, "error", err)
					conn.Close(websocket.StatusGoingAway, "write error")
					return
				}
			}
		}
	}
}

// Sessions counts open watch sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close ends every session. http.Server.Shutdown does not wait for
// hijacked connections, so the relay calls this first.
func (h *Hub) Close() {
	h.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(h.sessions))
	for _, c := range h.sessions {
		cancels = append(cancels, c)
	}
	h.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (h *Hub) add(cancel context.CancelFunc) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.sessions[id] = cancel
	h.mu.Unlock()
	metrics.RelaySessionOpened()
	return id
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
	metrics.RelaySessionClosed()
}

// resolveKind checks path against the requested kind, inferring the kind
// from the segment count when none is given.
func resolveKind(path, kind string) (string, bool) {
	switch kind {
	case KindDocument:
		_, _, err := storage.SplitDocumentPath(path)
		return kind, err == nil
	case KindCollection:
		return kind, storage.ValidateCollectionPath(path) == nil
	case "":
		if _, _, err := storage.SplitDocumentPath(path); err == nil {
			return KindDocument, true
		}
		if storage.ValidateCollectionPath(path) == nil {
			return KindCollection, true
		}
	}
	return "", false
}
