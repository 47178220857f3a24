package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"

	"github.com/mistakeknot/cuerelay/internal/metrics"
	"github.com/mistakeknot/cuerelay/internal/storage"
	"github.com/mistakeknot/cuerelay/internal/ws"
)

const dialTimeout = 10 * time.Second

// stream is one websocket watch. Frames are delivered from its own
// goroutine; after a dropped connection it redials with backoff and hands
// the fresh snapshot to resync.
type stream struct {
	c    *Client
	path string
	kind string

	// deliver handles a frame. reconnected is true for the snapshot that
	// follows a redial.
	deliver func(f ws.Frame, reconnected bool)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Client) WatchDocument(ctx context.Context, path string, fn storage.DocumentHandler) (storage.Watch, error) {
	if _, _, err := storage.SplitDocumentPath(path); err != nil {
		return nil, err
	}
	return c.open(ctx, path, ws.KindDocument, func(f ws.Frame, _ bool) {
		if len(f.Changes) == 0 {
			return
		}
		fn(f.Changes[len(f.Changes)-1].Doc.Document())
	})
}

func (c *Client) WatchCollection(ctx context.Context, collection string, fn storage.CollectionHandler) (storage.Watch, error) {
	if err := storage.ValidateCollectionPath(collection); err != nil {
		return nil, err
	}
	tracker := storage.NewTracker()
	return c.open(ctx, collection, ws.KindCollection, func(f ws.Frame, reconnected bool) {
		changes := f.StorageChanges()
		if reconnected {
			docs := make([]storage.Document, 0, len(changes))
			for _, ch := range changes {
				docs = append(docs, ch.Doc)
			}
			changes = tracker.Resync(docs)
			if len(changes) == 0 {
				return
			}
		} else {
			tracker.Observe(changes)
		}
		fn(changes)
	})
}

// open dials and waits for the first frame, so the relay-side watch is
// registered by the time it returns.
func (c *Client) open(ctx context.Context, path, kind string, deliver func(ws.Frame, bool)) (storage.Watch, error) {
	sctx, cancel := context.WithCancel(ctx)
	s := &stream{c: c, path: path, kind: kind, deliver: deliver, ctx: sctx, cancel: cancel, done: make(chan struct{})}

	conn, first, err := s.dial()
	if err != nil {
		cancel()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, err
	}
	c.mu.Lock()
	c.streams[s] = struct{}{}
	c.mu.Unlock()
	go s.run(conn, first)
	return s, nil
}

func (s *stream) Stop() {
	s.cancel()
	<-s.done
}

func (s *stream) wsURL() (string, error) {
	u, err := url.Parse(s.c.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/watch"
	q := url.Values{}
	q.Set("path", s.path)
	q.Set("kind", s.kind)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *stream) dial() (*websocket.Conn, ws.Frame, error) {
	wsURL, err := s.wsURL()
	if err != nil {
		return nil, ws.Frame{}, fmt.Errorf("build websocket url: %w", err)
	}
	opts := &websocket.DialOptions{}
	if s.c.APIKey != "" {
		opts.HTTPHeader = make(map[string][]string)
		s.c.addAuth(opts.HTTPHeader)
	}
	dctx, cancel := context.WithTimeout(s.ctx, dialTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dctx, wsURL, opts)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, ws.Frame{}, backoff.Permanent(fmt.Errorf("watch %s: relay answered %d: %w", s.path, resp.StatusCode, err))
		}
		return nil, ws.Frame{}, fmt.Errorf("watch %s: %w", s.path, err)
	}
	conn.SetReadLimit(1 << 22)
	first, err := ws.ReadFrame(dctx, conn)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "no snapshot")
		return nil, ws.Frame{}, fmt.Errorf("watch %s: read snapshot: %w", s.path, err)
	}
	return conn, first, nil
}

func (s *stream) run(conn *websocket.Conn, first ws.Frame) {
	defer close(s.done)
	defer func() {
		s.c.mu.Lock()
		delete(s.c.streams, s)
		s.c.mu.Unlock()
	}()

	s.safeDeliver(first, false)
	for {
		err := s.pump(conn)
		conn.Close(websocket.StatusNormalClosure, "")
		if s.ctx.Err() != nil {
			return
		}
		s.c.log.Warnw("watch stream lost, reconnecting", "path", s.path, "error", err)

		var snap ws.Frame
		redial := func() error {
			var derr error
			conn, snap, derr = s.dial()
			return derr
		}
		notify := func(err error, wait time.Duration) {
			s.c.log.Debugw("watch redial failed", "path", s.path, "retry_in", wait, "error", err)
		}
		if err := backoff.RetryNotify(redial, backoff.WithContext(s.c.newBackOff(), s.ctx), notify); err != nil {
			if s.ctx.Err() == nil {
				s.c.log.Errorw("watch stream abandoned", "path", s.path, "error", err)
			}
			return
		}
		metrics.WatchReconnected("relay")
		s.c.log.Infow("watch stream restored", "path", s.path)
		s.safeDeliver(snap, true)
	}
}

// pump delivers frames until the connection fails or the stream stops.
func (s *stream) pump(conn *websocket.Conn) error {
	for {
		f, err := ws.ReadFrame(s.ctx, conn)
		if err != nil {
			return err
		}
		s.safeDeliver(f, false)
	}
}

func (s *stream) safeDeliver(f ws.Frame, reconnected bool) {
	defer func() {
		if r := recover(); r != nil {
			s.c.log.Errorw("watch handler panicked", "path", s.path, "panic", r)
		}
	}()
	if s.ctx.Err() != nil {
		return
	}
	s.deliver(f, reconnected)
}
