package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/cenkalti/backoff/v4"

	"github.com/mistakeknot/cuerelay/internal/storage"
)

// watch runs one snapshot listener. When the listener breaks it is
// restarted on the store's backoff schedule.
type watch struct {
	s      *Store
	path   string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *watch) Stop() {
	w.cancel()
	<-w.done
}

// listener is a started Firestore snapshot iterator. next blocks for the
// following snapshot and returns its delivery, which may be nil.
type listener interface {
	next() (func(), error)
	stop()
}

type docListener struct {
	it   *firestore.DocumentSnapshotIterator
	path string
	fn   storage.DocumentHandler
}

func (l *docListener) next() (func(), error) {
	snap, err := l.it.Next()
	if err != nil {
		return nil, doneOrErr(err)
	}
	doc := fromSnapshot(l.path, snap)
	return func() { l.fn(doc) }, nil
}

func (l *docListener) stop() { l.it.Stop() }

type queryListener struct {
	it         *firestore.QuerySnapshotIterator
	collection string
	tracker    *storage.Tracker
	fn         storage.CollectionHandler
	// resync is set on a restarted listener until its first snapshot.
	resync bool
}

func (l *queryListener) next() (func(), error) {
	qs, err := l.it.Next()
	if err != nil {
		return nil, doneOrErr(err)
	}
	changes := make([]storage.Change, 0, len(qs.Changes))
	for _, ch := range qs.Changes {
		changes = append(changes, storage.Change{
			Kind: changeKind(ch.Kind),
			Doc:  fromSnapshot(l.collection+"/"+ch.Doc.Ref.ID, ch.Doc),
		})
	}
	if l.resync {
		l.resync = false
		docs := make([]storage.Document, 0, len(changes))
		for _, ch := range changes {
			docs = append(docs, ch.Doc)
		}
		changes = l.tracker.Resync(docs)
		if len(changes) == 0 {
			return nil, nil
		}
	} else {
		l.tracker.Observe(changes)
	}
	return func() { l.fn(changes) }, nil
}

func (l *queryListener) stop() { l.it.Stop() }

func (s *Store) WatchDocument(ctx context.Context, path string, fn storage.DocumentHandler) (storage.Watch, error) {
	if _, _, err := storage.SplitDocumentPath(path); err != nil {
		return nil, err
	}
	ref := s.client.Doc(path)
	return s.start(ctx, path, func(wctx context.Context, _ bool) listener {
		return &docListener{it: ref.Snapshots(wctx), path: path, fn: fn}
	})
}

func (s *Store) WatchCollection(ctx context.Context, collection string, fn storage.CollectionHandler) (storage.Watch, error) {
	if err := storage.ValidateCollectionPath(collection); err != nil {
		return nil, err
	}
	ref := s.client.Collection(collection)
	tracker := storage.NewTracker()
	return s.start(ctx, collection, func(wctx context.Context, restart bool) listener {
		return &queryListener{
			it:         ref.Snapshots(wctx),
			collection: collection,
			tracker:    tracker,
			fn:         fn,
			resync:     restart,
		}
	})
}

// start opens the listener and waits for its first snapshot, so errors
// such as a denied read surface to the caller.
func (s *Store) start(ctx context.Context, path string, open func(context.Context, bool) listener) (storage.Watch, error) {
	wctx, cancel := context.WithCancel(ctx)
	w := &watch{s: s, path: path, ctx: wctx, cancel: cancel, done: make(chan struct{})}

	l := open(wctx, false)
	first, err := l.next()
	if err != nil {
		l.stop()
		cancel()
		return nil, mapErr("watch", path, err)
	}
	s.track(w)
	go w.run(l, first, open)
	return w, nil
}

func (w *watch) run(l listener, first func(), open func(context.Context, bool) listener) {
	defer close(w.done)
	defer w.s.untrack(w)

	w.deliver(first)
	b := backoff.WithContext(w.s.newBackOff(), w.ctx)
	for {
		err := w.pump(l, b)
		l.stop()
		if w.ctx.Err() != nil {
			return
		}
		if !retryable(err) {
			w.s.log.Errorw("firestore listener failed", "path", w.path, "error", err)
			return
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			w.s.log.Errorw("firestore listener abandoned", "path", w.path, "error", err)
			return
		}
		w.s.log.Warnw("firestore listener lost, restarting", "path", w.path, "retry_in", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-w.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		l = open(w.ctx, true)
		w.s.restarted()
	}
}

// pump delivers snapshots until the listener errors. A healthy snapshot
// resets the restart schedule.
func (w *watch) pump(l listener, b backoff.BackOff) error {
	for {
		d, err := l.next()
		if err != nil {
			return err
		}
		b.Reset()
		w.deliver(d)
	}
}

func (w *watch) deliver(d func()) {
	if d == nil || w.ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.s.log.Errorw("watch handler panicked", "path", w.path, "panic", r)
		}
	}()
	d()
}
