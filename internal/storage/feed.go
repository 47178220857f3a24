package storage

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mistakeknot/cuerelay/internal/core"
)

// Feed fans committed changes out to watches. Backends call Publish while
// holding the same lock they hold when taking a watch's initial snapshot, so
// a watch never misses or double-sees a change.
type Feed struct {
	mu    sync.Mutex
	docs  map[string]map[*subscription]struct{}
	colls map[string]map[*subscription]struct{}
	log   *zap.SugaredLogger
}

func NewFeed(log *zap.SugaredLogger) *Feed {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Feed{
		docs:  make(map[string]map[*subscription]struct{}),
		colls: make(map[string]map[*subscription]struct{}),
		log:   log,
	}
}

// SubscribeDocument registers fn and queues initial as its first delivery.
func (f *Feed) SubscribeDocument(ctx context.Context, path string, initial Document, fn DocumentHandler) Watch {
	sub := f.newSubscription(ctx, path, false, func(batch []Change) {
		if len(batch) == 0 {
			return
		}
		fn(batch[len(batch)-1].Doc)
	})
	sub.enqueue([]Change{{Kind: core.ChangeModified, Doc: initial}})
	f.add(f.docs, path, sub)
	go sub.run()
	return sub
}

// SubscribeCollection registers fn and queues every initial document as an
// ADDED record in one batch.
func (f *Feed) SubscribeCollection(ctx context.Context, collection string, initial []Document, fn CollectionHandler) Watch {
	sub := f.newSubscription(ctx, collection, true, func(batch []Change) { fn(batch) })
	replay := make([]Change, 0, len(initial))
	for _, doc := range initial {
		replay = append(replay, Change{Kind: core.ChangeAdded, Doc: doc})
	}
	sub.enqueue(replay)
	f.add(f.colls, collection, sub)
	go sub.run()
	return sub
}

// Publish routes a change to watches on the document and on its parent
// collection.
func (f *Feed) Publish(ch Change) {
	collection, _, err := SplitDocumentPath(ch.Doc.Path)
	if err != nil {
		f.log.Warnw("publish on invalid path", "path", ch.Doc.Path, "error", err)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.docs[ch.Doc.Path] {
		sub.enqueue([]Change{ch})
	}
	for sub := range f.colls[collection] {
		sub.enqueue([]Change{ch})
	}
}

// Active counts live subscriptions on a document or collection path.
func (f *Feed) Active(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs[path]) + len(f.colls[path])
}

func (f *Feed) add(index map[string]map[*subscription]struct{}, path string, sub *subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := index[path]
	if !ok {
		set = make(map[*subscription]struct{})
		index[path] = set
	}
	set[sub] = struct{}{}
}

func (f *Feed) remove(sub *subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := f.docs
	if sub.collection {
		index = f.colls
	}
	set := index[sub.path]
	delete(set, sub)
	if len(set) == 0 {
		delete(index, sub.path)
	}
}

func (f *Feed) newSubscription(ctx context.Context, path string, collection bool, deliver func([]Change)) *subscription {
	ctx, cancel := context.WithCancel(ctx)
	return &subscription{
		feed:       f,
		path:       path,
		collection: collection,
		deliver:    deliver,
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

type subscription struct {
	feed       *Feed
	path       string
	collection bool
	deliver    func([]Change)

	mu      sync.Mutex
	pending [][]Change

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
}

func (s *subscription) enqueue(batch []Change) {
	s.mu.Lock()
	s.pending = append(s.pending, batch)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) take() ([]Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	batch := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return batch, true
}

func (s *subscription) run() {
	defer close(s.done)
	defer s.feed.remove(s)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		for {
			if s.ctx.Err() != nil {
				return
			}
			batch, ok := s.take()
			if !ok {
				break
			}
			s.safeDeliver(batch)
		}
	}
}

func (s *subscription) safeDeliver(batch []Change) {
	defer func() {
		if r := recover(); r != nil {
			s.feed.log.Errorw("watch handler panicked", "path", s.path, "panic", r)
		}
	}()
	s.deliver(batch)
}

func (s *subscription) Stop() {
	s.cancel()
	<-s.done
}
