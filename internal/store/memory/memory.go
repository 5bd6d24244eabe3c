// Package memory is an in-process store.Store used by tests and single-host runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mossy-p/webrtc-rooms/internal/store"
)

type Store struct {
	mu      sync.Mutex
	docs    map[string]json.RawMessage
	cols    map[string][]string
	docSubs map[string]map[*subscriber]store.DocHandler
	colSubs map[string]map[*subscriber]store.ChangesHandler
	newID   func() string
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

// WithIDs makes Create take document ids from next instead of random UUIDs.
func WithIDs(next func() string) Option {
	return func(s *Store) { s.newID = next }
}

func New(opts ...Option) *Store {
	s := &Store{
		docs:    make(map[string]json.RawMessage),
		cols:    make(map[string][]string),
		docSubs: make(map[string]map[*subscriber]store.DocHandler),
		colSubs: make(map[string]map[*subscriber]store.ChangesHandler),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(_ context.Context, collection string, data any) (string, error) {
	if err := store.CheckCollection(collection); err != nil {
		return "", err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID()
	doc := store.Document{ID: id, Path: collection + "/" + id, Data: raw}
	s.docs[doc.Path] = raw
	s.cols[collection] = append(s.cols[collection], id)
	s.notifyLocked(collection, store.ChangeAdded, doc)
	return id, nil
}

func (s *Store) Get(_ context.Context, path string) (store.Document, error) {
	_, id, err := store.SplitDoc(path)
	if err != nil {
		return store.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.docs[path]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return store.Document{ID: id, Path: path, Data: raw}, nil
}

func (s *Store) Update(_ context.Context, path string, fields map[string]any, conds ...store.Precondition) error {
	collection, id, err := store.SplitDoc(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.docs[path]
	if !ok {
		return store.ErrNotFound
	}
	merged, err := store.Merge(current, fields, conds...)
	if err != nil {
		return err
	}
	s.docs[path] = merged
	s.notifyLocked(collection, store.ChangeModified, store.Document{ID: id, Path: path, Data: merged})
	return nil
}

// Delete removes a single document. Sub-collections are left alone.
func (s *Store) Delete(_ context.Context, path string) error {
	collection, id, err := store.SplitDoc(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[path]; !ok {
		return nil
	}
	delete(s.docs, path)
	ids := s.cols[collection]
	for i, existing := range ids {
		if existing == id {
			s.cols[collection] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	s.notifyLocked(collection, store.ChangeRemoved, store.Document{ID: id, Path: path})
	return nil
}

func (s *Store) List(_ context.Context, collection string) ([]store.Document, error) {
	if err := store.CheckCollection(collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(collection), nil
}

func (s *Store) Subscribe(_ context.Context, path string, fn store.DocHandler) (store.Unsubscribe, error) {
	_, id, err := store.SplitDoc(path)
	if err != nil {
		return nil, err
	}
	sub := newSubscriber()

	s.mu.Lock()
	if s.docSubs[path] == nil {
		s.docSubs[path] = make(map[*subscriber]store.DocHandler)
	}
	s.docSubs[path][sub] = fn
	raw, exists := s.docs[path]
	snapshot := store.Document{ID: id, Path: path, Data: raw}
	sub.push(func() { fn(snapshot, exists) })
	s.mu.Unlock()

	return s.unsubscribe(sub, func() { delete(s.docSubs[path], sub) }), nil
}

func (s *Store) SubscribeCollection(_ context.Context, collection string, fn store.ChangesHandler) (store.Unsubscribe, error) {
	if err := store.CheckCollection(collection); err != nil {
		return nil, err
	}
	sub := newSubscriber()

	s.mu.Lock()
	if s.colSubs[collection] == nil {
		s.colSubs[collection] = make(map[*subscriber]store.ChangesHandler)
	}
	s.colSubs[collection][sub] = fn
	existing := s.listLocked(collection)
	if len(existing) > 0 {
		changes := make([]store.Change, 0, len(existing))
		for _, doc := range existing {
			changes = append(changes, store.Change{Type: store.ChangeAdded, Doc: doc})
		}
		sub.push(func() { fn(changes) })
	}
	s.mu.Unlock()

	return s.unsubscribe(sub, func() { delete(s.colSubs[collection], sub) }), nil
}

// Replay re-delivers a change to every subscriber of a collection, as a
// store with at-least-once delivery may do.
func (s *Store) Replay(collection string, changes ...store.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub, fn := range s.colSubs[collection] {
		fn := fn
		batch := append([]store.Change(nil), changes...)
		sub.push(func() { fn(batch) })
	}
}

// Subscribers reports how many live subscriptions watch the given path.
func (s *Store) Subscribers(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docSubs[path]) + len(s.colSubs[path])
}

func (s *Store) unsubscribe(sub *subscriber, detach func()) store.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			detach()
			s.mu.Unlock()
			sub.stop()
		})
	}
}

func (s *Store) listLocked(collection string) []store.Document {
	ids := s.cols[collection]
	out := make([]store.Document, 0, len(ids))
	for _, id := range ids {
		path := collection + "/" + id
		out = append(out, store.Document{ID: id, Path: path, Data: s.docs[path]})
	}
	return out
}

func (s *Store) notifyLocked(collection string, kind store.ChangeType, doc store.Document) {
	for sub, fn := range s.colSubs[collection] {
		fn := fn
		change := []store.Change{{Type: kind, Doc: doc}}
		sub.push(func() { fn(change) })
	}
	exists := kind != store.ChangeRemoved
	for sub, fn := range s.docSubs[doc.Path] {
		fn := fn
		sub.push(func() { fn(doc, exists) })
	}
}
