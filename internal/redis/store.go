// Package redis is the Redis-backed document store.
//
// Each document is a JSON string under "doc:<path>". Each collection keeps a
// sorted set "col:<collection>" of member ids scored by insertion time.
// Changes are published on "feed:<collection>" and "feed:<path>" inside the
// same MULTI as the write, so subscribers never see a change before it is
// readable.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-rooms/internal/store"
)

const updateRetries = 5

type Store struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// event is the payload published on feed channels.
type event struct {
	Type store.ChangeType `json:"type"`
	ID   string           `json:"id"`
	Path string           `json:"path"`
	Data json.RawMessage  `json:"data,omitempty"`
}

// New wraps a connected client. A zero ttl keeps documents forever.
func New(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		client: client,
		ttl:    ttl,
		log:    logger.With().Str("module", "store.redis").Logger(),
	}
}

func docKey(path string) string  { return "doc:" + path }
func colKey(path string) string  { return "col:" + path }
func feedKey(path string) string { return "feed:" + path }

func (s *Store) Create(ctx context.Context, collection string, data any) (string, error) {
	if err := store.CheckCollection(collection); err != nil {
		return "", err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}

	id := uuid.NewString()
	path := collection + "/" + id
	ev, err := json.Marshal(event{Type: store.ChangeAdded, ID: id, Path: path, Data: raw})
	if err != nil {
		return "", err
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, docKey(path), raw, s.ttl)
		p.ZAdd(ctx, colKey(collection), redis.Z{Score: float64(time.Now().UnixNano()), Member: id})
		if s.ttl > 0 {
			p.Expire(ctx, colKey(collection), s.ttl)
		}
		p.Publish(ctx, feedKey(collection), ev)
		p.Publish(ctx, feedKey(path), ev)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	s.log.Debug().Str("path", path).Msg("document created")
	return id, nil
}

func (s *Store) Get(ctx context.Context, path string) (store.Document, error) {
	_, id, err := store.SplitDoc(path)
	if err != nil {
		return store.Document{}, err
	}
	raw, err := s.client.Get(ctx, docKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Document{}, store.ErrNotFound
	}
	if err != nil {
		return store.Document{}, fmt.Errorf("get %s: %w", path, err)
	}
	return store.Document{ID: id, Path: path, Data: raw}, nil
}

// Update merges fields into the document under WATCH, retrying when another
// writer got there first.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any, conds ...store.Precondition) error {
	collection, id, err := store.SplitDoc(path)
	if err != nil {
		return err
	}
	key := docKey(path)

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		merged, err := store.Merge(current, fields, conds...)
		if err != nil {
			return err
		}
		ev, err := json.Marshal(event{Type: store.ChangeModified, ID: id, Path: path, Data: merged})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SetArgs(ctx, key, merged, redis.SetArgs{KeepTTL: true})
			p.Publish(ctx, feedKey(collection), ev)
			p.Publish(ctx, feedKey(path), ev)
			return nil
		})
		return err
	}

	for i := 0; i < updateRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		s.log.Debug().Str("path", path).Int("attempt", i+1).Msg("update raced, retrying")
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrPrecondition) {
			return err
		}
		return fmt.Errorf("update %s: %w", path, err)
	}
	return nil
}

// Delete removes a single document. Sub-collections are left alone.
func (s *Store) Delete(ctx context.Context, path string) error {
	collection, id, err := store.SplitDoc(path)
	if err != nil {
		return err
	}
	ev, err := json.Marshal(event{Type: store.ChangeRemoved, ID: id, Path: path})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, docKey(path))
		p.ZRem(ctx, colKey(collection), id)
		p.Publish(ctx, feedKey(collection), ev)
		p.Publish(ctx, feedKey(path), ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, collection string) ([]store.Document, error) {
	if err := store.CheckCollection(collection); err != nil {
		return nil, err
	}
	ids, err := s.client.ZRange(ctx, colKey(collection), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(collection + "/" + id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}

	docs := make([]store.Document, 0, len(ids))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Expired or deleted between ZRANGE and MGET.
			continue
		}
		docs = append(docs, store.Document{ID: ids[i], Path: collection + "/" + ids[i], Data: json.RawMessage(str)})
	}
	return docs, nil
}

func (s *Store) Subscribe(ctx context.Context, path string, fn store.DocHandler) (store.Unsubscribe, error) {
	_, id, err := store.SplitDoc(path)
	if err != nil {
		return nil, err
	}
	snapshot := func(ctx context.Context) {
		doc, err := s.Get(ctx, path)
		switch {
		case err == nil:
			fn(doc, true)
		case errors.Is(err, store.ErrNotFound):
			fn(store.Document{ID: id, Path: path}, false)
		default:
			s.log.Error().Err(err).Str("path", path).Msg("subscription snapshot failed")
		}
	}
	deliver := func(ev event) {
		fn(store.Document{ID: ev.ID, Path: ev.Path, Data: ev.Data}, ev.Type != store.ChangeRemoved)
	}
	return s.listen(ctx, path, snapshot, deliver)
}

func (s *Store) SubscribeCollection(ctx context.Context, collection string, fn store.ChangesHandler) (store.Unsubscribe, error) {
	if err := store.CheckCollection(collection); err != nil {
		return nil, err
	}
	snapshot := func(ctx context.Context) {
		docs, err := s.List(ctx, collection)
		if err != nil {
			s.log.Error().Err(err).Str("collection", collection).Msg("subscription snapshot failed")
			return
		}
		if len(docs) == 0 {
			return
		}
		changes := make([]store.Change, 0, len(docs))
		for _, doc := range docs {
			changes = append(changes, store.Change{Type: store.ChangeAdded, Doc: doc})
		}
		fn(changes)
	}
	deliver := func(ev event) {
		fn([]store.Change{{Type: ev.Type, Doc: store.Document{ID: ev.ID, Path: ev.Path, Data: ev.Data}}})
	}
	return s.listen(ctx, collection, snapshot, deliver)
}

// listen subscribes to a feed channel, then delivers the snapshot followed by
// live events on one goroutine. A change landing between SUBSCRIBE and the
// snapshot read may be seen twice.
func (s *Store) listen(ctx context.Context, path string, snapshot func(context.Context), deliver func(event)) (store.Unsubscribe, error) {
	pubsub := s.client.Subscribe(ctx, feedKey(path))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	// The subscription outlives the call that created it.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch := pubsub.Channel()

	go func() {
		snapshot(subCtx)
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed feed event")
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				deliver(ev)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := pubsub.Close(); err != nil {
				s.log.Debug().Err(err).Str("path", path).Msg("close subscription")
			}
		})
	}, nil
}
