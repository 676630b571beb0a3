// Package redisstore keeps the auction document in Redis so several server
// processes can share it.
//
// The whole tree lives under one key. Each primitive is applied in a
// WATCH/MULTI optimistic transaction and followed, inside the same
// transaction, by a PUBLISH of the changed path. Every process listens on
// that channel and fans the change out to its local subscribers.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/callfold/internal/store"
)

const (
	DefaultKey     = "callfold:doc"
	DefaultChannel = "callfold:doc:changes"

	maxTxRetries = 16
)

var ErrConflict = errors.New("redisstore: too many concurrent writers")

type Store struct {
	rdb     *redis.Client
	key     string
	channel string
	fan     *store.Fanout
	pubsub  *redis.PubSub

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Store)

// WithKey stores the document under a different key and channel, so tests
// and staging rooms can share one Redis.
func WithKey(key string) Option {
	return func(s *Store) {
		s.key = key
		s.channel = key + ":changes"
	}
}

// Open dials Redis, checks the connection and starts the change listener.
func Open(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty redis addr")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	s, err := New(ctx, rdb, opts...)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing client. The caller keeps ownership of rdb only if
// it does not call Close.
func New(ctx context.Context, rdb *redis.Client, opts ...Option) (*Store, error) {
	s := &Store{
		rdb:     rdb,
		key:     DefaultKey,
		channel: DefaultChannel,
		fan:     store.NewFanout(),
	}
	for _, o := range opts {
		o(s)
	}

	s.pubsub = rdb.Subscribe(ctx, s.channel)
	// Wait for the subscription confirmation so no publish is missed after
	// New returns.
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.listen(listenCtx)
	return s, nil
}

func (s *Store) Write(ctx context.Context, path string, value any) error {
	return s.mutate(ctx, path, func(t *store.Tree, p string) error { return t.Set(p, value) })
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	return s.mutate(ctx, path, func(t *store.Tree, p string) error { return t.Merge(p, fields) })
}

func (s *Store) Remove(ctx context.Context, path string) error {
	return s.mutate(ctx, path, func(t *store.Tree, p string) error {
		t.Delete(p)
		return nil
	})
}

func (s *Store) Read(ctx context.Context, path string) (store.Snapshot, error) {
	p, err := store.Clean(path)
	if err != nil {
		return store.Snapshot{}, err
	}
	tree, err := s.load(ctx, s.rdb)
	if err != nil {
		return store.Snapshot{}, err
	}
	return tree.Snapshot(p), nil
}

func (s *Store) Subscribe(ctx context.Context, path string, fn func(store.Snapshot)) (store.Unsubscribe, error) {
	p, err := store.Clean(path)
	if err != nil {
		return nil, err
	}
	sub, err := s.fan.Add(p, fn)
	if err != nil {
		return nil, err
	}
	snap, err := s.Read(ctx, p)
	if err != nil {
		sub.Cancel()
		return nil, err
	}
	sub.Prime(snap)
	return sub.Cancel, nil
}

// Close stops the listener, cancels subscriptions and closes the client.
func (s *Store) Close() error {
	s.cancel()
	err := s.pubsub.Close()
	s.wg.Wait()
	s.fan.Close()
	if cerr := s.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) mutate(ctx context.Context, path string, apply func(*store.Tree, string) error) error {
	p, err := store.Clean(path)
	if err != nil {
		return err
	}
	txf := func(tx *redis.Tx) error {
		tree, err := s.load(ctx, tx)
		if err != nil {
			return err
		}
		if err := apply(tree, p); err != nil {
			return err
		}
		raw, err := tree.MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to encode document: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, raw, 0)
			pipe.Publish(ctx, s.channel, p)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, s.key)
		if errors.Is(err, redis.TxFailedErr) {
			log.Debug().Str("path", p).Int("attempt", i+1).Msg("document changed during write, retrying")
			continue
		}
		return err
	}
	return ErrConflict
}

// getter is the slice of redis.Client and redis.Tx the loader needs.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) load(ctx context.Context, c getter) (*store.Tree, error) {
	raw, err := c.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.NewTree(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return store.ParseTree(raw)
}

func (s *Store) listen(ctx context.Context) {
	defer s.wg.Done()
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			// One load per change; every interested subscriber gets a view
			// of the same committed tree.
			tree, err := s.load(ctx, s.rdb)
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Str("path", msg.Payload).Msg("failed to load document for change notification")
				}
				continue
			}
			s.fan.Notify(msg.Payload, tree.Snapshot)
		}
	}
}
