package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kiliankoe/callfold/internal/store"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := Open(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestOpenRejectsEmptyAddr(t *testing.T) {
	_, err := Open(context.Background(), "", "", 0)
	require.Error(t, err)
}

func TestReadWriteUpdate(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	snap, err := s.Read(ctx, "auction")
	require.NoError(t, err)
	require.False(t, snap.Exists)

	require.NoError(t, s.Write(ctx, "auction/guests/g1", map[string]any{"name": "Alice", "verified": false}))
	require.NoError(t, s.Update(ctx, "auction", map[string]any{"currentPrice": 100000, "timerEnd": nil}))
	require.NoError(t, s.Update(ctx, "auction/guests/g1", map[string]any{"verified": true}))

	snap, err = s.Read(ctx, "auction/guests/g1")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"Alice","verified":true}`, string(snap.Value))

	snap, err = s.Read(ctx, "auction/timerEnd")
	require.NoError(t, err)
	require.True(t, snap.Exists)
	require.True(t, snap.IsNull())

	// the document is one JSON value under the key
	require.True(t, mr.Exists(DefaultKey))

	require.NoError(t, s.Remove(ctx, "auction/guests/g1"))
	snap, err = s.Read(ctx, "auction/guests/g1")
	require.NoError(t, err)
	require.False(t, snap.Exists)
}

func TestConcurrentUpdatesOnDifferentPathsDoNotConflict(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			require.NoError(t, s.Update(ctx, store.Join("auction/guests", id), map[string]any{"status": "call"}))
		}(id)
	}
	wg.Wait()

	snap, err := s.Read(ctx, "auction/guests")
	require.NoError(t, err)
	var guests map[string]map[string]string
	require.NoError(t, snap.Decode(&guests))
	require.Len(t, guests, 6)
	for id, g := range guests {
		require.Equal(t, "call", g["status"], id)
	}
}

func TestSubscribeAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	writer, mr := newTestStore(t)

	reader, err := Open(ctx, mr.Addr(), "", 0)
	require.NoError(t, err)
	defer reader.Close()

	ch := make(chan store.Snapshot, 16)
	unsub, err := reader.Subscribe(ctx, "auction/currentPrice", func(s store.Snapshot) { ch <- s })
	require.NoError(t, err)
	defer unsub()

	select {
	case s := <-ch:
		require.False(t, s.Exists)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	require.NoError(t, writer.Update(ctx, "auction", map[string]any{"currentPrice": 110000}))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if string(s.Value) == "110000" {
				return
			}
		case <-deadline:
			t.Fatal("change never reached the other process")
		}
	}
}

func TestWithKeyIsolatesDocuments(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	a, err := New(ctx, rdb, WithKey("room:a"))
	require.NoError(t, err)
	b, err := Open(ctx, mr.Addr(), "", 0, WithKey("room:b"))
	require.NoError(t, err)
	defer b.Close()
	defer a.Close()

	require.NoError(t, a.Write(ctx, "auction/started", true))
	snap, err := b.Read(ctx, "auction/started")
	require.NoError(t, err)
	require.False(t, snap.Exists)
}
