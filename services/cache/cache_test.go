package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type roleView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "authz:", time.Minute), mr
}

func TestLocalStore_GetSetDelete(t *testing.T) {
	store := NewLocalStore(10, time.Minute)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "roles")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "roles", []byte(`[]`)))
	payload, ok, err := store.Get(ctx, "roles")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte(`[]`), payload)

	require.NoError(t, store.Delete(ctx, "roles", "missing"))
	_, ok, _ = store.Get(ctx, "roles")
	assert.False(t, ok)

	stats := store.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.InDelta(t, 1.0/3.0, stats.HitRate, 0.001)
}

func TestLocalStore_EvictsLeastRecentlyUsed(t *testing.T) {
	store := NewLocalStore(2, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1")))
	require.NoError(t, store.Set(ctx, "b", []byte("2")))
	_, _, _ = store.Get(ctx, "a")
	require.NoError(t, store.Set(ctx, "c", []byte("3")))

	_, okA, _ := store.Get(ctx, "a")
	_, okB, _ := store.Get(ctx, "b")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.Equal(t, 2, store.Stats().Size)
}

func TestLocalStore_TTL(t *testing.T) {
	store := NewLocalStore(10, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "stats", []byte("{}")))
	require.Eventually(t, func() bool {
		_, ok, _ := store.Get(ctx, "stats")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestRedisStore_GetSetDelete(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "roles")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "roles", []byte(`["admin"]`)))
	assert.True(t, mr.Exists("authz:roles"))

	payload, ok, err := store.Get(ctx, "roles")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `["admin"]`, string(payload))

	mr.FastForward(2 * time.Minute)
	_, ok, err = store.Get(ctx, "roles")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "stats", []byte("{}")))
	require.NoError(t, store.Delete(ctx, "stats", "role:x"))
	assert.False(t, mr.Exists("authz:stats"))
	require.NoError(t, store.Delete(ctx))
}

func TestRedisStore_ConnectionError(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, _, err := store.Get(context.Background(), "roles")
	assert.Error(t, err)
	assert.Error(t, store.Ping(context.Background()))
}

func TestQueryCache_FetchPopulatesAndHits(t *testing.T) {
	qc := NewQueryCache(NewLocalStore(10, time.Minute), zap.NewNop())
	ctx := context.Background()

	var calls int32
	loader := func(context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return roleView{ID: "1", Name: "Admin"}, nil
	}

	var first, second roleView
	require.NoError(t, qc.Fetch(ctx, RoleKey("1"), &first, loader))
	require.NoError(t, qc.Fetch(ctx, RoleKey("1"), &second, loader))

	assert.Equal(t, "Admin", first.Name)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQueryCache_LoaderErrorNotCached(t *testing.T) {
	qc := NewQueryCache(NewLocalStore(10, time.Minute), zap.NewNop())
	ctx := context.Background()
	boom := errors.New("boom")

	var dest roleView
	err := qc.Fetch(ctx, KeyRoles, &dest, func(context.Context) (interface{}, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	err = qc.Fetch(ctx, KeyRoles, &dest, func(context.Context) (interface{}, error) {
		return roleView{Name: "fresh"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", dest.Name)
}

func TestQueryCache_InvalidateForcesReload(t *testing.T) {
	qc := NewQueryCache(NewLocalStore(10, time.Minute), zap.NewNop())
	ctx := context.Background()

	name := "Manager"
	loader := func(context.Context) (interface{}, error) { return roleView{Name: name}, nil }

	var dest roleView
	require.NoError(t, qc.Fetch(ctx, RoleKey("m"), &dest, loader))
	name = "Team Lead"

	require.NoError(t, qc.Fetch(ctx, RoleKey("m"), &dest, loader))
	assert.Equal(t, "Manager", dest.Name)

	qc.Invalidate(ctx, RoleKey("m"), KeyRoles)
	require.NoError(t, qc.Fetch(ctx, RoleKey("m"), &dest, loader))
	assert.Equal(t, "Team Lead", dest.Name)
}

func TestQueryCache_InvalidationDuringLoadDoesNotPublish(t *testing.T) {
	store := NewLocalStore(10, time.Minute)
	qc := NewQueryCache(store, zap.NewNop())
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	loader := func(context.Context) (interface{}, error) {
		close(started)
		<-release
		return roleView{Name: "stale"}, nil
	}

	done := make(chan error, 1)
	go func() {
		var dest roleView
		done <- qc.Fetch(ctx, KeyRoles, &dest, loader)
	}()

	<-started
	qc.Invalidate(ctx, KeyRoles)
	close(release)
	require.NoError(t, <-done)

	_, ok, _ := store.Get(ctx, KeyRoles)
	assert.False(t, ok, "stale load must not populate the cache")
}

func TestQueryCache_CancelledCallerDoesNotPublish(t *testing.T) {
	store := NewLocalStore(10, time.Minute)
	qc := NewQueryCache(store, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	var dest roleView
	err := qc.Fetch(ctx, KeyStats, &dest, func(context.Context) (interface{}, error) {
		cancel()
		return roleView{Name: "late"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "late", dest.Name)

	_, ok, _ := store.Get(context.Background(), KeyStats)
	assert.False(t, ok)
}

func TestQueryCache_CollapsesConcurrentLoads(t *testing.T) {
	qc := NewQueryCache(NewLocalStore(10, time.Minute), zap.NewNop())
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	loader := func(context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return roleView{Name: "Admin"}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	var ready sync.WaitGroup
	ready.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ready.Done()
			var dest roleView
			assert.NoError(t, qc.Fetch(ctx, KeyRoles, &dest, loader))
			assert.Equal(t, "Admin", dest.Name)
		}()
	}
	ready.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(callers))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestQueryCache_RedisBackend(t *testing.T) {
	store, mr := newRedisStore(t)
	qc := NewQueryCache(store, zap.NewNop())
	ctx := context.Background()

	var dest roleView
	require.NoError(t, qc.Fetch(ctx, RoleKey("9"), &dest, func(context.Context) (interface{}, error) {
		return roleView{ID: "9", Name: "Guest"}, nil
	}))
	assert.True(t, mr.Exists("authz:role:9"))

	qc.Invalidate(ctx, RoleKey("9"))
	assert.False(t, mr.Exists("authz:role:9"))
}

func TestQueryCache_StoreDownFallsBackToLoader(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()
	qc := NewQueryCache(store, zap.NewNop())

	var dest roleView
	err := qc.Fetch(context.Background(), KeyRoles, &dest, func(context.Context) (interface{}, error) {
		return roleView{Name: "direct"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "direct", dest.Name)
}
