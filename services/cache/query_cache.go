package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Keys shared by the role and permission services
const (
	KeyRoles = "roles"
	KeyStats = "stats"
)

// RoleKey is the detail key of a single role
func RoleKey(id string) string {
	return "role:" + id
}

// QueryCache collapses concurrent loads per key and refuses to publish a
// result whose key was invalidated while the load was in flight.
type QueryCache struct {
	store  Store
	logger *zap.Logger
	group  singleflight.Group

	mu   sync.Mutex
	gens map[string]uint64
}

// NewQueryCache creates a QueryCache over store
func NewQueryCache(store Store, logger *zap.Logger) *QueryCache {
	return &QueryCache{
		store:  store,
		logger: logger,
		gens:   make(map[string]uint64),
	}
}

// Fetch decodes the cached value for key into dest, populating it with
// loader on a miss. Store failures degrade to calling loader directly.
func (c *QueryCache) Fetch(ctx context.Context, key string, dest interface{}, loader func(context.Context) (interface{}, error)) error {
	if loader == nil {
		return errors.New("cache: loader required")
	}

	payload, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		if err := json.Unmarshal(payload, dest); err == nil {
			return nil
		}
		c.logger.Warn("discarding undecodable cache entry", zap.String("key", key))
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		gen := c.generation(key)

		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}

		// A cancelled caller or a concurrent invalidation means the result
		// may describe state that no longer exists.
		if ctx.Err() == nil && c.generation(key) == gen {
			if err := c.store.Set(ctx, key, raw); err != nil {
				c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
		return raw, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), dest)
}

// Invalidate drops keys and fences off loads that started before the call
func (c *QueryCache) Invalidate(ctx context.Context, keys ...string) {
	c.mu.Lock()
	for _, key := range keys {
		c.gens[key]++
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.group.Forget(key)
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		c.logger.Warn("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

func (c *QueryCache) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key]
}
