package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Store holds serialized query results by key
type Store interface {
	// Get returns the cached payload and whether it was present
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a payload under key
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes keys; missing keys are ignored
	Delete(ctx context.Context, keys ...string) error
}

// Stats represents cache statistics
type Stats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// LocalStore is an in-process LRU with per-entry TTL
type LocalStore struct {
	cache   *lru.LRU[string, []byte]
	maxSize int
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// NewLocalStore creates a LocalStore holding at most maxSize entries
func NewLocalStore(maxSize int, ttl time.Duration) *LocalStore {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &LocalStore{
		cache:   lru.NewLRU[string, []byte](maxSize, nil, ttl),
		maxSize: maxSize,
	}
}

// Get retrieves a payload
func (s *LocalStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, ok := s.cache.Get(key)
	if !ok {
		s.misses.Add(1)
		return nil, false, nil
	}
	s.hits.Add(1)
	return value, true, nil
}

// Set stores a payload
func (s *LocalStore) Set(_ context.Context, key string, value []byte) error {
	s.cache.Add(key, value)
	return nil
}

// Delete removes keys
func (s *LocalStore) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		s.cache.Remove(key)
	}
	return nil
}

// Stats returns cache statistics
func (s *LocalStore) Stats() Stats {
	hits, misses := s.hits.Load(), s.misses.Load()
	stats := Stats{
		Size:    s.cache.Len(),
		MaxSize: s.maxSize,
		Hits:    hits,
		Misses:  misses,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// RedisStore shares cached results between replicas
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps a redis client. Keys are stored under prefix.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Get retrieves a payload
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return payload, true, nil
}

// Set stores a payload with the store TTL
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = s.prefix + key
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping checks the redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
