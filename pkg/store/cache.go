package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get when the key is absent or expired. It is
// redis.Nil so callers can treat both backends the same way.
var ErrCacheMiss = redis.Nil

type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisCache wraps go-redis with a key prefix.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return res, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// MemoryCache is an in-process TTL cache bounded to maxEntries. When full,
// the entry closest to expiry is evicted.
type MemoryCache struct {
	mu         sync.Mutex
	items      map[string]memItem
	maxEntries int
	now        func() time.Time
}

type memItem struct {
	value     string
	expiresAt time.Time
}

const defaultMemoryCacheEntries = 10_000

func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryCacheEntries
	}
	return &MemoryCache{items: map[string]memItem{}, maxEntries: maxEntries, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (m *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return "", ErrCacheMiss
	}
	if !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return "", ErrCacheMiss
	}
	return item.value, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(m.now(), key, value, ttl)
	return nil
}

func (m *MemoryCache) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Len reports the number of stored entries, expired or not.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *MemoryCache) putLocked(now time.Time, key, value string, ttl time.Duration) {
	if _, exists := m.items[key]; !exists && len(m.items) >= m.maxEntries {
		m.evictLocked(now)
	}
	m.items[key] = memItem{value: value, expiresAt: now.Add(ttl)}
}

func (m *MemoryCache) evictLocked(now time.Time) {
	var (
		victim    string
		victimExp time.Time
		found     bool
	)
	for k, v := range m.items {
		if !now.Before(v.expiresAt) {
			delete(m.items, k)
			continue
		}
		if !found || v.expiresAt.Before(victimExp) {
			victim, victimExp, found = k, v.expiresAt, true
		}
	}
	if len(m.items) >= m.maxEntries && found {
		delete(m.items, victim)
	}
}

// NewCache tries redis, falls back to a bounded memory cache.
func NewCache(ctx context.Context, client redis.UniversalClient, prefix string, maxEntries int) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisCache(client, prefix)
		}
	}
	return NewMemoryCache(maxEntries)
}
