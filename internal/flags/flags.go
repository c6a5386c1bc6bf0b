// Package flags provides feature flag lookups backed by Redis with a local
// TTL cache. Flag values are strings in the backing store; a flag is enabled
// iff its value is exactly "true". A missing key is a disabled flag, not an
// error.
package flags

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edgegate/edgegate/internal/redis"
)

// Store retrieves the raw string value of a named flag.
// found is false when the flag does not exist in the backing store.
type Store interface {
	Lookup(ctx context.Context, name string) (value string, found bool, err error)
}

// RedisStore reads flags from Redis keys "<prefix><name>".
type RedisStore struct {
	client redis.Client
	prefix string
}

// NewRedisStore creates a flag store reading from the given Redis client.
func NewRedisStore(client redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Lookup implements Store.
func (s *RedisStore) Lookup(ctx context.Context, name string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+name).Result()
	if err != nil {
		if redis.IsNilErr(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return val, true, nil
}

type entry struct {
	enabled   bool
	fetchedAt time.Time
}

// Cache answers Enabled checks from a local map, refreshing entries from the
// Store when they are older than the TTL. Concurrent refreshes of the same
// flag are collapsed into a single store lookup via singleflight, so a cold
// or just-expired flag costs at most one backend round trip regardless of
// request volume.
type Cache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry
}

// NewCache creates a flag cache in front of store. Entries are considered
// fresh for ttl after they were fetched.
func NewCache(store Store, ttl time.Duration) *Cache {
	return &Cache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Enabled reports whether the named flag is enabled, serving from the cache
// when the entry is fresh. Lookup results — including "flag not set" — are
// cached; lookup errors are returned to the caller and nothing is cached, so
// the next request retries the store.
func (c *Cache) Enabled(ctx context.Context, name string) (bool, error) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if ok && now.Sub(e.fetchedAt) < c.ttl {
		return e.enabled, nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		// Re-check under the flight: another caller may have refreshed the
		// entry while this one waited for the flight slot.
		c.mu.RLock()
		e, ok := c.entries[name]
		c.mu.RUnlock()
		if ok && c.now().Sub(e.fetchedAt) < c.ttl {
			return e.enabled, nil
		}

		raw, _, err := c.store.Lookup(ctx, name)
		if err != nil {
			return false, err
		}

		enabled := raw == "true"
		c.mu.Lock()
		c.entries[name] = entry{enabled: enabled, fetchedAt: c.now()}
		c.mu.Unlock()
		return enabled, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Invalidate drops a cached flag so the next check hits the store.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// Len returns the number of cached entries, fresh or stale.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
