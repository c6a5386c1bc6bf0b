package ratelimit

import (
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the default memory budget for the fallback cache (64 MiB).
const defaultMaxCost = 64 << 20

// windowCost is the approximate memory footprint of a single window entry.
// Used as the cost parameter so ristretto can manage eviction by real memory
// rather than an arbitrary key count.
var windowCost = int64(unsafe.Sizeof(window{}))

// InMemoryLimiter provides per-key fixed-window rate limiting using local
// memory. Used as a fallback when Redis is unavailable and the failure policy
// is "inmemoryfallback".
//
// IMPORTANT: This limiter is NOT globally consistent. Each gateway instance
// maintains its own independent counters. Under failover conditions the
// effective rate limit is per-instance, not per-cluster.
//
// Internally, ristretto handles concurrency, TTL-based expiry, and
// admission/eviction (TinyLFU policy) within the configured memory budget.
// The window state is stored per key with a per-window mutex so that hot
// paths only contend on the individual key, not a global lock.
type InMemoryLimiter struct {
	disabled bool // true when limit <= 0; Allow always returns true
	cache    *ristretto.Cache[string, *window]
	limit    int64
	interval time.Duration
	ttl      time.Duration
	now      func() time.Time
}

type window struct {
	mu    sync.Mutex
	start time.Time
	count int64
}

// NewInMemoryLimiter creates an in-memory fixed-window limiter backed by
// ristretto. Ristretto manages admission, eviction (TinyLFU), and TTL-based
// expiry within a fixed memory budget (64 MiB by default).
func NewInMemoryLimiter(limit int64, interval time.Duration) *InMemoryLimiter {
	// Estimate the expected number of items so the frequency sketch is accurate.
	// NumCounters should be ~10x the expected max items.
	estimatedItems := defaultMaxCost / windowCost
	numCounters := estimatedItems * 10

	cache, err := ristretto.NewCache(&ristretto.Config[string, *window]{
		NumCounters: numCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &InMemoryLimiter{
		disabled: limit <= 0,
		cache:    cache,
		limit:    limit,
		interval: interval,
		ttl:      2 * interval,
		now:      time.Now,
	}
}

// Allow checks the in-memory window for the given key.
// When the limiter is disabled (limit <= 0), always returns true.
func (l *InMemoryLimiter) Allow(key string) bool {
	if l.disabled {
		return true
	}

	now := l.now()

	w, found := l.cache.Get(key)
	if !found {
		// New key: this request opens the window, anchored at now.
		w = &window{start: now, count: 1}
		l.cache.SetWithTTL(key, w, windowCost, l.ttl)
		// Wait ensures the window is visible to subsequent Gets. This only
		// blocks on the first request for a key; the hot path (cache hit)
		// has zero extra cost. Acceptable for a fallback limiter.
		l.cache.Wait()
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Sub(w.start) > l.interval {
		w.start = now
		w.count = 0
	}

	if w.count < l.limit {
		w.count++
		return true
	}

	return false
}

// Close releases resources held by the cache. Safe to call multiple times.
func (l *InMemoryLimiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
