// Package cache provides the edge response cache backed by Redis. Successful
// GET responses are stored keyed by the canonical origin URL, so two client
// requests that rewrite to the same origin URL share one cached entry
// regardless of how the client spelled the query string. Writes go through a
// bounded asynchronous writer so the client response is never delayed by
// Redis.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/edgegate/edgegate/internal/redis"
)

const defaultKeyPrefix = "cache:"

// Entry is a cached origin response.
type Entry struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

// Store is a response cache backed by Redis.
type Store struct {
	client      redis.Client
	ttl         time.Duration
	maxBodySize int64
	keyPrefix   string
	logger      *slog.Logger

	OnHit   func()
	OnMiss  func()
	OnStore func()
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBodySize sets the maximum cacheable response body in bytes.
// Responses larger than this are not cached. Default: 1MB.
func WithMaxBodySize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBodySize = n
		}
	}
}

// WithKeyPrefix sets the Redis key prefix for cache entries.
func WithKeyPrefix(p string) Option {
	return func(s *Store) {
		if p != "" {
			s.keyPrefix = p
		}
	}
}

// WithLogger sets the logger for debug/error messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

const defaultMaxBodySize = 1 << 20 // 1 MB

// NewStore creates a response cache with the given TTL.
func NewStore(client redis.Client, ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		client:      client,
		ttl:         ttl,
		maxBodySize: defaultMaxBodySize,
		keyPrefix:   defaultKeyPrefix,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TTL returns the configured entry lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// MaxBodySize returns the configured maximum cacheable body size.
func (s *Store) MaxBodySize() int64 { return s.maxBodySize }

// Cacheable reports whether a response is eligible for caching. Only
// successful GET responses with bodies under the size limit are stored.
func (s *Store) Cacheable(method string, statusCode int, bodyLen int) bool {
	if method != http.MethodGet {
		return false
	}
	if statusCode != http.StatusOK {
		return false
	}
	return int64(bodyLen) <= s.maxBodySize
}

// Get retrieves a cached entry by canonical URL. Returns nil, false on miss
// or any Redis error; a degraded cache never fails the request.
func (s *Store) Get(ctx context.Context, canonicalURL string) (*Entry, bool) {
	data, err := s.client.Get(ctx, s.keyPrefix+canonicalURL).Bytes()
	if err != nil {
		if !redis.IsNilErr(err) {
			s.logger.Debug("cache: lookup error", "key", canonicalURL, "error", err)
		}
		if s.OnMiss != nil {
			s.OnMiss()
		}
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Debug("cache: unmarshal error", "key", canonicalURL, "error", err)
		if s.OnMiss != nil {
			s.OnMiss()
		}
		return nil, false
	}
	if s.OnHit != nil {
		s.OnHit()
	}
	return &e, true
}

// Set stores an entry under the canonical URL with the store's TTL.
func (s *Store) Set(ctx context.Context, canonicalURL string, entry *Entry) error {
	if s.ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.keyPrefix+canonicalURL, data, s.ttl).Err(); err != nil {
		return err
	}
	if s.OnStore != nil {
		s.OnStore()
	}
	s.logger.Debug("cache: stored", "key", canonicalURL, "ttl", s.ttl, "body_size", len(entry.Body))
	return nil
}

// Delete removes a single cache entry by canonical URL.
func (s *Store) Delete(ctx context.Context, canonicalURL string) bool {
	n, err := s.client.Del(ctx, s.keyPrefix+canonicalURL).Result()
	if err != nil || n == 0 {
		return false
	}
	s.logger.Debug("cache: purged", "key", canonicalURL)
	return true
}
