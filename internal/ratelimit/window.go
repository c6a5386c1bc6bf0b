// Package ratelimit implements distributed fixed-window rate limiting using
// Redis with a Lua script for atomicity, plus an in-memory fallback for when
// Redis is unavailable. Client keys are spread across shard suffixes before
// they reach Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/edgegate/edgegate/internal/redis"
)

// ErrLimiterClosed is returned when Allow is called after the limiter has
// been closed.
var ErrLimiterClosed = errors.New("limiter is closed")

// fixedWindowLua is the Lua source for atomic fixed-window rate limiting.
//
// Uses HMGET for deterministic field ordering.
// Returns {allowed (0|1), remaining, retry_after_ms, limit, reset_ms}.
//
// Fixed window semantics:
//   - The window is anchored at the key's first request: an absent or
//     expired entry resets to {start: now, count: 0} before counting.
//   - An entry is expired once now - start exceeds the window.
//   - If count < limit: count += 1, allow, retry_after = 0.
//   - Else: deny, retry_after = time remaining until the window rolls over.
//
// Keys: KEYS[1] = sharded rate-limit key.
// Args: ARGV[1] = limit, ARGV[2] = window (ms), ARGV[3] = now (ms), ARGV[4] = TTL (s).
const fixedWindowLua = `
local key    = KEYS[1]
local limit  = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now    = tonumber(ARGV[3])
local ttl    = tonumber(ARGV[4])

if limit <= 0 then
  return {1, 0, 0, limit, 0}
end

local vals = redis.call('hmget', key, 'start', 'count')
local start = tonumber(vals[1])
local count = tonumber(vals[2]) or 0

if start == nil or now - start > window then
  start = now
  count = 0
end

local reset = start + window - now

if count < limit then
  count = count + 1
  redis.call('hset', key, 'start', start, 'count', count)
  redis.call('expire', key, ttl)
  return {1, limit - count, 0, limit, reset}
end

redis.call('hset', key, 'start', start, 'count', count)
redis.call('expire', key, ttl)
return {0, 0, reset, limit, reset}
`

// fixedWindowScript uses go-redis to compute the SHA1 hash that Redis expects
// for EVALSHA, avoiding a direct crypto/sha1 import in this package.
var fixedWindowScript = goredis.NewScript(fixedWindowLua)

// Result holds the parsed result of a rate-limit check.
type Result struct {
	Allowed    bool
	Remaining  int64         // admissions left in the current window
	RetryAfter time.Duration // meaningful only when Allowed == false
	Limit      int64         // window capacity
	ResetAfter time.Duration // time until the current window rolls over
}

// Limiter performs fixed-window rate limiting against Redis.
type Limiter struct {
	client    redis.Client
	logger    *slog.Logger
	src       string // Lua source text (for EVAL fallback)
	hash      string // SHA1 hex digest (for EVALSHA)
	limit     int64
	window    time.Duration
	shards    int
	keyPrefix string
	now       func() time.Time
	closed    atomic.Bool
}

// NewLimiter creates a Redis-backed fixed-window limiter.
func NewLimiter(client redis.Client, limit int64, window time.Duration, shards int, prefix string, logger *slog.Logger) *Limiter {
	if shards < 1 {
		shards = 1
	}
	return &Limiter{
		client:    client,
		logger:    logger,
		src:       fixedWindowLua,
		hash:      fixedWindowScript.Hash(),
		limit:     limit,
		window:    window,
		shards:    shards,
		keyPrefix: prefix,
		now:       time.Now,
	}
}

// Allow checks whether the request identified by key should be admitted in
// the current window. The key is sharded before it reaches Redis; uses
// EVALSHA with an EVAL fallback on NOSCRIPT to load the script.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLimiterClosed
	}

	fullKey := ShardKey(l.keyPrefix, key, l.shards)
	nowMs := l.now().UnixMilli()
	windowMs := l.window.Milliseconds()

	// Keys survive two idle windows before Redis reclaims them.
	ttl := int64(2 * l.window / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	cmd, err := l.evalScript(ctx, []string{fullKey}, l.limit, windowMs, nowMs, ttl)
	if err != nil {
		return nil, err
	}

	return parseScriptResult(cmd)
}

// evalScript executes the Lua script via EVALSHA, falling back to EVAL on
// NOSCRIPT. This avoids sending the full Lua source on every request.
func (l *Limiter) evalScript(ctx context.Context, keys []string, args ...any) (interface{ Slice() ([]any, error) }, error) {
	cmd := l.client.EvalSha(ctx, l.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		l.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL",
			"key", keys[0], "error", cmd.Err())
		cmd = l.client.Eval(ctx, l.src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}
	return cmd, nil
}

// Close marks the limiter as closed and closes the underlying Redis client.
// Subsequent calls to Allow return ErrLimiterClosed.
func (l *Limiter) Close() error {
	l.closed.Store(true)
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client (used for lifecycle management).
func (l *Limiter) Client() redis.Client {
	return l.client
}

// parseScriptResult parses the Lua {allowed, remaining, retry_after_ms, limit, reset_ms} response.
func parseScriptResult(cmd interface{ Slice() ([]any, error) }) (*Result, error) {
	arr, err := cmd.Slice()
	if err != nil {
		return nil, fmt.Errorf("reading script result: %w", err)
	}

	if len(arr) != 5 {
		return nil, fmt.Errorf("script returned %d elements, want 5", len(arr))
	}

	allowed, err := toInt64(arr[0])
	if err != nil {
		return nil, fmt.Errorf("parsing allowed: %w", err)
	}

	remaining, err := toInt64(arr[1])
	if err != nil {
		return nil, fmt.Errorf("parsing remaining: %w", err)
	}

	retryMs, err := toInt64(arr[2])
	if err != nil {
		return nil, fmt.Errorf("parsing retry_after: %w", err)
	}

	limit, err := toInt64(arr[3])
	if err != nil {
		return nil, fmt.Errorf("parsing limit: %w", err)
	}

	resetMs, err := toInt64(arr[4])
	if err != nil {
		return nil, fmt.Errorf("parsing reset: %w", err)
	}

	return &Result{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
		Limit:      limit,
		ResetAfter: time.Duration(resetMs) * time.Millisecond,
	}, nil
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
