package flags

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/redis"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "flags:"), mr
}

func TestRedisStoreLookup(t *testing.T) {
	t.Run("reads existing flag with prefix", func(t *testing.T) {
		store, mr := newTestStore(t)
		mr.Set("flags:new-checkout", "true")

		val, found, err := store.Lookup(context.Background(), "new-checkout")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "true", val)
	})

	t.Run("missing flag is not an error", func(t *testing.T) {
		store, _ := newTestStore(t)

		_, found, err := store.Lookup(context.Background(), "nope")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("propagates connectivity errors", func(t *testing.T) {
		store, mr := newTestStore(t)
		mr.Close()

		_, _, err := store.Lookup(context.Background(), "any")
		assert.Error(t, err)
	})
}

// stubStore counts lookups and serves canned values/errors.
type stubStore struct {
	mu      sync.Mutex
	values  map[string]string
	err     error
	lookups atomic.Int64
}

func (s *stubStore) Lookup(_ context.Context, name string) (string, bool, error) {
	s.lookups.Add(1)
	if s.err != nil {
		return "", false, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok, nil
}

func TestCacheEnabled(t *testing.T) {
	t.Run("only the string true enables a flag", func(t *testing.T) {
		store := &stubStore{values: map[string]string{
			"on":    "true",
			"upper": "TRUE",
			"one":   "1",
			"yes":   "yes",
		}}
		c := NewCache(store, 30*time.Second)
		ctx := context.Background()

		for name, want := range map[string]bool{
			"on": true, "upper": false, "one": false, "yes": false, "absent": false,
		} {
			got, err := c.Enabled(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, want, got, "flag %q", name)
		}
	})

	t.Run("serves fresh entries without hitting the store", func(t *testing.T) {
		store := &stubStore{values: map[string]string{"f": "true"}}
		c := NewCache(store, 30*time.Second)
		ctx := context.Background()

		for i := 0; i < 10; i++ {
			got, err := c.Enabled(ctx, "f")
			require.NoError(t, err)
			assert.True(t, got)
		}
		assert.Equal(t, int64(1), store.lookups.Load())
	})

	t.Run("refreshes after TTL expires", func(t *testing.T) {
		store := &stubStore{values: map[string]string{"f": "true"}}
		c := NewCache(store, 30*time.Second)
		ctx := context.Background()

		base := time.Now()
		c.now = func() time.Time { return base }

		_, err := c.Enabled(ctx, "f")
		require.NoError(t, err)

		// Flip the stored value; still fresh, the cache answers stale-true.
		store.mu.Lock()
		store.values["f"] = "false"
		store.mu.Unlock()

		c.now = func() time.Time { return base.Add(29 * time.Second) }
		got, err := c.Enabled(ctx, "f")
		require.NoError(t, err)
		assert.True(t, got, "entry is still fresh at 29s")

		c.now = func() time.Time { return base.Add(30 * time.Second) }
		got, err = c.Enabled(ctx, "f")
		require.NoError(t, err)
		assert.False(t, got, "entry expired exactly at the TTL")
		assert.Equal(t, int64(2), store.lookups.Load())
	})

	t.Run("caches missing flags as disabled", func(t *testing.T) {
		store := &stubStore{values: map[string]string{}}
		c := NewCache(store, 30*time.Second)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			got, err := c.Enabled(ctx, "ghost")
			require.NoError(t, err)
			assert.False(t, got)
		}
		assert.Equal(t, int64(1), store.lookups.Load(), "a miss is cached like any other value")
	})

	t.Run("errors are returned and not cached", func(t *testing.T) {
		store := &stubStore{err: errors.New("redis down")}
		c := NewCache(store, 30*time.Second)
		ctx := context.Background()

		_, err := c.Enabled(ctx, "f")
		assert.Error(t, err)
		assert.Equal(t, 0, c.Len())

		// Store recovers; the next check retries.
		store.err = nil
		store.values = map[string]string{"f": "true"}

		got, err := c.Enabled(ctx, "f")
		require.NoError(t, err)
		assert.True(t, got)
	})

	t.Run("concurrent cold lookups collapse to one store call", func(t *testing.T) {
		store := &stubStore{values: map[string]string{"f": "true"}}
		c := NewCache(store, 30*time.Second)

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := c.Enabled(context.Background(), "f")
				assert.NoError(t, err)
				assert.True(t, got)
			}()
		}
		wg.Wait()

		assert.LessOrEqual(t, store.lookups.Load(), int64(2),
			"singleflight should collapse concurrent refreshes")
	})
}

func TestCacheInvalidate(t *testing.T) {
	t.Run("dropped entry is refetched", func(t *testing.T) {
		store := &stubStore{values: map[string]string{"f": "true"}}
		c := NewCache(store, 30*time.Second)
		ctx := context.Background()

		_, err := c.Enabled(ctx, "f")
		require.NoError(t, err)

		c.Invalidate("f")

		_, err = c.Enabled(ctx, "f")
		require.NoError(t, err)
		assert.Equal(t, int64(2), store.lookups.Load())
	})
}
