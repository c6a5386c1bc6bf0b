package cache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/redis"
)

func newTestRedis(t *testing.T) (redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestStoreGetSetRoundTrip(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewStore(client, 30*time.Second)

	entry := &Entry{
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"id":42}`),
		StoredAt:   time.Now(),
	}

	ctx := context.Background()
	url := "http://origin-default.internal:80/users?__v=v1"
	require.NoError(t, store.Set(ctx, url, entry))

	got, ok := store.Get(ctx, url)
	require.True(t, ok)
	assert.Equal(t, 200, got.StatusCode)
	assert.Equal(t, []byte(`{"id":42}`), got.Body)
	assert.Equal(t, "application/json", got.Headers.Get("Content-Type"))
}

func TestStoreGetMiss(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewStore(client, 30*time.Second)

	var misses int
	store.OnMiss = func() { misses++ }

	got, ok := store.Get(context.Background(), "http://origin/never-stored")
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.Equal(t, 1, misses)
}

func TestStoreKeysAreScoped(t *testing.T) {
	client, mr := newTestRedis(t)
	store := NewStore(client, 30*time.Second, WithKeyPrefix("edge:cache:"))

	require.NoError(t, store.Set(context.Background(), "http://origin/a", &Entry{StatusCode: 200}))
	assert.True(t, mr.Exists("edge:cache:http://origin/a"))
}

func TestStoreTTLExpiry(t *testing.T) {
	client, mr := newTestRedis(t)
	store := NewStore(client, 30*time.Second)

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "http://origin/data", &Entry{StatusCode: 200, Body: []byte("x")}))

	_, ok := store.Get(ctx, "http://origin/data")
	require.True(t, ok)

	mr.FastForward(31 * time.Second)
	_, ok = store.Get(ctx, "http://origin/data")
	assert.False(t, ok)
}

func TestStoreZeroTTLNeverStores(t *testing.T) {
	client, mr := newTestRedis(t)
	store := NewStore(client, 0)

	require.NoError(t, store.Set(context.Background(), "http://origin/a", &Entry{StatusCode: 200}))
	assert.False(t, mr.Exists(defaultKeyPrefix+"http://origin/a"))
}

func TestStoreCorruptEntryIsAMiss(t *testing.T) {
	client, mr := newTestRedis(t)
	store := NewStore(client, 30*time.Second)

	require.NoError(t, mr.Set(defaultKeyPrefix+"http://origin/bad", "not-json"))

	got, ok := store.Get(context.Background(), "http://origin/bad")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestStoreDegradedRedisIsAMiss(t *testing.T) {
	client, mr := newTestRedis(t)
	store := NewStore(client, 30*time.Second)

	mr.Close()
	got, ok := store.Get(context.Background(), "http://origin/a")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestStoreDelete(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewStore(client, 30*time.Second)

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "http://origin/a", &Entry{StatusCode: 200}))

	assert.True(t, store.Delete(ctx, "http://origin/a"))
	assert.False(t, store.Delete(ctx, "http://origin/a"))

	_, ok := store.Get(ctx, "http://origin/a")
	assert.False(t, ok)
}

func TestStoreHitCallback(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewStore(client, 30*time.Second)

	var hits, stores int
	store.OnHit = func() { hits++ }
	store.OnStore = func() { stores++ }

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "http://origin/a", &Entry{StatusCode: 200}))
	_, _ = store.Get(ctx, "http://origin/a")

	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, stores)
}

func TestCacheable(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewStore(client, 30*time.Second, WithMaxBodySize(100))

	tests := []struct {
		name    string
		method  string
		status  int
		bodyLen int
		want    bool
	}{
		{"get 200", http.MethodGet, 200, 50, true},
		{"post", http.MethodPost, 200, 50, false},
		{"head", http.MethodHead, 200, 0, false},
		{"get 404", http.MethodGet, 404, 50, false},
		{"get 500", http.MethodGet, 500, 50, false},
		{"oversized body", http.MethodGet, 200, 101, false},
		{"body at limit", http.MethodGet, 200, 100, true},
		{"empty body", http.MethodGet, 200, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, store.Cacheable(tt.method, tt.status, tt.bodyLen))
		})
	}
}
