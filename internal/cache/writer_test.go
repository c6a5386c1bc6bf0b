package cache

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWriterStoresAsynchronously(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewStore(client, 30*time.Second)
	w := NewWriter(store, 16, slog.Default())
	defer w.Close()

	ok := w.Enqueue("http://origin/a", &Entry{StatusCode: 200, Body: []byte("hi")})
	require.True(t, ok)

	waitFor(t, func() bool {
		_, hit := store.Get(context.Background(), "http://origin/a")
		return hit
	})
}

func TestWriterCloseDrains(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewStore(client, 30*time.Second)
	w := NewWriter(store, 64, slog.Default())

	for i := 0; i < 20; i++ {
		w.Enqueue(fmt.Sprintf("http://origin/%d", i), &Entry{StatusCode: 200})
	}
	w.Close()

	for i := 0; i < 20; i++ {
		_, ok := store.Get(context.Background(), fmt.Sprintf("http://origin/%d", i))
		assert.True(t, ok, "entry %d should have been written before Close returned", i)
	}
}

func TestWriterCloseIsIdempotent(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewStore(client, 30*time.Second)
	w := NewWriter(store, 4, slog.Default())

	w.Close()
	w.Close()
}

func TestWriterDropsWhenFull(t *testing.T) {
	client, mr := newTestRedis(t)
	store := NewStore(client, 30*time.Second)

	// Stop the backend so the worker stalls and the queue fills up.
	mr.Close()

	w := NewWriter(store, 1, slog.Default())
	defer w.Close()

	var dropped int
	w.OnDropped = func() { dropped++ }

	for i := 0; i < 50; i++ {
		w.Enqueue(fmt.Sprintf("http://origin/%d", i), &Entry{StatusCode: 200})
	}
	assert.Greater(t, dropped, 0)
}

func TestWriterWriteCallback(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewStore(client, 30*time.Second)
	w := NewWriter(store, 16, slog.Default())

	writes := make(chan struct{}, 3)
	w.OnWrite = func() { writes <- struct{}{} }

	for i := 0; i < 3; i++ {
		w.Enqueue(fmt.Sprintf("http://origin/%d", i), &Entry{StatusCode: 200})
	}

	for i := 0; i < 3; i++ {
		select {
		case <-writes:
		case <-time.After(2 * time.Second):
			t.Fatal("write not observed")
		}
	}
	w.Close()
}
