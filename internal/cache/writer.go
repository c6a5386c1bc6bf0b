package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Writer stores cache entries asynchronously so the client response is
// written before the Redis round trip. The queue is bounded; when it is
// full the entry is dropped rather than blocking the request path.
type Writer struct {
	store  *Store
	queue  chan writeJob
	logger *slog.Logger

	OnWrite   func()
	OnDropped func()

	wg        sync.WaitGroup
	closeOnce sync.Once
}

type writeJob struct {
	key   string
	entry *Entry
}

const defaultWriteTimeout = 5 * time.Second

// NewWriter creates a write-back queue of the given depth and starts its
// background worker.
func NewWriter(store *Store, depth int, logger *slog.Logger) *Writer {
	if depth <= 0 {
		depth = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store:  store,
		queue:  make(chan writeJob, depth),
		logger: logger,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue schedules a cache write. It never blocks; if the queue is full
// the entry is dropped and reported via OnDropped.
func (w *Writer) Enqueue(canonicalURL string, entry *Entry) bool {
	select {
	case w.queue <- writeJob{key: canonicalURL, entry: entry}:
		return true
	default:
		if w.OnDropped != nil {
			w.OnDropped()
		}
		w.logger.Debug("cache: write queue full, entry dropped", "key", canonicalURL)
		return false
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	for job := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		err := w.store.Set(ctx, job.key, job.entry)
		cancel()
		if err != nil {
			w.logger.Debug("cache: write failed", "key", job.key, "error", err)
			continue
		}
		if w.OnWrite != nil {
			w.OnWrite()
		}
	}
}

// Close drains the queue and stops the worker. Entries already enqueued are
// written before Close returns.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.queue)
	})
	w.wg.Wait()
}
