// Package events implements an async, buffered request event emitter that
// posts per-request observability events to an external HTTP receiver.
// Events are batched and flushed at configurable intervals. The emitter is
// entirely optional and fire-and-forget — it never blocks the request hot path.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/observability"
)

// RequestEvent describes one handled request.
type RequestEvent struct {
	TraceID    string `json:"trace_id"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	StatusCode int    `json:"status_code"`
	Origin     string `json:"origin,omitempty"`
	Canary     bool   `json:"canary"`
	Country    string `json:"country,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Cache      string `json:"cache,omitempty"`  // "HIT" or "MISS" for cacheable requests
	Reason     string `json:"reason,omitempty"` // Non-empty for rejected requests (e.g. "rate_limited")
	Timestamp  string `json:"timestamp"`        // RFC 3339
}

// Emitter is an async, buffered event emitter that batches request events and
// flushes them to an external HTTP receiver.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	httpURL    string
	httpClient *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int
	maxRetries    int
	retryBackoff  time.Duration
	headers       map[string]config.RedactedString

	ring     []RequestEvent
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEmitter creates a new request event emitter. Returns nil if events are
// not enabled in the config.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}

	flushInterval, _ := config.ParseDuration(cfg.FlushInterval, 5*time.Second)
	retryBackoff, _ := config.ParseDuration(cfg.RetryBackoff, 250*time.Millisecond)

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	e := &Emitter{
		logger:        logger.With("component", "events"),
		metrics:       metrics,
		httpURL:       cfg.HTTP.URL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		maxRetries:    maxRetries,
		retryBackoff:  retryBackoff,
		headers:       cfg.HTTP.Headers,
		ring:          make([]RequestEvent, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues a request event into the ring buffer. This is fire-and-forget
// and never blocks. When the buffer is full, the oldest event is dropped.
func (e *Emitter) Emit(ev RequestEvent) {
	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		// Buffer full — drop oldest by advancing head.
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		e.metrics.IncEventsDropped()
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	e.metrics.IncEventsEmitted()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close flushes remaining events and stops the flush loop.
func (e *Emitter) Close() error {
	close(e.done)
	e.wg.Wait()

	// Final drain.
	e.flush()
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Emitter) drain() []RequestEvent {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := e.ringLen
	if n > e.batchSize {
		n = e.batchSize
	}

	batch := make([]RequestEvent, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(batch []RequestEvent) {
	if e.httpURL != "" {
		e.sendHTTP(batch)
		return
	}
	e.logger.Warn("no events destination configured, dropping batch", "count", len(batch))
}

func (e *Emitter) sendHTTP(batch []RequestEvent) {
	payload := struct {
		Events []RequestEvent `json:"events"`
	}{Events: batch}

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal events batch", "error", err)
		return
	}

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(e.retryBackoff)
		}
		if e.post(body) {
			return
		}
	}

	e.metrics.IncEventsSendFailure()
	e.logger.Warn("events batch dropped after exhausted retries",
		"count", len(batch), "retries", e.maxRetries)
}

func (e *Emitter) post(body []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.httpURL, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to create events HTTP request", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range e.headers {
		req.Header.Set(name, value.Value())
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("failed to send events batch", "error", err)
		return false
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		e.logger.Warn("events receiver returned error", "status", resp.StatusCode)
		return false
	}
	return true
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(http=%s, batch=%d, flush=%s, buf=%d)",
		e.httpURL, e.batchSize, e.flushInterval, e.bufferSize)
}
