// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for EdgeGate.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the request hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	allowed       int64
	limited       int64
	unauthorized  int64
	redisErrors   int64
	fallbackUsed  int64
	cacheHits     int64
	cacheMisses   int64
	breakerOpens  int64
	upstreamFails int64
	flagErrors    int64

	// Prometheus counters for scraping.
	promRequests     *prometheus.CounterVec
	promAllowed      prometheus.Counter
	promLimited      prometheus.Counter
	promUnauthorized prometheus.Counter
	promRedisErrors  prometheus.Counter
	promFallback     prometheus.Counter

	promCacheHits         prometheus.Counter
	promCacheMisses       prometheus.Counter
	promCacheWrites       prometheus.Counter
	promCacheWriteDropped prometheus.Counter

	promBreakerOpens  prometheus.Counter
	promBreakerState  prometheus.Gauge
	promUpstreamFails *prometheus.CounterVec

	promFlagLookups prometheus.Counter
	promFlagErrors  prometheus.Counter

	promOriginRequests *prometheus.CounterVec

	promEventsEmitted prometheus.Counter
	promEventsDropped prometheus.Counter

	// PromEventsSendFailures counts batches lost after exhausted retries.
	PromEventsSendFailures prometheus.Counter

	// Prometheus histograms.
	PromRequestDuration  *prometheus.HistogramVec
	PromUpstreamDuration *prometheus.HistogramVec

	// Remaining-quota distribution (histogram, not per-key gauge — avoids
	// unbounded cardinality from high-cardinality keys like IPs).
	PromRLRemaining prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "requests_total",
			Help:      "Total requests handled, by method and status code.",
		}, []string{"method", "status_code"}),
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "ratelimit_allowed_total",
			Help:      "Total number of requests admitted by rate limiting.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "ratelimit_limited_total",
			Help:      "Total number of requests rejected by rate limiting.",
		}),
		promUnauthorized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "unauthorized_total",
			Help:      "Total number of requests rejected for a missing or wrong API key.",
		}),
		promRedisErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "redis_errors_total",
			Help:      "Total number of Redis errors encountered.",
		}),
		promFallback: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "ratelimit_fallback_total",
			Help:      "Total number of rate-limit checks served by the in-memory fallback.",
		}),
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "cache_hits_total",
			Help:      "Total number of GET responses served from the edge cache.",
		}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "cache_misses_total",
			Help:      "Total number of cacheable requests that missed the edge cache.",
		}),
		promCacheWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "cache_writes_total",
			Help:      "Total number of deferred cache writes completed.",
		}),
		promCacheWriteDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "cache_writes_dropped_total",
			Help:      "Total number of deferred cache writes dropped due to a full queue.",
		}),
		promBreakerOpens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "breaker_open_total",
			Help:      "Total number of requests short-circuited by the open circuit breaker.",
		}),
		promBreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgegate",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open).",
		}),
		promUpstreamFails: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "upstream_failures_total",
			Help:      "Total upstream call failures, by reason.",
		}, []string{"reason"}),
		promFlagLookups: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "flag_lookups_total",
			Help:      "Total feature flag lookups that reached the backing store.",
		}),
		promFlagErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "flag_errors_total",
			Help:      "Total feature flag lookups that failed.",
		}),
		promOriginRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "origin_requests_total",
			Help:      "Total requests forwarded per origin.",
		}, []string{"origin"}),
		promEventsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "events_emitted_total",
			Help:      "Total request events enqueued for emission.",
		}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "events_dropped_total",
			Help:      "Total request events dropped due to a full buffer.",
		}),
		PromEventsSendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate",
			Name:      "events_send_failures_total",
			Help:      "Total event batches lost after exhausted delivery retries.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edgegate",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromUpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edgegate",
			Name:      "upstream_duration_seconds",
			Help:      "Origin fetch duration in seconds, per origin.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"origin"}),
		PromRLRemaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "edgegate",
			Name:      "ratelimit_remaining",
			Help:      "Distribution of remaining quota across rate-limit checks.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}

	return m
}

// IncRequest increments the per-method/status request counter.
func (m *Metrics) IncRequest(method, statusCode string) {
	m.promRequests.WithLabelValues(method, statusCode).Inc()
}

// IncAllowed increments the rate-limit admitted counter.
func (m *Metrics) IncAllowed() {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
}

// IncLimited increments the rate-limited counter.
func (m *Metrics) IncLimited() {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.Inc()
}

// IncUnauthorized increments the rejected-API-key counter.
func (m *Metrics) IncUnauthorized() {
	atomic.AddInt64(&m.unauthorized, 1)
	m.promUnauthorized.Inc()
}

// IncRedisErrors increments the Redis error counter.
func (m *Metrics) IncRedisErrors() {
	atomic.AddInt64(&m.redisErrors, 1)
	m.promRedisErrors.Inc()
}

// IncFallbackUsed increments the in-memory fallback usage counter.
func (m *Metrics) IncFallbackUsed() {
	atomic.AddInt64(&m.fallbackUsed, 1)
	m.promFallback.Inc()
}

// IncCacheHit increments the edge cache hit counter.
func (m *Metrics) IncCacheHit() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
}

// IncCacheMiss increments the edge cache miss counter.
func (m *Metrics) IncCacheMiss() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCacheMisses.Inc()
}

// IncCacheWrite increments the completed deferred-write counter.
func (m *Metrics) IncCacheWrite() {
	m.promCacheWrites.Inc()
}

// IncCacheWriteDropped increments the dropped deferred-write counter.
func (m *Metrics) IncCacheWriteDropped() {
	m.promCacheWriteDropped.Inc()
}

// IncBreakerOpen increments the breaker short-circuit counter.
func (m *Metrics) IncBreakerOpen() {
	atomic.AddInt64(&m.breakerOpens, 1)
	m.promBreakerOpens.Inc()
}

// SetBreakerState records the current breaker state (0=closed, 1=open).
func (m *Metrics) SetBreakerState(open bool) {
	if open {
		m.promBreakerState.Set(1)
	} else {
		m.promBreakerState.Set(0)
	}
}

// IncUpstreamFailure increments the upstream failure counter for a reason
// ("timeout", "network", "status").
func (m *Metrics) IncUpstreamFailure(reason string) {
	atomic.AddInt64(&m.upstreamFails, 1)
	m.promUpstreamFails.WithLabelValues(reason).Inc()
}

// IncFlagLookup increments the flag store lookup counter.
func (m *Metrics) IncFlagLookup() {
	m.promFlagLookups.Inc()
}

// IncFlagError increments the flag lookup error counter.
func (m *Metrics) IncFlagError() {
	atomic.AddInt64(&m.flagErrors, 1)
	m.promFlagErrors.Inc()
}

// IncEventsEmitted increments the enqueued request-event counter.
func (m *Metrics) IncEventsEmitted() {
	m.promEventsEmitted.Inc()
}

// IncEventsDropped increments the dropped request-event counter.
func (m *Metrics) IncEventsDropped() {
	m.promEventsDropped.Inc()
}

// IncEventsSendFailure increments the lost-batch counter.
func (m *Metrics) IncEventsSendFailure() {
	m.PromEventsSendFailures.Inc()
}

// IncOriginRequest increments the per-origin forwarded-request counter.
// Origins are a bounded set (default/us/eu/canary), so a label is safe.
func (m *Metrics) IncOriginRequest(origin string) {
	m.promOriginRequests.WithLabelValues(origin).Inc()
}

// ObserveRemaining records remaining quota as a histogram observation.
// This provides distribution visibility without per-key cardinality.
func (m *Metrics) ObserveRemaining(remaining int64) {
	m.PromRLRemaining.Observe(float64(remaining))
}

// MetricsSnapshot holds a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Allowed          int64
	Limited          int64
	Unauthorized     int64
	RedisErrors      int64
	FallbackUsed     int64
	CacheHits        int64
	CacheMisses      int64
	BreakerOpens     int64
	UpstreamFailures int64
	FlagErrors       int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:          atomic.LoadInt64(&m.allowed),
		Limited:          atomic.LoadInt64(&m.limited),
		Unauthorized:     atomic.LoadInt64(&m.unauthorized),
		RedisErrors:      atomic.LoadInt64(&m.redisErrors),
		FallbackUsed:     atomic.LoadInt64(&m.fallbackUsed),
		CacheHits:        atomic.LoadInt64(&m.cacheHits),
		CacheMisses:      atomic.LoadInt64(&m.cacheMisses),
		BreakerOpens:     atomic.LoadInt64(&m.breakerOpens),
		UpstreamFailures: atomic.LoadInt64(&m.upstreamFails),
		FlagErrors:       atomic.LoadInt64(&m.flagErrors),
	}
}
