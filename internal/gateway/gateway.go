// Package gateway implements the request dispatch pipeline for EdgeGate.
// Every request flows through: health short-circuit → API key check → rate
// limit → feature flag lookup → origin routing → circuit breaker → response
// cache (GET) → origin fetch → response decoration → logging.
package gateway

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/edgegate/edgegate/internal/breaker"
	"github.com/edgegate/edgegate/internal/cache"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/events"
	"github.com/edgegate/edgegate/internal/flags"
	"github.com/edgegate/edgegate/internal/geo"
	"github.com/edgegate/edgegate/internal/observability"
	"github.com/edgegate/edgegate/internal/ratelimit"
	"github.com/edgegate/edgegate/internal/redis"
	"github.com/edgegate/edgegate/internal/router"
	"github.com/edgegate/edgegate/internal/upstream"
)

var tracer = otel.Tracer("edgegate.gateway")

// apiKeyHeader carries the shared gateway secret, in canonical form.
const apiKeyHeader = "X-Api-Key"

// featureMarkerHeader is added to forwarded requests when the feature flag
// is enabled.
const featureMarkerHeader = "X-Feature-New-Pricing"

const (
	cacheStatusHeader = "X-Cache"
	originHeader      = "X-Edge-Origin"
	canaryHeader      = "X-Canary"
	countryHeader     = "X-Geo-Country"
	durationHeader    = "X-Edge-Duration-Ms"
)

// cryptoRandFloat64 returns a cryptographically random float64 in [0, 1).
func cryptoRandFloat64() float64 {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

// Default recovery backoff configuration.
var (
	defaultRecoveryBackoffBase = time.Second
	defaultRecoveryBackoffMax  = 30 * time.Second

	defaultBackoffJitter = func(d time.Duration) time.Duration {
		factor := 0.8 + cryptoRandFloat64()*0.4
		return time.Duration(float64(d) * factor)
	}
)

// Failure policy constants — re-exported from config for local readability.
const (
	policyPassthrough      = config.FailurePolicyPassThrough
	policyFailClosed       = config.FailurePolicyFailClosed
	policyInMemoryFallback = config.FailurePolicyInMemoryFallback
)

// Gateway is the main request handler. It owns the rate limiter, feature
// flag cache, origin router, circuit breaker, response cache, and origin
// fetch client, and sequences them per request.
type Gateway struct {
	cfg     atomic.Pointer[config.Config] // atomic: read by recoveryLoop without lock, written by Reload under mu
	logger  *slog.Logger
	metrics *observability.Metrics

	// router and flagCache are accessed from the hot path (ServeHTTP)
	// without holding mu, and swapped atomically during Reload.
	router    atomic.Pointer[router.Router]
	flagCache atomic.Pointer[flags.Cache]

	breaker  *breaker.Breaker
	upstream *upstream.Client
	store    *cache.Store
	writer   *cache.Writer
	emitter  *events.Emitter

	mu             sync.RWMutex
	limiter        *ratelimit.Limiter
	redisUnhealthy bool

	fallback *ratelimit.InMemoryLimiter

	// redisClient is the shared connection used by the flag store and the
	// response cache. The rate limiter holds its own reference so it can be
	// swapped independently during recovery.
	redisClient redis.Client

	limit         int64
	window        time.Duration
	shards        int
	prefix        string
	failurePolicy config.FailurePolicy
	failureCode   int

	flagName string

	ctx          context.Context
	cancel       context.CancelFunc
	reconnectMu  sync.Mutex
	reconnecting bool

	// Per-instance backoff config for the recovery loop. Copied from
	// package-level defaults at construction; tests override these on
	// individual Gateway instances to avoid data races with goroutines
	// from other tests reading the same values.
	recoveryBackoffBase time.Duration
	recoveryBackoffMax  time.Duration
	backoffJitter       func(time.Duration) time.Duration
}

// Option configures optional Gateway behavior. Used in tests to override
// defaults before any background goroutines are started.
type Option func(*Gateway)

// WithRecoveryBackoff overrides the recovery loop backoff parameters.
// This is intended for testing; production callers should use the defaults.
func WithRecoveryBackoff(base, maxBackoff time.Duration, jitter func(time.Duration) time.Duration) Option {
	return func(g *Gateway) {
		g.recoveryBackoffBase = base
		g.recoveryBackoffMax = maxBackoff
		g.backoffJitter = jitter
	}
}

// rateLimitParams holds parsed rate limit configuration.
type rateLimitParams struct {
	limit         int64
	window        time.Duration
	shards        int
	prefix        string
	failurePolicy config.FailurePolicy
	failureCode   int
}

// parseRateLimitParams normalizes the rate limit configuration.
func parseRateLimitParams(cfg *config.RateLimitConfig) rateLimitParams {
	fp := cfg.FailurePolicy
	if fp == "" {
		fp = policyPassthrough
	}

	fc := cfg.FailureCode
	if fc == 0 {
		fc = http.StatusTooManyRequests
	}

	window, _ := config.ParseDuration(cfg.Window, time.Minute)

	limit := cfg.Limit
	if limit <= 0 {
		limit = 100
	}

	shards := cfg.Shards
	if shards < 1 {
		shards = 1
	}

	prefix := "rl:"
	if cfg.KeyPrefix != "" {
		prefix = cfg.KeyPrefix
	}

	return rateLimitParams{
		limit:         limit,
		window:        window,
		shards:        shards,
		prefix:        prefix,
		failurePolicy: fp,
		failureCode:   fc,
	}
}

// New creates the gateway pipeline from the given config.
func New(
	parentCtx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	metrics *observability.Metrics,
	opts ...Option,
) (*Gateway, error) {
	ctx, cancel := context.WithCancel(parentCtx)

	p := parseRateLimitParams(&cfg.RateLimit)
	cooldown, _ := config.ParseDuration(cfg.Breaker.Cooldown, 10*time.Second)
	cacheTTL, _ := config.ParseDuration(cfg.Cache.TTL, 30*time.Second)
	flagTTL, _ := config.ParseDuration(cfg.Flags.TTL, 30*time.Second)

	g := &Gateway{
		logger:              logger,
		metrics:             metrics,
		breaker:             breaker.New(cfg.Breaker.Threshold, cooldown),
		upstream:            upstream.New(cfg.Upstream),
		fallback:            ratelimit.NewInMemoryLimiter(p.limit, p.window),
		limit:               p.limit,
		window:              p.window,
		shards:              p.shards,
		prefix:              p.prefix,
		failurePolicy:       p.failurePolicy,
		failureCode:         p.failureCode,
		flagName:            cfg.Flags.Name,
		ctx:                 ctx,
		cancel:              cancel,
		recoveryBackoffBase: defaultRecoveryBackoffBase,
		recoveryBackoffMax:  defaultRecoveryBackoffMax,
		backoffJitter:       defaultBackoffJitter,
	}
	for _, o := range opts {
		o(g)
	}
	g.cfg.Store(cfg)
	g.router.Store(router.New(cfg.Origins))
	g.emitter = events.NewEmitter(cfg.Events, logger, metrics)

	if err := g.initRedis(cfg, logger, p); err != nil {
		cancel()
		return nil, err
	}

	backing := g.redisClient
	g.flagCache.Store(flags.NewCache(flags.NewRedisStore(backing, cfg.Flags.KeyPrefix), flagTTL))

	g.store = cache.NewStore(backing, cacheTTL,
		cache.WithMaxBodySize(cfg.Cache.MaxBodyBytes),
		cache.WithKeyPrefix(cfg.Cache.KeyPrefix),
		cache.WithLogger(logger))
	g.store.OnHit = metrics.IncCacheHit
	g.store.OnMiss = metrics.IncCacheMiss
	g.writer = cache.NewWriter(g.store, cfg.Cache.WriterQueue, logger)
	g.writer.OnWrite = metrics.IncCacheWrite
	g.writer.OnDropped = metrics.IncCacheWriteDropped

	logger.Info("gateway ready",
		"limit", p.limit, "window", p.window, "shards", p.shards,
		"policy", p.failurePolicy, "canary_ratio", cfg.Origins.CanaryRatio)

	return g, nil
}

func (g *Gateway) initRedis(cfg *config.Config, logger *slog.Logger, p rateLimitParams) error {
	client, redisErr := redis.NewClient(cfg.Redis)
	if redisErr != nil {
		return g.handleRedisStartupFailure(redisErr, p.failurePolicy, logger)
	}

	g.redisClient = client
	g.limiter = ratelimit.NewLimiter(client, p.limit, p.window, p.shards, p.prefix, logger)
	return nil
}

func (g *Gateway) handleRedisStartupFailure(err error, fp config.FailurePolicy, logger *slog.Logger) error {
	switch fp {
	case policyPassthrough, policyInMemoryFallback:
		logger.Warn("redis unavailable at startup, operating in fallback mode",
			"error", err, "policy", fp)
		// Flag lookups and cache reads degrade to disabled/miss until the
		// connection recovers; the store still needs a client handle.
		g.redisClient, _ = redis.NewClientWithoutPing(g.cfg.Load().Redis)
		g.startRecoveryIfNeeded()
		return nil
	default:
		return fmt.Errorf("redis connection failed: %w", err)
	}
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that check for
// underlying interfaces (http.Hijacker, http.Flusher, etc.).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// requestContext carries per-request state through the pipeline stages.
type requestContext struct {
	traceID string
	geo     geo.Info
	start   time.Time

	route        router.Route
	canonicalURL string
	cacheStatus  string
}

// ServeHTTP processes the request through the full dispatch pipeline. It
// always produces a response; panics in any stage are converted to a 500.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	traceID := resolveTraceID(r.Header.Get(traceIDHeader))
	sw.Header().Set(traceIDHeader, traceID)

	rc := &requestContext{
		traceID: traceID,
		geo:     geo.FromRequest(r),
		start:   start,
	}

	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("panic in request pipeline",
				"panic", rec, "trace_id", traceID, "path", r.URL.Path,
				"stack", string(debug.Stack()))
			if !sw.written {
				writeJSONError(sw, http.StatusInternalServerError, "internal_error", "Internal Server Error", 0)
			}
			g.finish(sw, r, rc, "internal_error")
		}

		g.metrics.IncRequest(r.Method, strconv.Itoa(sw.code))
		g.metrics.PromRequestDuration.WithLabelValues(
			r.Method,
			strconv.Itoa(sw.code),
		).Observe(time.Since(start).Seconds())
		sw.ResponseWriter = nil // prevent dangling reference
		statusWriterPool.Put(sw)
	}()

	cfg := g.cfg.Load()

	if cfg.Gateway.HealthPath != "" && r.URL.Path == cfg.Gateway.HealthPath {
		g.serveHealth(sw, rc, cfg)
		return
	}

	key := []byte(cfg.Gateway.APIKey.Value())
	if len(key) == 0 || subtle.ConstantTimeCompare([]byte(r.Header.Get(apiKeyHeader)), key) != 1 {
		g.metrics.IncUnauthorized()
		writeJSONError(sw, http.StatusUnauthorized, "unauthorized", "Unauthorized", 0)
		g.finish(sw, r, rc, "unauthorized")
		return
	}

	if g.checkRateLimit(sw, r, rc, geo.ClientAddr(r)) {
		return
	}

	g.dispatch(sw, r, rc)
}

// serveHealth returns the static liveness document. No auth, no rate limit,
// no pipeline.
func (g *Gateway) serveHealth(w http.ResponseWriter, rc *requestContext, cfg *config.Config) {
	doc := map[string]any{
		"ok":      true,
		"service": cfg.Gateway.ServiceName,
		"ts":      time.Now().UTC().Format(time.RFC3339),
		"country": rc.geo.Country,
		"colo":    rc.geo.Colo,
	}
	body, _ := json.Marshal(doc)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// checkRateLimit enforces the fixed-window limit for key. Returns true when
// the request was denied (response already written); false means the caller
// should continue the pipeline.
func (g *Gateway) checkRateLimit(sw *statusWriter, r *http.Request, rc *requestContext, key string) (denied bool) {
	g.mu.RLock()
	lim := g.limiter
	g.mu.RUnlock()

	if lim != nil {
		result, limErr := lim.Allow(r.Context(), key)
		if limErr == nil {
			setRateLimitHeaders(sw, result)
			g.metrics.ObserveRemaining(result.Remaining)
			if !result.Allowed {
				g.metrics.IncLimited()
				g.serveRateLimited(sw, result)
				g.finish(sw, r, rc, "rate_limited")
				return true
			}
			g.metrics.IncAllowed()
			return false
		}
		g.handleLimiterError(limErr)
	}

	return g.applyFailurePolicy(sw, r, rc, key)
}

func (g *Gateway) handleLimiterError(limErr error) {
	g.metrics.IncRedisErrors()

	if redis.IsConnectivityErr(limErr) {
		g.mu.Lock()
		old := g.swapLimiterLocked(nil)
		shouldLog := g.markUnhealthyLocked()
		g.mu.Unlock()

		// The startup limiter shares its connection with the flag store and
		// response cache; those heal through go-redis reconnects, so only a
		// client owned exclusively by the limiter is closed here.
		if old != nil && old != g.redisClient {
			_ = old.Close()
		}

		if shouldLog {
			g.logger.Warn("redis became unhealthy, applying failure policy",
				"error", limErr, "policy", g.failurePolicy)
		}
		g.startRecoveryIfNeeded()
	}
}

// applyFailurePolicy decides what to do with a request when the window store
// is unavailable. Returns true when the request was denied.
func (g *Gateway) applyFailurePolicy(sw *statusWriter, r *http.Request, rc *requestContext, key string) (denied bool) {
	switch g.failurePolicy {
	case policyFailClosed:
		g.metrics.IncLimited()
		writeJSONError(sw, g.failureCode, "service_unavailable", http.StatusText(g.failureCode), 0)
		g.finish(sw, r, rc, "service_unavailable")
		return true

	case policyInMemoryFallback:
		g.metrics.IncFallbackUsed()
		if g.fallback.Allow(key) {
			g.metrics.IncAllowed()
			return false
		}
		g.metrics.IncLimited()
		g.serveRateLimited(sw, &ratelimit.Result{RetryAfter: g.window, Limit: g.limit})
		g.finish(sw, r, rc, "rate_limited")
		return true

	default: // passthrough
		g.metrics.IncAllowed()
		return false
	}
}

// setRateLimitHeaders writes standard rate-limit headers to every response.
// See https://datatracker.ietf.org/doc/draft-ietf-httpapi-ratelimit-headers/
func setRateLimitHeaders(w http.ResponseWriter, result *ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))

	resetSeconds := int64(math.Ceil(result.ResetAfter.Seconds()))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetSeconds, 10))
}

func (g *Gateway) serveRateLimited(w http.ResponseWriter, result *ratelimit.Result) {
	// Apply +/-10% jitter to retry timing to prevent thundering herd and
	// avoid leaking precise window rollover timing.
	jitterFactor := 0.9 + cryptoRandFloat64()*0.2 // [0.9, 1.1)
	retryDuration := time.Duration(float64(result.RetryAfter) * jitterFactor)
	retrySeconds := math.Ceil(retryDuration.Seconds())
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retrySeconds))
	writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "Too Many Requests", retrySeconds)
}

// dispatch runs the post-admission stages: flag lookup, routing, breaker,
// cache, origin fetch, decoration, and logging.
func (g *Gateway) dispatch(sw *statusWriter, r *http.Request, rc *requestContext) {
	ctx, span := tracer.Start(r.Context(), "edgegate.dispatch")
	defer span.End()
	r = r.WithContext(ctx)

	// A failing flag lookup means the flag is disabled, not a failed request.
	featureEnabled, flagErr := g.flagCache.Load().Enabled(ctx, g.flagName)
	g.metrics.IncFlagLookup()
	if flagErr != nil {
		g.metrics.IncFlagError()
		g.logger.Warn("flag lookup failed, treating as disabled",
			"flag", g.flagName, "error", flagErr, "trace_id", rc.traceID)
		featureEnabled = false
	}

	rt := g.router.Load()
	rc.route = rt.Select(rc.geo.Country)
	canonicalURL, rwErr := rt.Rewrite(rc.route, r.URL)
	if rwErr != nil {
		g.logger.Error("origin rewrite failed",
			"origin", rc.route.Name, "error", rwErr, "trace_id", rc.traceID)
		writeJSONError(sw, http.StatusInternalServerError, "internal_error", "Internal Server Error", 0)
		g.finish(sw, r, rc, "internal_error")
		return
	}
	rc.canonicalURL = canonicalURL
	g.metrics.IncOriginRequest(rc.route.Name)

	span.SetAttributes(
		attribute.String("edge.origin", rc.route.Name),
		attribute.Bool("edge.canary", rc.route.IsCanary()),
		attribute.String("edge.country", rc.geo.Country),
	)

	g.logger.Info("request admitted",
		"trace_id", rc.traceID, "method", r.Method, "path", r.URL.Path,
		"country", rc.geo.Country, "origin", rc.route.Name,
		"canary", rc.route.IsCanary())

	if !g.breaker.Allow() {
		g.metrics.IncBreakerOpen()
		g.metrics.SetBreakerState(true)
		g.logger.Warn("circuit breaker open, refusing upstream call",
			"trace_id", rc.traceID, "failures", g.breaker.Failures())
		writeJSONError(sw, http.StatusServiceUnavailable, "breaker_open", "Service Unavailable", 0)
		g.finish(sw, r, rc, "breaker_open")
		return
	}

	if r.Method == http.MethodGet {
		if entry, ok := g.store.Get(ctx, canonicalURL); ok {
			rc.cacheStatus = "HIT"
			g.serveCached(sw, rc, entry)
			g.finish(sw, r, rc, "")
			return
		}
		rc.cacheStatus = "MISS"
	}

	g.fetchAndServe(sw, r, rc, featureEnabled)
}

// serveCached replays a stored response with fresh per-request decorations.
func (g *Gateway) serveCached(sw *statusWriter, rc *requestContext, entry *cache.Entry) {
	copyResponseHeaders(sw.Header(), entry.Headers)
	sw.Header().Set(cacheStatusHeader, "HIT")
	g.decorate(sw, rc)
	sw.WriteHeader(entry.StatusCode)
	_, _ = sw.Write(entry.Body)
}

// fetchAndServe performs the origin call and writes the response. Exactly
// one breaker mutation happens per fetch: a failure increment or a success
// reset.
func (g *Gateway) fetchAndServe(sw *statusWriter, r *http.Request, rc *requestContext, featureEnabled bool) {
	header := forwardHeaders(r)
	header.Set(traceIDHeader, rc.traceID)
	if featureEnabled {
		header.Set(featureMarkerHeader, "1")
	}

	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		var readErr error
		body, readErr = io.ReadAll(r.Body)
		if readErr != nil {
			writeJSONError(sw, http.StatusBadRequest, "bad_request", "could not read request body", 0)
			g.finish(sw, r, rc, "bad_request")
			return
		}
	}

	fetchStart := time.Now()
	resp, err := g.upstream.Do(r.Context(), &upstream.Request{
		Method:     r.Method,
		URL:        rc.canonicalURL,
		Header:     header,
		Body:       body,
		ProtoMajor: r.ProtoMajor,
	})
	g.metrics.PromUpstreamDuration.WithLabelValues(rc.route.Name).Observe(time.Since(fetchStart).Seconds())

	if reason := upstream.Classify(err); reason == upstream.ReasonTimeout || reason == upstream.ReasonNetwork {
		g.breaker.RecordFailure()
		g.metrics.SetBreakerState(g.breaker.State() == breaker.StateOpen)
		g.metrics.IncUpstreamFailure(string(reason))
		g.logger.Error("origin fetch failed",
			"trace_id", rc.traceID, "origin", rc.route.Name,
			"reason", reason, "error", err,
			"failures", g.breaker.Failures())
		writeJSONError(sw, http.StatusGatewayTimeout, "upstream_"+string(reason), "Gateway Timeout", 0)
		g.finish(sw, r, rc, "upstream_"+string(reason))
		return
	}

	// A response arrived, even a 5xx one: the origin is reachable.
	g.breaker.RecordSuccess()
	g.metrics.SetBreakerState(false)
	if resp.StatusCode >= http.StatusInternalServerError {
		g.metrics.IncUpstreamFailure("status")
	}

	copyResponseHeaders(sw.Header(), resp.Header)
	if r.Method == http.MethodGet {
		sw.Header().Set(cacheStatusHeader, rc.cacheStatus)
		sw.Header().Set("Cache-Control",
			fmt.Sprintf("public, max-age=%d", int(g.store.TTL().Seconds())))
	}
	g.decorate(sw, rc)
	sw.WriteHeader(resp.StatusCode)
	_, _ = sw.Write(resp.Body)

	if g.store.Cacheable(r.Method, resp.StatusCode, len(resp.Body)) {
		headers := resp.Header.Clone()
		headers.Set("Cache-Control",
			fmt.Sprintf("public, max-age=%d", int(g.store.TTL().Seconds())))
		g.writer.Enqueue(rc.canonicalURL, &cache.Entry{
			StatusCode: resp.StatusCode,
			Headers:    headers,
			Body:       resp.Body,
			StoredAt:   time.Now(),
		})
	}

	g.finish(sw, r, rc, "")
}

// decorate writes the per-request observability headers.
func (g *Gateway) decorate(w http.ResponseWriter, rc *requestContext) {
	h := w.Header()
	h.Set(traceIDHeader, rc.traceID)
	h.Set(originHeader, rc.route.Base)
	h.Set(canaryHeader, strconv.FormatBool(rc.route.IsCanary()))
	h.Set(countryHeader, rc.geo.Country)
	h.Set(durationHeader, strconv.FormatInt(time.Since(rc.start).Milliseconds(), 10))
}

// finish emits the end-of-request log event and usage event.
func (g *Gateway) finish(sw *statusWriter, r *http.Request, rc *requestContext, reason string) {
	duration := time.Since(rc.start)

	attrs := []any{
		"trace_id", rc.traceID, "method", r.Method, "path", r.URL.Path,
		"status", sw.code, "origin", rc.route.Name,
		"canary", rc.route.IsCanary(), "country", rc.geo.Country,
		"cache", rc.cacheStatus, "duration_ms", duration.Milliseconds(),
	}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	g.logger.Info("request complete", attrs...)

	if g.emitter == nil {
		return
	}
	g.emitter.Emit(events.RequestEvent{
		TraceID:    rc.traceID,
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: sw.code,
		Origin:     rc.route.Name,
		Canary:     rc.route.IsCanary(),
		Country:    rc.geo.Country,
		DurationMS: duration.Milliseconds(),
		Cache:      rc.cacheStatus,
		Reason:     reason,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

// ---------------------------------------------------------------------------
// Recovery
// ---------------------------------------------------------------------------

func (g *Gateway) startRecoveryIfNeeded() {
	if g.ctx.Err() != nil {
		return
	}

	g.reconnectMu.Lock()
	if g.reconnecting {
		g.reconnectMu.Unlock()
		return
	}
	g.reconnecting = true
	g.reconnectMu.Unlock()

	go func() {
		g.recoveryLoop()
		g.reconnectMu.Lock()
		g.reconnecting = false
		g.reconnectMu.Unlock()
	}()
}

func (g *Gateway) recoveryLoop() {
	backoff := g.recoveryBackoffBase
	attempt := 0
	maxAttempts := g.cfg.Load().RateLimit.MaxRecoveryAttempts

	for {
		if g.ctx.Err() != nil {
			return
		}

		client, err := redis.NewClient(g.cfg.Load().Redis)
		if err != nil {
			attempt++
			if done := g.recoveryRetry(&backoff, attempt, maxAttempts, err); done {
				return
			}
			continue
		}

		if g.ctx.Err() != nil {
			_ = client.Close()
			return
		}

		g.recoveryInstall(client)
		return
	}
}

func (g *Gateway) recoveryRetry(backoff *time.Duration, attempt, maxAttempts int, err error) (done bool) {
	if maxAttempts > 0 && attempt >= maxAttempts {
		g.logger.Error("redis recovery exhausted max attempts, giving up",
			"attempts", attempt, "max", maxAttempts, "last_error", err)
		return true
	}

	sleep := g.backoffJitter(*backoff)

	if attempt <= 5 || attempt%10 == 0 {
		g.logger.Warn("redis recovery attempt failed",
			"attempt", attempt, "error", err, "next_in", sleep)
	}

	timer := time.NewTimer(sleep)
	select {
	case <-g.ctx.Done():
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		return true
	case <-timer.C:
	}

	*backoff = min(*backoff*2, g.recoveryBackoffMax)
	return false
}

func (g *Gateway) recoveryInstall(client redis.Client) {
	limiter := ratelimit.NewLimiter(client, g.limit, g.window, g.shards, g.prefix, g.logger)

	g.mu.Lock()
	old := g.swapLimiterLocked(limiter)
	g.redisUnhealthy = false
	g.mu.Unlock()

	if old != nil && old != g.redisClient {
		_ = old.Close()
	}

	g.logger.Info("redis connection recovered")
}

func (g *Gateway) swapLimiterLocked(newLim *ratelimit.Limiter) redis.Client {
	var old redis.Client
	if g.limiter != nil {
		old = g.limiter.Client()
	}
	g.limiter = newLim
	return old
}

func (g *Gateway) markUnhealthyLocked() bool {
	if g.redisUnhealthy {
		return false
	}
	g.redisUnhealthy = true
	return true
}

// redisPingerAdapter wraps a redis.Client to satisfy the observability.Pinger interface.
type redisPingerAdapter struct {
	client redis.Client
}

func (a *redisPingerAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// RedisPinger returns a Pinger that can probe the current Redis connection.
// Returns nil if no Redis limiter is installed. The pinger delegates to the
// underlying Redis client's Ping command. It's safe to call concurrently.
func (g *Gateway) RedisPinger() observability.Pinger {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.limiter == nil {
		return nil
	}
	return &redisPingerAdapter{client: g.limiter.Client()}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Reload hot-swaps rate-limit parameters, origin routing, flag cache TTL,
// and the events emitter from a new config. The Redis connection is kept.
func (g *Gateway) Reload(newCfg *config.Config) error {
	p := parseRateLimitParams(&newCfg.RateLimit)
	flagTTL, _ := config.ParseDuration(newCfg.Flags.TTL, 30*time.Second)

	g.router.Store(router.New(newCfg.Origins))

	g.mu.Lock()
	g.limit = p.limit
	g.window = p.window
	g.shards = p.shards
	g.prefix = p.prefix
	g.failurePolicy = p.failurePolicy
	g.failureCode = p.failureCode
	g.flagName = newCfg.Flags.Name
	g.cfg.Store(newCfg) // Atomic store — recoveryLoop reads g.cfg without the mutex.

	// Rebuild limiter with new params but same Redis client if available.
	if g.limiter != nil {
		oldLim := g.limiter
		g.limiter = ratelimit.NewLimiter(oldLim.Client(), p.limit, p.window, p.shards, p.prefix, g.logger)
	}

	// Rebuild fallback limiter with new parameters.
	oldFB := g.fallback
	g.fallback = ratelimit.NewInMemoryLimiter(p.limit, p.window)
	g.mu.Unlock()

	if oldFB != nil {
		oldFB.Close()
	}

	// Fresh flag cache: TTL or key prefix may have changed, and dropping the
	// cached entries forces a re-read against the store within one TTL.
	g.flagCache.Store(flags.NewCache(
		flags.NewRedisStore(g.redisClient, newCfg.Flags.KeyPrefix), flagTTL))

	// Recreate emitter if events config changed.
	oldEmitter := g.emitter
	g.emitter = events.NewEmitter(newCfg.Events, g.logger, g.metrics)
	if oldEmitter != nil {
		_ = oldEmitter.Close()
	}

	g.logger.Info("gateway reloaded",
		"limit", p.limit, "window", p.window, "shards", p.shards,
		"policy", p.failurePolicy, "canary_ratio", newCfg.Origins.CanaryRatio)

	return nil
}

// Close shuts down the gateway and releases all resources. The cache writer
// is drained before the Redis connection closes.
func (g *Gateway) Close() error {
	g.cancel()

	g.mu.Lock()
	old := g.swapLimiterLocked(nil)
	g.redisUnhealthy = true
	g.mu.Unlock()

	var firstErr error
	collect := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if g.writer != nil {
		g.writer.Close()
	}
	if g.emitter != nil {
		collect(g.emitter.Close())
	}
	if old != nil {
		collect(old.Close())
	}
	if g.redisClient != nil && g.redisClient != old {
		collect(g.redisClient.Close())
	}
	if g.fallback != nil {
		g.fallback.Close()
	}
	g.upstream.Close()

	return firstErr
}
