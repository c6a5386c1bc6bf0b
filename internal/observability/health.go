package observability

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// deepPingTimeout bounds the Redis probe on deep readiness checks.
const deepPingTimeout = 2 * time.Second

// Probe bodies are pre-serialized so the handlers never hit an encoding error.
var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
	jsonDeepOK     = []byte(`{"status":"ready","redis":"ok"}`)
	jsonDeepFail   = []byte(`{"status":"not_ready","redis":"unreachable"}`)
)

// Pinger is implemented by any type that can check connectivity (e.g. Redis client).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker backs the gateway's startup, liveness, and readiness probes.
// It starts in the not-started, not-ready state.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu          sync.RWMutex
	redisPinger Pinger // nil when the gateway runs without Redis
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// SetStarted marks startup as complete. Kubernetes startup probes gate
// liveness and readiness probing on this.
func (h *HealthChecker) SetStarted() { h.started.Store(true) }

func (h *HealthChecker) IsStarted() bool { return h.started.Load() }

// SetReady marks the gateway as ready to receive traffic.
func (h *HealthChecker) SetReady() { h.ready.Store(true) }

// SetNotReady flips readiness off, typically at the start of a drain.
func (h *HealthChecker) SetNotReady() { h.ready.Store(false) }

func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// SetRedisPinger registers a Redis client for deep readiness checks. Pass nil
// to clear it, e.g. while the connection is being rebuilt.
func (h *HealthChecker) SetRedisPinger(p Pinger) {
	h.mu.Lock()
	h.redisPinger = p
	h.mu.Unlock()
}

func (h *HealthChecker) pinger() Pinger {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.redisPinger
}

func writeProbe(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// StartzHandler returns 200 once startup has completed, 503 before that.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if h.IsStarted() {
			writeProbe(w, http.StatusOK, jsonStarted)
			return
		}
		writeProbe(w, http.StatusServiceUnavailable, jsonNotStarted)
	}
}

// HealthzHandler returns 200 whenever the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, jsonAlive)
	}
}

// ReadyzHandler returns 200 if the gateway is ready, 503 otherwise. With
// `?deep=true` and a registered pinger it additionally PINGs Redis and
// reports 503 when the store is unreachable.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeProbe(w, http.StatusServiceUnavailable, jsonNotReady)
			return
		}

		if r.URL.Query().Get("deep") != "true" {
			writeProbe(w, http.StatusOK, jsonReady)
			return
		}

		if p := h.pinger(); p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), deepPingTimeout)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				writeProbe(w, http.StatusServiceUnavailable, jsonDeepFail)
				return
			}
		}
		writeProbe(w, http.StatusOK, jsonDeepOK)
	}
}
