// Package breaker implements the circuit breaker that protects origins from
// cascading failures. The breaker opens after a run of consecutive upstream
// failures and short-circuits fetches while the cooldown since the most
// recent failure has not elapsed; once it has, the next request goes through
// as a probe (half-open by timeout, no explicit half-open state is stored).
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by callers that short-circuit on an open breaker.
var ErrOpen = errors.New("circuit breaker is open")

// State is the externally visible breaker state.
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// Breaker tracks consecutive upstream failures behind a single mutex.
// The open condition is evaluated on every check against the wall clock:
// failures >= threshold AND now - lastFailure < cooldown. A probe that
// fails refreshes lastFailure and re-opens the breaker for a full cooldown;
// a probe that succeeds resets the failure run.
type Breaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a closed breaker that opens after threshold consecutive
// failures and stays open for cooldown after the most recent failure.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a request may proceed to the origin.
// Returns false only while the breaker is open.
func (b *Breaker) Allow() bool {
	return b.State() == StateClosed
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures >= b.threshold && b.now().Sub(b.lastFailure) < b.cooldown {
		return StateOpen
	}
	return StateClosed
}

// RecordFailure counts a failed origin call and timestamps it.
// Call exactly once per failed fetch.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
}

// RecordSuccess resets the consecutive failure run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
