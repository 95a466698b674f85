package txsubmit

import (
	"sync"
	"time"

	"github.com/goldgoose/tx-submit-node/metrics"
	"go.uber.org/zap"
)

const (
	DefaultFailureThreshold = 3
	DefaultResetTimeout     = 60 * time.Second
)

// BreakerState is the per-provider circuit state. There is no explicit
// half-open state: once the reset timeout elapses the next call is the probe.
type BreakerState uint8

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
)

func (s BreakerState) String() string {
	if s == BreakerOpen {
		return "open"
	}
	return "closed"
}

type breakerEntry struct {
	mu                  sync.Mutex
	consecutiveFailures int
	state               BreakerState
	openedAt            time.Time
}

// BreakerRegistry holds one circuit breaker per provider. It is the only
// mutable state shared across concurrent submission calls; locking is one
// mutex per provider entry so unrelated providers never contend.
type BreakerRegistry struct {
	log              *zap.Logger
	failureThreshold int
	resetTimeout     time.Duration
	now              func() time.Time

	mu      sync.RWMutex
	entries map[string]*breakerEntry
}

func NewBreakerRegistry(log *zap.Logger, failureThreshold int, resetTimeout time.Duration) *BreakerRegistry {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	return &BreakerRegistry{
		log:              log.Named("breaker"),
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		entries:          make(map[string]*breakerEntry),
	}
}

func (r *BreakerRegistry) entry(provider string) *breakerEntry {
	r.mu.RLock()
	e, ok := r.entries[provider]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[provider]; ok {
		return e
	}
	e = &breakerEntry{}
	r.entries[provider] = e
	return e
}

// IsEligible reports whether the provider may receive traffic. An open
// breaker whose reset timeout has elapsed is optimistically closed here, so
// the caller's next attempt acts as the probe.
func (r *BreakerRegistry) IsEligible(provider string) bool {
	e := r.entry(provider)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == BreakerClosed {
		return true
	}
	if r.now().Sub(e.openedAt) >= r.resetTimeout {
		e.state = BreakerClosed
		e.consecutiveFailures = 0
		r.log.Info("Breaker reset after cooldown", zap.String("provider", provider))
		metrics.IncBreakerClosed(provider)
		return true
	}
	return false
}

// RecordSuccess resets the failure count and force-closes the breaker.
func (r *BreakerRegistry) RecordSuccess(provider string) {
	e := r.entry(provider)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == BreakerOpen {
		r.log.Info("Breaker closed on success", zap.String("provider", provider))
		metrics.IncBreakerClosed(provider)
	}
	e.state = BreakerClosed
	e.consecutiveFailures = 0
}

// RecordFailure increments the consecutive failure count and opens the
// breaker once the threshold is reached.
func (r *BreakerRegistry) RecordFailure(provider string) {
	e := r.entry(provider)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecutiveFailures++
	if e.state == BreakerClosed && e.consecutiveFailures >= r.failureThreshold {
		e.state = BreakerOpen
		e.openedAt = r.now()
		r.log.Warn("Breaker opened",
			zap.String("provider", provider),
			zap.Int("consecutive_failures", e.consecutiveFailures))
		metrics.IncBreakerOpened(provider)
	}
}

// State returns a snapshot of the provider's breaker, for logs and tests.
func (r *BreakerRegistry) State(provider string) (BreakerState, int) {
	e := r.entry(provider)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.consecutiveFailures
}
