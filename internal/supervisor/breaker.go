package supervisor

import (
	"sync"
	"time"

	"github.com/beamcode/beamcode/pkg/types"
)

// BreakerConfig configures a sliding-window circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	WindowMs         int64
	RecoveryTimeMs   int64
	SuccessThreshold int
}

// DefaultBreakerConfig returns the standard breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		WindowMs:         60_000,
		RecoveryTimeMs:   30_000,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker is a sliding-window breaker. Failures inside the window
// open it; after the recovery time one trial is admitted (half_open); enough
// successes close it again.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu            sync.Mutex
	state         types.BreakerState
	failures      []time.Time
	openedAt      time.Time
	successCount  int
	trialInFlight bool
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultBreakerConfig()
	}
	return &CircuitBreaker{
		cfg:   cfg,
		now:   time.Now,
		state: types.BreakerClosed,
	}
}

// Allow reports whether an attempt may proceed. An open breaker whose
// recovery time elapsed transitions to half_open and admits one trial.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.slideWindow()

	switch cb.state {
	case types.BreakerClosed:
		return true
	case types.BreakerOpen:
		if cb.now().Sub(cb.openedAt) >= time.Duration(cb.cfg.RecoveryTimeMs)*time.Millisecond {
			cb.state = types.BreakerHalfOpen
			cb.successCount = 0
			cb.trialInFlight = true
			return true
		}
		return false
	case types.BreakerHalfOpen:
		// One trial at a time; the trial's outcome moves the state.
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	}
	return false
}

// RecordFailure registers a failed attempt.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == types.BreakerHalfOpen {
		cb.state = types.BreakerOpen
		cb.openedAt = cb.now()
		cb.successCount = 0
		cb.trialInFlight = false
		return
	}

	cb.failures = append(cb.failures, cb.now())
	cb.slideWindow()

	if len(cb.failures) >= cb.cfg.FailureThreshold {
		cb.state = types.BreakerOpen
		cb.openedAt = cb.now()
	}
}

// RecordSuccess registers a successful attempt.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != types.BreakerHalfOpen {
		return
	}

	cb.trialInFlight = false
	cb.successCount++
	if cb.successCount >= cb.cfg.SuccessThreshold {
		cb.state = types.BreakerClosed
		cb.failures = nil
		cb.successCount = 0
	}
}

// slideWindow drops failures older than the window. Caller holds the lock.
func (cb *CircuitBreaker) slideWindow() {
	cutoff := cb.now().Add(-time.Duration(cb.cfg.WindowMs) * time.Millisecond)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}

// State returns the current breaker position.
func (cb *CircuitBreaker) State() types.BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.slideWindow()
	return cb.state
}

// Snapshot returns the externally visible breaker state.
func (cb *CircuitBreaker) Snapshot() *types.CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.slideWindow()

	snap := &types.CircuitBreakerState{
		State:            cb.state,
		FailureCount:     len(cb.failures),
		WindowMs:         cb.cfg.WindowMs,
		RecoveryTimeMs:   cb.cfg.RecoveryTimeMs,
		SuccessThreshold: cb.cfg.SuccessThreshold,
		FailureThreshold: cb.cfg.FailureThreshold,
	}
	if cb.state == types.BreakerOpen {
		remaining := time.Duration(cb.cfg.RecoveryTimeMs)*time.Millisecond - cb.now().Sub(cb.openedAt)
		if remaining > 0 {
			snap.RecoveryTimeRemainingMs = remaining.Milliseconds()
		}
	}
	return snap
}
