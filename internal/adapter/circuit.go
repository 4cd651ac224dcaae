package adapter

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitConfig holds the breaker tunables. Both values are
// configuration-driven; the defaults match resilience.failure_threshold and
// resilience.open_duration.
type CircuitConfig struct {
	FailureThreshold int
	OpenDuration     time.Duration
}

// DefaultCircuitConfig returns the default breaker tunables.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
	}
}

// CircuitBreaker is the per-provider fault isolator. It opens after
// FailureThreshold consecutive failures, stays open for OpenDuration, then
// allows exactly one half-open probe. A probe success closes the circuit,
// a probe failure reopens it.
//
// One instance lives per provider for the process lifetime; it is the only
// adapter state shared across concurrent requests.
type CircuitBreaker struct {
	mu            sync.Mutex
	provider      string
	cfg           CircuitConfig
	state         CircuitState
	failures      int
	lastFailure   time.Time
	probeInFlight bool
	onTransition  func(provider string, from, to CircuitState)
}

// NewCircuitBreaker creates a closed breaker for one provider.
func NewCircuitBreaker(provider string, cfg CircuitConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultCircuitConfig().FailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultCircuitConfig().OpenDuration
	}
	return &CircuitBreaker{provider: provider, cfg: cfg, state: CircuitClosed}
}

// OnTransition registers a callback invoked (outside the lock) on every
// state change. Used for metrics and logging.
func (cb *CircuitBreaker) OnTransition(fn func(provider string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.onTransition = fn
	cb.mu.Unlock()
}

// Allow reports whether a call may proceed. While open it fails fast until
// OpenDuration has elapsed, then admits a single probe and rejects
// everything else until that probe resolves.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()

	switch cb.state {
	case CircuitClosed:
		cb.mu.Unlock()
		return true

	case CircuitOpen:
		if time.Since(cb.lastFailure) >= cb.cfg.OpenDuration {
			transition := cb.transitionLocked(CircuitHalfOpen)
			cb.probeInFlight = true
			cb.mu.Unlock()
			transition()
			return true
		}
		cb.mu.Unlock()
		return false

	case CircuitHalfOpen:
		if cb.probeInFlight {
			cb.mu.Unlock()
			return false
		}
		cb.probeInFlight = true
		cb.mu.Unlock()
		return true
	}

	cb.mu.Unlock()
	return false
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.failures = 0
	transition := func() {}
	if cb.state == CircuitHalfOpen {
		cb.probeInFlight = false
		transition = cb.transitionLocked(CircuitClosed)
	}
	cb.mu.Unlock()
	transition()
}

// RecordFailure records a failed call and opens the circuit when the
// consecutive-failure threshold is reached. Retries count individually.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failures++
	cb.lastFailure = time.Now()
	transition := func() {}
	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			transition = cb.transitionLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.probeInFlight = false
		transition = cb.transitionLocked(CircuitOpen)
	}
	cb.mu.Unlock()
	transition()
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// transitionLocked changes state and returns the listener notification to
// run after the lock is released.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) func() {
	from := cb.state
	cb.state = to
	if to == CircuitClosed {
		cb.failures = 0
	}
	fn := cb.onTransition
	if fn == nil || from == to {
		return func() {}
	}
	return func() { fn(cb.provider, from, to) }
}
