package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/choruslabs/chorus-gateway/internal/metrics"
	"github.com/choruslabs/chorus-gateway/internal/provider"
)

// Caller performs a single upstream generation call. *provider.Client is
// the production implementation; tests substitute stubs.
type Caller interface {
	Name() string
	ChatCompletion(ctx context.Context, model, prompt string) (*provider.Result, error)
}

// OutcomeRecorder receives the success/failure of every attempted call.
// The health manager is the production implementation.
type OutcomeRecorder interface {
	RecordOutcome(provider string, success bool)
}

// Config holds the retry and timeout tunables for one adapter.
type Config struct {
	// Timeout bounds a single attempt. Provider-tuned, 15-90s in production.
	Timeout time.Duration
	// MaxRetries is the retry budget after the first attempt, spent on
	// transient failures only.
	MaxRetries int
	// BackoffBase seeds the exponential backoff between attempts.
	BackoffBase time.Duration
	// RateLimitBackoffBase replaces BackoffBase for the wait that follows a
	// 429 response.
	RateLimitBackoffBase time.Duration
}

// DefaultConfig returns the default adapter tunables.
func DefaultConfig() Config {
	return Config{
		Timeout:              45 * time.Second,
		MaxRetries:           2,
		BackoffBase:          500 * time.Millisecond,
		RateLimitBackoffBase: 2 * time.Second,
	}
}

// Adapter wraps one provider's client with a circuit breaker, bounded
// retries with exponential backoff and jitter, and a per-attempt timeout.
// It exposes the uniform Generate contract the pipeline calls.
type Adapter struct {
	caller  Caller
	breaker *CircuitBreaker
	health  OutcomeRecorder
	cfg     Config
	logger  *log.Entry
}

// New creates an adapter around a provider caller. The breaker is owned by
// the adapter and lives for the process lifetime.
func New(caller Caller, breaker *CircuitBreaker, health OutcomeRecorder, cfg Config) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	a := &Adapter{
		caller:  caller,
		breaker: breaker,
		health:  health,
		cfg:     cfg,
		logger:  log.WithField("provider", caller.Name()),
	}
	breaker.OnTransition(func(prov string, from, to CircuitState) {
		metrics.CircuitTransitions.WithLabelValues(prov, to.String()).Inc()
		a.logger.WithFields(log.Fields{
			"from":  from.String(),
			"to":    to.String(),
			"event": "circuit_transition",
		}).Warn("Circuit breaker state changed")
	})
	return a
}

// Provider returns the provider name this adapter fronts.
func (a *Adapter) Provider() string {
	return a.caller.Name()
}

// Breaker exposes the adapter's circuit breaker for status reporting.
func (a *Adapter) Breaker() *CircuitBreaker {
	return a.breaker
}

// Generate performs one resilient generation. The circuit breaker is
// consulted before any network activity; while open the call fails fast
// with a circuit_open error. Transient failures are retried up to the
// configured budget with jittered exponential backoff; auth/validation
// failures propagate immediately.
func (a *Adapter) Generate(ctx context.Context, prompt, model string) (*provider.Result, error) {
	bo := newJitterBackoff(a.cfg.BackoffBase, a.cfg.RateLimitBackoffBase)
	var result *provider.Result
	attempt := 0

	op := func() error {
		attempt++
		// Consulted before every attempt: a circuit opened by an earlier
		// retry blocks the rest of this call's budget too.
		if !a.breaker.Allow() {
			metrics.AdapterFailures.WithLabelValues(a.caller.Name(), string(provider.ErrorTypeCircuitOpen)).Inc()
			return backoff.Permanent(provider.NewCircuitOpenError(a.caller.Name()))
		}

		res, err := a.attempt(ctx, prompt, model)
		if err == nil {
			result = res
			return nil
		}

		errType := provider.TypeOf(err)
		a.logger.WithFields(log.Fields{
			"model":      model,
			"attempt":    attempt,
			"error_type": string(errType),
			"error":      err.Error(),
			"event":      "adapter_attempt_failed",
		}).Warn("Provider attempt failed")
		metrics.AdapterFailures.WithLabelValues(a.caller.Name(), string(errType)).Inc()

		if !provider.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if errType == provider.ErrorTypeRateLimited {
			bo.penalize()
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(a.cfg.MaxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// attempt runs a single bounded call and records its outcome against the
// circuit and the health manager.
func (a *Adapter) attempt(ctx context.Context, prompt, model string) (*provider.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	res, err := a.caller.ChatCompletion(callCtx, model, prompt)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			// The client went away; that says nothing about the provider,
			// so the circuit and health stats stay untouched.
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) && provider.TypeOf(err) != provider.ErrorTypeTimeout {
			err = provider.NewTimeoutError(a.caller.Name(), err)
		}
		a.breaker.RecordFailure()
		a.health.RecordOutcome(a.caller.Name(), false)
		return nil, err
	}

	a.breaker.RecordSuccess()
	a.health.RecordOutcome(a.caller.Name(), true)
	return res, nil
}
