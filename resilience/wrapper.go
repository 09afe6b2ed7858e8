package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Op is one attempt at a call. attempt is 1-based.
type Op func(ctx context.Context, attempt int) ([]byte, error)

// WrapperConfig composes the per-call resilience policy.
type WrapperConfig struct {
	// Retry configures the attempt budget and backoff.
	Retry RetryConfig

	// Breaker configures the per-target circuit breakers.
	Breaker CircuitBreakerConfig

	// AttemptTimeout bounds each attempt. Zero disables it.
	AttemptTimeout time.Duration

	// RateLimit, when non-nil, throttles attempts across all targets.
	RateLimit *RateLimiterConfig

	// Fallback is attached to every Failure when HasFallback is set.
	Fallback    []byte
	HasFallback bool

	// OnStateChange is called with the target name on every breaker
	// transition.
	OnStateChange func(target string, from, to State)
}

// Validate reports settings that would make the wrapper misbehave.
// Zero values are legal and select defaults.
func (c WrapperConfig) Validate() error {
	switch {
	case c.Retry.MaxAttempts < 0:
		return fmt.Errorf("%w: max attempts must not be negative", ErrInvalidConfig)
	case c.Retry.InitialDelay < 0, c.Retry.MaxDelay < 0:
		return fmt.Errorf("%w: retry delays must not be negative", ErrInvalidConfig)
	case c.Retry.MaxDelay > 0 && c.Retry.InitialDelay > c.Retry.MaxDelay:
		return fmt.Errorf("%w: initial delay exceeds max delay", ErrInvalidConfig)
	case c.Retry.Multiplier < 0:
		return fmt.Errorf("%w: multiplier must not be negative", ErrInvalidConfig)
	case c.Breaker.FailureThreshold < 0:
		return fmt.Errorf("%w: failure threshold must not be negative", ErrInvalidConfig)
	case c.Breaker.Window < 0, c.Breaker.Cooldown < 0:
		return fmt.Errorf("%w: breaker durations must not be negative", ErrInvalidConfig)
	case c.AttemptTimeout < 0:
		return fmt.Errorf("%w: attempt timeout must not be negative", ErrInvalidConfig)
	case c.RateLimit != nil && (c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0):
		return fmt.Errorf("%w: rate limit must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Wrapper applies rate limiting, circuit breaking, per-attempt timeouts and
// retries to calls against named targets.
//
// Each attempt runs: rate limiter, then the target's breaker, then the
// timeout, then the operation. Retry drives the attempts from outside.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Context: ctx cancellation ends waiting and backoff; in-flight ops see it.
// - Errors: Do returns a *Failure whose Class summarizes the outcome.
type Wrapper struct {
	retry       *Retry
	breakers    *Breakers
	limiter     *RateLimiter
	timeout     *Timeout
	fallback    []byte
	hasFallback bool
}

// NewWrapper builds a wrapper from config.
func NewWrapper(config WrapperConfig) (*Wrapper, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	w := &Wrapper{
		retry:       NewRetry(config.Retry),
		breakers:    NewBreakers(config.Breaker, config.OnStateChange),
		hasFallback: config.HasFallback,
	}
	if config.HasFallback {
		w.fallback = append([]byte(nil), config.Fallback...)
	}
	if config.AttemptTimeout > 0 {
		w.timeout = NewTimeout(TimeoutConfig{Timeout: config.AttemptTimeout})
	}
	if config.RateLimit != nil {
		w.limiter = NewRateLimiter(*config.RateLimit)
	}
	return w, nil
}

// Do runs op against target under the configured policy.
//
// On success it returns the op's payload and a nil *Failure. Otherwise the
// payload is nil and the Failure carries the class, attempt history and
// configured fallback.
func (w *Wrapper) Do(ctx context.Context, target string, op Op) ([]byte, *Failure) {
	cb := w.breakers.Get(target)

	var out []byte
	history, err := w.retry.Run(ctx, func(ctx context.Context, attempt int) error {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		return cb.Execute(ctx, func(ctx context.Context) error {
			var payload []byte
			call := func(ctx context.Context) error {
				b, err := op(ctx, attempt)
				if err == nil {
					payload = b
				}
				return err
			}

			var err error
			if w.timeout != nil {
				err = w.timeout.Execute(ctx, call)
			} else {
				err = call(ctx)
			}
			if err == nil {
				out = payload
			}
			return err
		})
	})
	if err == nil {
		return out, nil
	}

	return nil, w.failure(err, history)
}

func (w *Wrapper) failure(err error, history []Attempt) *Failure {
	f := &Failure{
		Class:    Classify(err),
		Err:      err,
		Attempts: history,
	}
	// A canceled backoff keeps the class of the cancellation, not the
	// error that preceded it.
	if errors.Is(err, context.Canceled) {
		f.Class = ClassCanceled
	}
	if w.hasFallback {
		f.Fallback = append([]byte(nil), w.fallback...)
		f.HasFallback = true
	}
	return f
}

// Fallback returns the configured fallback value.
func (w *Wrapper) Fallback() ([]byte, bool) {
	if !w.hasFallback {
		return nil, false
	}
	return append([]byte(nil), w.fallback...), true
}

// Breaker returns the circuit breaker guarding target.
func (w *Wrapper) Breaker(target string) *CircuitBreaker {
	return w.breakers.Get(target)
}

// Breakers returns the registry of all per-target breakers.
func (w *Wrapper) Breakers() *Breakers {
	return w.breakers
}

// MaxAttempts returns the effective attempt budget.
func (w *Wrapper) MaxAttempts() int {
	return w.retry.config.MaxAttempts
}
