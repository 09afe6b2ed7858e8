package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy defines how delays increase between retries.
type BackoffStrategy int

const (
	// BackoffExponential multiplies the delay by Multiplier each attempt.
	BackoffExponential BackoffStrategy = iota
	// BackoffLinear increases delay linearly.
	BackoffLinear
	// BackoffFixed uses the same delay for all retries.
	BackoffFixed
	// BackoffExponentialJitter picks a delay uniformly in [d/2, d] where d
	// is the exponential delay.
	BackoffExponentialJitter
)

// String returns the configuration name of the strategy.
func (s BackoffStrategy) String() string {
	switch s {
	case BackoffExponential:
		return "exponential"
	case BackoffLinear:
		return "linear"
	case BackoffFixed:
		return "fixed"
	case BackoffExponentialJitter:
		return "exponential_jitter"
	default:
		return "unknown"
	}
}

// ParseBackoffStrategy maps a configuration name to a strategy. The empty
// string selects BackoffExponential.
func ParseBackoffStrategy(s string) (BackoffStrategy, error) {
	switch s {
	case "", "exponential":
		return BackoffExponential, nil
	case "linear":
		return BackoffLinear, nil
	case "fixed":
		return BackoffFixed, nil
	case "exponential_jitter":
		return BackoffExponentialJitter, nil
	default:
		return 0, fmt.Errorf("%w: unknown backoff strategy %q", ErrInvalidConfig, s)
	}
}

// RetryConfig configures the retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	// Default: 100ms
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	// Default: 30s
	MaxDelay time.Duration

	// Multiplier is the growth factor for exponential strategies.
	// Default: 2.0
	Multiplier float64

	// Strategy is the backoff strategy.
	// Default: BackoffExponential
	Strategy BackoffStrategy

	// RetryIf determines if an error should trigger a retry.
	// Default: transient and timeout errors are retried.
	RetryIf func(err error) bool

	// OnRetry is called before waiting for each retry.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Retry implements retry with backoff.
//
// Contract:
// - Concurrency: safe for concurrent use; Run keeps no shared state.
// - Context: backoff waits end early when ctx is done.
// - Errors: exhausting the budget wraps the last error with ErrExhaustedRetries.
type Retry struct {
	config RetryConfig
}

// NewRetry creates a new retry handler.
func NewRetry(config RetryConfig) *Retry {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.RetryIf == nil {
		config.RetryIf = func(err error) bool { return Classify(err).Retryable() }
	}

	return &Retry{config: config}
}

// Execute runs op with retry logic and returns its final error.
func (r *Retry) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := r.Run(ctx, func(ctx context.Context, _ int) error {
		return op(ctx)
	})
	return err
}

// Run calls op until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. It returns the history of attempts made.
//
// An ErrCircuitOpen rejection ends the loop immediately and is not recorded
// as an attempt, since no call reached the target.
func (r *Retry) Run(ctx context.Context, op func(ctx context.Context, attempt int) error) ([]Attempt, error) {
	history := make([]Attempt, 0, r.config.MaxAttempts)
	var delay time.Duration

	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := op(ctx, attempt)
		if errors.Is(err, ErrCircuitOpen) {
			return history, err
		}

		history = append(history, Attempt{
			Number:   attempt,
			Err:      err,
			Class:    Classify(err),
			Delay:    delay,
			Duration: time.Since(start),
		})

		if err == nil {
			return history, nil
		}
		if !r.config.RetryIf(err) {
			return history, err
		}
		if attempt >= r.config.MaxAttempts {
			return history, fmt.Errorf("%w: %w", ErrExhaustedRetries, err)
		}

		delay = r.Delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		if err := sleep(ctx, delay); err != nil {
			return history, fmt.Errorf("%w (last error: %v)", err, history[len(history)-1].Err)
		}
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Delay returns the wait before the attempt following attempt (1-based).
func (r *Retry) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch r.config.Strategy {
	case BackoffFixed:
		delay = r.config.InitialDelay

	case BackoffLinear:
		delay = r.config.InitialDelay * time.Duration(attempt)

	default:
		multiplier := math.Pow(r.config.Multiplier, float64(attempt-1))
		delay = time.Duration(float64(r.config.InitialDelay) * multiplier)
	}

	// Overflowed float conversions come back negative.
	if delay > r.config.MaxDelay || delay <= 0 {
		delay = r.config.MaxDelay
	}

	if r.config.Strategy == BackoffExponentialJitter && delay > 1 {
		half := delay / 2
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		delay = half + time.Duration(rand.Int64N(int64(delay-half)+1))
	}

	return delay
}

// Config returns the retry configuration.
func (r *Retry) Config() RetryConfig {
	return r.config
}
