// Package resilience wraps calls to external evaluation targets with the
// failure handling a batch of thousands of calls needs.
//
// # Patterns
//
//   - Circuit Breaker: one per target. Failures counted over a rolling
//     window open the circuit; after a cooldown a single trial call decides
//     whether it closes again.
//
//   - Retry: bounded attempts with fixed, linear, exponential or jittered
//     exponential backoff. Only transient and timeout errors are retried.
//
//   - Timeout: every attempt gets its own deadline.
//
//   - Rate Limiter: a token bucket shared by all attempts.
//
// # Error classes
//
// Every failure is classified as transient, permanent, circuit_open,
// exhausted, timeout or canceled. Mark errors explicitly with Transient and
// Permanent; unmarked errors are assumed transient.
//
// # Usage
//
// Wrapper composes the patterns:
//
//	w, err := resilience.NewWrapper(resilience.WrapperConfig{
//	    Retry:          resilience.RetryConfig{MaxAttempts: 3},
//	    Breaker:        resilience.CircuitBreakerConfig{FailureThreshold: 5},
//	    AttemptTimeout: 30 * time.Second,
//	    Fallback:       []byte(`null`),
//	    HasFallback:    true,
//	})
//
//	out, failure := w.Do(ctx, "judge-model", func(ctx context.Context, attempt int) ([]byte, error) {
//	    return callModel(ctx)
//	})
//	if failure != nil {
//	    log.Printf("%s: %v", failure.Class, failure.Err)
//	}
package resilience
