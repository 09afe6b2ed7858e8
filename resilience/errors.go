package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for resilience patterns.
var (
	// ErrCircuitOpen is returned when the circuit breaker for a target is
	// open and the call was rejected without reaching the target.
	ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

	// ErrExhaustedRetries is returned when every permitted attempt failed
	// with a retryable error.
	ErrExhaustedRetries = errors.New("resilience: retries exhausted")

	// ErrTimeout is returned when a single attempt exceeds its deadline.
	ErrTimeout = errors.New("resilience: attempt timed out")

	// ErrRateLimited is returned when the rate limiter could not grant a
	// token within its wait budget.
	ErrRateLimited = errors.New("resilience: rate limit exceeded")

	// ErrInvalidConfig is returned by constructors given unusable settings.
	ErrInvalidConfig = errors.New("resilience: invalid configuration")
)

// Class is the category a failed call falls into.
type Class int

const (
	// ClassNone means no error.
	ClassNone Class = iota

	// ClassTransient covers network errors, throttling and 5xx responses.
	// Transient errors are retried.
	ClassTransient

	// ClassPermanent covers malformed requests and authentication failures.
	// Permanent errors are never retried and do not trip the breaker.
	ClassPermanent

	// ClassCircuitOpen means the call was rejected by an open breaker.
	ClassCircuitOpen

	// ClassExhausted means every permitted attempt failed.
	ClassExhausted

	// ClassTimeout means an attempt ran past its deadline. Retryable.
	ClassTimeout

	// ClassCanceled means the caller canceled the work.
	ClassCanceled
)

// String returns the snake_case name of the class.
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCircuitOpen:
		return "circuit_open"
	case ClassExhausted:
		return "exhausted"
	case ClassTimeout:
		return "timeout"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this class are worth another attempt.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassTimeout
}

// classified marks an error with an explicit class.
type classified struct {
	class Class
	err   error
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassTransient, err: err}
}

// Permanent marks err as not retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassPermanent, err: err}
}

// Classify returns the class of err.
//
// Explicit marks from Transient and Permanent win over everything except a
// wrapped *Failure. Unmarked errors are treated as transient.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}
	if errors.Is(err, ErrExhaustedRetries) {
		return ClassExhausted
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ClassCircuitOpen
	}

	var c *classified
	if errors.As(err, &c) {
		return c.class
	}

	switch {
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	default:
		return ClassTransient
	}
}

// Attempt records one call made against a target.
type Attempt struct {
	// Number is 1-based.
	Number int

	// Err is the error the attempt returned, nil on success.
	Err error

	// Class is Classify(Err).
	Class Class

	// Delay is the backoff waited before this attempt.
	Delay time.Duration

	// Duration is how long the attempt itself took.
	Duration time.Duration
}

// Failure is the terminal outcome of a call that did not succeed.
//
// Attempts lists only calls that actually reached the rate limiter and
// breaker; a call rejected by an open circuit before any attempt has an
// empty history.
type Failure struct {
	Class    Class
	Err      error
	Attempts []Attempt

	// Fallback is the configured substitute value, valid when HasFallback.
	Fallback    []byte
	HasFallback bool
}

// Error implements error.
func (f *Failure) Error() string {
	return fmt.Sprintf("resilience: %s after %d attempt(s): %v", f.Class, len(f.Attempts), f.Err)
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error {
	return f.Err
}
