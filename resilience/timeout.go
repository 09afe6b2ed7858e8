package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutConfig configures the timeout wrapper.
type TimeoutConfig struct {
	// Timeout is the maximum duration of a single attempt.
	// Default: 30 seconds
	Timeout time.Duration
}

// Timeout bounds each attempt with its own deadline.
type Timeout struct {
	config TimeoutConfig
}

// NewTimeout creates a new timeout wrapper.
func NewTimeout(config TimeoutConfig) *Timeout {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Timeout{config: config}
}

// Execute runs op under a fresh deadline derived from ctx.
//
// op runs on the calling goroutine and Execute returns only after op does,
// so attempts never overlap. op must honor ctx. If the deadline passed
// before op returned, the result wraps ErrTimeout. If the parent ctx ended
// first, op's error is returned unchanged.
func (t *Timeout) Execute(ctx context.Context, op func(context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	err := op(attemptCtx)
	if ctx.Err() != nil || !errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w after %v: %w", ErrTimeout, t.config.Timeout, err)
	}
	return fmt.Errorf("%w after %v", ErrTimeout, t.config.Timeout)
}

// Config returns the timeout configuration.
func (t *Timeout) Config() TimeoutConfig {
	return t.config
}

// ExecuteWithTimeout is a convenience function to run an operation with timeout.
func ExecuteWithTimeout(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	return NewTimeout(TimeoutConfig{Timeout: timeout}).Execute(ctx, op)
}
