package dispatch

import "errors"

// Sentinel errors for dispatch operations.
var (
	ErrInvalidConfig = errors.New("dispatch: invalid configuration")
	ErrNilCache      = errors.New("dispatch: cache is nil")
	ErrNilInvoker    = errors.New("dispatch: invoker is nil")
	ErrNilWrapper    = errors.New("dispatch: resilience wrapper is nil")

	// ErrNotDispatched is the error detail of tasks skipped because the
	// batch was canceled before a worker claimed them.
	ErrNotDispatched = errors.New("dispatch: task not dispatched: batch canceled")

	// ErrInvokerPanic marks a task whose invoker panicked.
	ErrInvokerPanic = errors.New("dispatch: invoker panicked")
)
