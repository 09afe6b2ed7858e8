package dispatch

import (
	"context"
	"time"

	"github.com/jonwraymond/evalops/cache"
	"github.com/jonwraymond/evalops/fingerprint"
	"github.com/jonwraymond/evalops/resilience"
)

// Request is one evaluation to run: a prompt variant applied to a sample.
type Request struct {
	// ID identifies the request to the caller. Defaults to "task-<index>".
	ID string

	PromptVariantID string

	// Prompt is the rendered prompt sent to the target.
	Prompt string

	// Sample is the data sample the prompt was rendered from. It must be
	// JSON-serializable; it is part of the fingerprint.
	Sample any

	Params fingerprint.Params

	// Target names the external endpoint. Defaults to Config.DefaultTarget.
	Target string
}

// Invoker performs a single external call.
//
// Contract:
// - Concurrency: must be safe for concurrent use.
// - Context: must honor cancellation and deadlines.
// - Errors: mark non-retryable errors with resilience.Permanent; anything
//   else is treated as transient.
type Invoker interface {
	Invoke(ctx context.Context, req Request) ([]byte, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) ([]byte, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

// State is a task's lifecycle state.
type State int32

const (
	StatePending State = iota
	StateInFlight
	StateSucceeded
	StateFailed
)

// String returns the snake_case name of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the terminal outcome reported in a Result.
type Status string

const (
	StatusCacheHit Status = "cache_hit"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
)

// Task is a point-in-time view of one unit of batch work.
type Task struct {
	Index        int
	ID           string
	Request      Request
	Fingerprint  fingerprint.Fingerprint
	AttemptCount int
	State        State
}

// Result is the terminal record of one task.
type Result struct {
	TaskID      string
	Index       int
	Fingerprint fingerprint.Fingerprint
	Status      Status

	// Value is the response payload, or the configured fallback when a
	// failed task has one (FallbackApplied).
	Value           []byte
	FallbackApplied bool

	// ErrorDetail and ErrorClass describe a failure. ErrorClass is
	// resilience.ClassNone for successes.
	ErrorDetail string
	ErrorClass  resilience.Class

	// Attempts is the number of external calls this task made. History
	// holds the per-attempt record.
	Attempts int
	History  []resilience.Attempt

	Latency   time.Duration
	FromCache bool

	// Coalesced is set when the task joined another task's in-flight call
	// for the same fingerprint. It shares that call's value or error but
	// made no calls of its own, so Attempts is zero and History is empty.
	Coalesced bool
}

// Failed reports whether the task ended in failure.
func (r Result) Failed() bool {
	return r.Status == StatusFailed
}

// Progress is emitted after every task reaches a terminal state.
type Progress struct {
	Completed          int
	Failed             int
	CacheHits          int
	Total              int
	Elapsed            time.Duration
	EstimatedRemaining time.Duration
}

// Done reports whether every task has finished.
func (p Progress) Done() bool {
	return p.Completed == p.Total
}

// Summary is the final accounting of a batch.
type Summary struct {
	BatchID   string
	Total     int
	CacheHits int
	Succeeded int
	Failed    int

	// Canceled counts failed tasks that were never dispatched.
	Canceled int

	FailuresByClass map[resilience.Class]int

	// Failures lists every failed result in submission order.
	Failures []Result

	Elapsed    time.Duration
	CacheStats cache.Stats
}

// HitRate returns the fraction of tasks served from cache.
func (s Summary) HitRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(s.Total)
}
