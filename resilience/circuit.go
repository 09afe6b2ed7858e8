package resilience

import (
	"context"
	"sort"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means calls flow to the target normally.
	StateClosed State = iota
	// StateOpen means calls are rejected without reaching the target.
	StateOpen
	// StateHalfOpen means a single trial call is probing for recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures inside Window that opens
	// the circuit.
	// Default: 5
	FailureThreshold int

	// Window is the rolling period failures are counted over. A failure
	// arriving after the window has elapsed starts a new window.
	// Default: 1 minute
	Window time.Duration

	// Cooldown is how long the circuit stays open before a trial call.
	// Default: 30 seconds
	Cooldown time.Duration

	// HalfOpenMaxRequests is the number of trial calls allowed while
	// half-open.
	// Default: 1
	HalfOpenMaxRequests int

	// OnStateChange is called after the circuit state changes. It runs
	// outside the breaker lock.
	OnStateChange func(from, to State)

	// IsFailure determines if an error counts against the target.
	// Default: transient and timeout errors count; permanent and canceled
	// errors do not.
	IsFailure func(err error) bool

	// Clock returns the current time.
	// Default: time.Now
	Clock func() time.Time
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = isTargetFailure
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

func isTargetFailure(err error) bool {
	return err != nil && Classify(err).Retryable()
}

// CircuitSnapshot is a point-in-time view of a breaker.
type CircuitSnapshot struct {
	State        State
	FailureCount int
	WindowStart  time.Time
	OpenUntil    time.Time
}

// CircuitBreaker guards a single target.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Context: Execute passes ctx to op unchanged.
// - Errors: rejected calls return ErrCircuitOpen; op errors pass through.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	windowStart   time.Time
	openUntil     time.Time
	halfOpenCount int
	generation    uint64
	pending       []transition
}

type transition struct {
	from, to State
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: config.withDefaults(),
		state:  StateClosed,
	}
}

// Execute runs op if the circuit admits it and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	gen, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	err = op(ctx)
	cb.afterRequest(gen, err)
	return err
}

// Allow reports whether a call would currently be admitted. It does not
// reserve a half-open trial slot.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	state := cb.currentStateLocked()
	allowed := state == StateClosed ||
		(state == StateHalfOpen && cb.halfOpenCount < cb.config.HalfOpenMaxRequests)
	events := cb.drainLocked()
	cb.mu.Unlock()

	cb.notify(events)
	return allowed
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	return cb.Snapshot().State
}

// Snapshot returns the breaker's current counters.
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mu.Lock()
	s := CircuitSnapshot{
		State:        cb.currentStateLocked(),
		FailureCount: cb.failures,
		WindowStart:  cb.windowStart,
		OpenUntil:    cb.openUntil,
	}
	events := cb.drainLocked()
	cb.mu.Unlock()

	cb.notify(events)
	return s
}

// Reset returns the breaker to closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.setStateLocked(StateClosed)
	cb.failures = 0
	cb.windowStart = time.Time{}
	cb.openUntil = time.Time{}
	events := cb.drainLocked()
	cb.mu.Unlock()

	cb.notify(events)
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer func() {
		events := cb.drainLocked()
		cb.mu.Unlock()
		cb.notify(events)
	}()

	switch cb.currentStateLocked() {
	case StateOpen:
		return 0, ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenCount >= cb.config.HalfOpenMaxRequests {
			return 0, ErrCircuitOpen
		}
		cb.halfOpenCount++
	}
	return cb.generation, nil
}

func (cb *CircuitBreaker) afterRequest(gen uint64, err error) {
	failed := err != nil && cb.config.IsFailure(err)

	cb.mu.Lock()
	defer func() {
		events := cb.drainLocked()
		cb.mu.Unlock()
		cb.notify(events)
	}()

	// Outcomes of calls admitted under an earlier state are stale.
	if gen != cb.generation {
		return
	}

	now := cb.config.Clock()
	switch cb.state {
	case StateClosed:
		switch {
		case failed:
			if cb.failures == 0 || now.Sub(cb.windowStart) >= cb.config.Window {
				cb.windowStart = now
				cb.failures = 0
			}
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				cb.openLocked(now)
			}
		case err == nil:
			cb.failures = 0
			cb.windowStart = time.Time{}
		}

	case StateHalfOpen:
		switch {
		case failed:
			cb.openLocked(now)
		case err == nil:
			cb.failures = 0
			cb.windowStart = time.Time{}
			cb.openUntil = time.Time{}
			cb.setStateLocked(StateClosed)
		default:
			// A non-failure error says nothing about the target; free the slot.
			cb.halfOpenCount--
		}
	}
}

func (cb *CircuitBreaker) openLocked(now time.Time) {
	cb.openUntil = now.Add(cb.config.Cooldown)
	cb.setStateLocked(StateOpen)
}

func (cb *CircuitBreaker) currentStateLocked() State {
	if cb.state == StateOpen && !cb.config.Clock().Before(cb.openUntil) {
		cb.setStateLocked(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setStateLocked(state State) {
	if cb.state == state {
		return
	}
	cb.pending = append(cb.pending, transition{from: cb.state, to: state})
	cb.state = state
	cb.halfOpenCount = 0
	cb.generation++
}

func (cb *CircuitBreaker) drainLocked() []transition {
	events := cb.pending
	cb.pending = nil
	return events
}

func (cb *CircuitBreaker) notify(events []transition) {
	if cb.config.OnStateChange == nil {
		return
	}
	for _, e := range events {
		cb.config.OnStateChange(e.from, e.to)
	}
}

// Breakers holds one circuit breaker per target, created lazily from a
// shared configuration.
type Breakers struct {
	config   CircuitBreakerConfig
	onChange func(target string, from, to State)

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakers creates a registry. onChange, if non-nil, is called with the
// target name on every transition of any breaker in the registry.
func NewBreakers(config CircuitBreakerConfig, onChange func(target string, from, to State)) *Breakers {
	return &Breakers{
		config:   config,
		onChange: onChange,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for target, creating it on first use.
func (b *Breakers) Get(target string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[target]; ok {
		return cb
	}

	cfg := b.config
	if b.onChange != nil {
		inner := cfg.OnStateChange
		cfg.OnStateChange = func(from, to State) {
			if inner != nil {
				inner(from, to)
			}
			b.onChange(target, from, to)
		}
	}
	cb := NewCircuitBreaker(cfg)
	b.breakers[target] = cb
	return cb
}

// Targets returns the names of all known targets, sorted.
func (b *Breakers) Targets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.breakers))
	for t := range b.breakers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Snapshots returns a snapshot of every known breaker keyed by target.
func (b *Breakers) Snapshots() map[string]CircuitSnapshot {
	b.mu.Lock()
	breakers := make(map[string]*CircuitBreaker, len(b.breakers))
	for t, cb := range b.breakers {
		breakers[t] = cb
	}
	b.mu.Unlock()

	out := make(map[string]CircuitSnapshot, len(breakers))
	for t, cb := range breakers {
		out[t] = cb.Snapshot()
	}
	return out
}
