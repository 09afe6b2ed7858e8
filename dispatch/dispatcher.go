package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonwraymond/evalops/cache"
	"github.com/jonwraymond/evalops/fingerprint"
	"github.com/jonwraymond/evalops/observe"
	"github.com/jonwraymond/evalops/resilience"
)

// Config configures a Dispatcher.
type Config struct {
	// ConcurrencyLimit is the number of workers making external calls.
	// Default: 8
	ConcurrencyLimit int

	// Ordered releases results in submission order instead of completion
	// order.
	// Default: false
	Ordered bool

	// TTL is applied to results written back to the cache. Zero uses the
	// cache policy default.
	TTL time.Duration

	// QueueSize bounds tasks waiting for a worker.
	// Default: ConcurrencyLimit
	QueueSize int

	// DefaultTarget is used for requests that name no target.
	// Default: "default"
	DefaultTarget string
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		ConcurrencyLimit: 8,
		DefaultTarget:    "default",
	}
}

// Validate checks the configuration. Zero values select defaults.
func (c Config) Validate() error {
	switch {
	case c.ConcurrencyLimit < 0:
		return fmt.Errorf("%w: concurrency limit must not be negative", ErrInvalidConfig)
	case c.QueueSize < 0:
		return fmt.Errorf("%w: queue size must not be negative", ErrInvalidConfig)
	case c.TTL < 0:
		return fmt.Errorf("%w: ttl must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ConcurrencyLimit == 0 {
		c.ConcurrencyLimit = 8
	}
	if c.QueueSize == 0 {
		c.QueueSize = c.ConcurrencyLimit
	}
	if c.DefaultTarget == "" {
		c.DefaultTarget = "default"
	}
	return c
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger for batch lifecycle events.
func WithLogger(l observe.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMiddleware wraps every external call with the middleware's tracing,
// metrics and logging. Its metrics also receive cache and task outcomes.
func WithMiddleware(mw *observe.Middleware) Option {
	return func(d *Dispatcher) {
		if mw != nil {
			d.middleware = mw
		}
	}
}

// WithKeyer replaces the fingerprint keyer.
func WithKeyer(k fingerprint.Keyer) Option {
	return func(d *Dispatcher) {
		if k != nil {
			d.keyer = k
		}
	}
}

// WithClock sets the time source used for latency and progress.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher runs batches of evaluation requests through the cache and a
// bounded pool of workers guarded by a resilience wrapper.
//
// Contract:
// - Concurrency: safe for concurrent use; batches run independently.
// - Context: Submit's ctx cancels the batch; in-flight calls finish.
// - Errors: only invalid input to New or Submit is an error; task failures
//   are reported in results.
type Dispatcher struct {
	cache      cache.Cache
	loader     *cache.Loader
	invoker    Invoker
	wrapper    *resilience.Wrapper
	config     Config
	keyer      fingerprint.Keyer
	logger     observe.Logger
	middleware *observe.Middleware
	now        func() time.Time
}

// New creates a dispatcher. Invalid configuration or nil collaborators are
// rejected before any work starts.
func New(c cache.Cache, invoker Invoker, wrapper *resilience.Wrapper, cfg Config, opts ...Option) (*Dispatcher, error) {
	if c == nil {
		return nil, ErrNilCache
	}
	if invoker == nil {
		return nil, ErrNilInvoker
	}
	if wrapper == nil {
		return nil, ErrNilWrapper
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cache:      c,
		loader:     cache.NewLoader(c),
		invoker:    invoker,
		wrapper:    wrapper,
		config:     cfg.withDefaults(),
		keyer:      fingerprint.NewDefaultKeyer(),
		logger:     observe.NopLogger(),
		middleware: observe.NewMiddleware(nil, nil, nil),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.config
}

// Submit fingerprints reqs and starts a batch. It returns once the batch is
// running; consume Results or call Wait for the outcome.
//
// A request that cannot be fingerprinted becomes a permanent failure; the
// rest of the batch proceeds.
func (d *Dispatcher) Submit(ctx context.Context, reqs []Request) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tasks := make([]*task, len(reqs))
	for i, req := range reqs {
		if req.ID == "" {
			req.ID = fmt.Sprintf("task-%d", i)
		}
		if req.Target == "" {
			req.Target = d.config.DefaultTarget
		}
		fp, err := d.keyer.Key(req.Prompt, req.Sample, req.Params)
		tasks[i] = &task{index: i, req: req, fp: fp, keyErr: err}
	}

	b := newBatch(d, uuid.NewString(), tasks)
	b.start(ctx)
	return b, nil
}

// Run submits reqs and waits for the summary. Results are still delivered
// on the batch channels but need not be consumed.
func (d *Dispatcher) Run(ctx context.Context, reqs []Request) (Summary, error) {
	b, err := d.Submit(ctx, reqs)
	if err != nil {
		return Summary{}, err
	}
	return b.Wait(), nil
}
