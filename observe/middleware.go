package observe

import (
	"context"
	"time"
)

// InvokeFunc is the signature of one external evaluation call.
type InvokeFunc func(ctx context.Context, meta CallMeta) ([]byte, error)

// Middleware wraps evaluation calls with tracing, metrics and logging.
//
// Contract:
//   - Concurrency: Wrap() returns a thread-safe InvokeFunc.
//   - Context: Propagates context through tracing spans.
//   - Errors: Errors from wrapped function are recorded and propagated unchanged.
//   - Ownership: Response bytes are passed through without modification.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewMiddleware creates a new Middleware. Nil components are replaced by no-ops.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	if tracer == nil {
		tracer = newNoopTracer()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Middleware{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// Metrics returns the metrics recorder used by the middleware.
func (m *Middleware) Metrics() Metrics {
	return m.metrics
}

// Logger returns the logger used by the middleware.
func (m *Middleware) Logger() Logger {
	return m.logger
}

// Wrap wraps fn with a span, invocation metrics and a debug/warn log line.
func (m *Middleware) Wrap(fn InvokeFunc) InvokeFunc {
	return func(ctx context.Context, meta CallMeta) ([]byte, error) {
		ctx, span := m.tracer.StartSpan(ctx, meta)

		start := time.Now()
		out, err := fn(ctx, meta)
		duration := time.Since(start)

		m.tracer.EndSpan(span, err)
		m.metrics.RecordInvocation(ctx, meta, duration, err)

		fields := []Field{
			{Key: "target", Value: meta.Target},
			{Key: "attempt", Value: meta.Attempt},
			{Key: "duration_ms", Value: float64(duration.Milliseconds())},
		}
		if meta.Fingerprint != "" {
			fields = append(fields, Field{Key: "fingerprint", Value: meta.Fingerprint})
		}

		if err != nil {
			fields = append(fields, Field{Key: "error", Value: err.Error()})
			m.logger.Warn(ctx, "evaluation call failed", fields...)
		} else {
			fields = append(fields, Field{Key: "bytes", Value: len(out)})
			m.logger.Debug(ctx, "evaluation call completed", fields...)
		}

		return out, err
	}
}

// MiddlewareFromObserver creates a Middleware from an Observer.
func MiddlewareFromObserver(obs Observer) (*Middleware, error) {
	if obs == nil {
		return nil, ErrNilObserver
	}

	metrics, err := newMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}

	return NewMiddleware(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}
