package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records evaluation-call, cache and circuit metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must honor cancellation/deadlines and return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordInvocation records one external call attempt with duration and error status.
	RecordInvocation(ctx context.Context, meta CallMeta, duration time.Duration, err error)

	// RecordCacheLookup records a cache hit or miss.
	RecordCacheLookup(ctx context.Context, hit bool)

	// RecordCircuitTransition records a breaker state change for target.
	RecordCircuitTransition(ctx context.Context, target, from, to string)

	// RecordTaskOutcome records a terminal task status and failure class.
	RecordTaskOutcome(ctx context.Context, status, class string)
}

// metricsImpl is the concrete implementation of Metrics.
type metricsImpl struct {
	invokeTotal    metric.Int64Counter
	invokeErrors   metric.Int64Counter
	invokeDuration metric.Float64Histogram
	cacheLookups   metric.Int64Counter
	circuitChanges metric.Int64Counter
	taskOutcomes   metric.Int64Counter
}

// NewMetrics creates Metrics backed by meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	return newMetrics(meter)
}

func newMetrics(meter metric.Meter) (*metricsImpl, error) {
	m := &metricsImpl{}
	var err error

	if m.invokeTotal, err = meter.Int64Counter(
		"evalops.invoke.total",
		metric.WithDescription("Total number of external evaluation call attempts"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}

	if m.invokeErrors, err = meter.Int64Counter(
		"evalops.invoke.errors",
		metric.WithDescription("Total number of failed evaluation call attempts"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}

	if m.invokeDuration, err = meter.Float64Histogram(
		"evalops.invoke.duration_ms",
		metric.WithDescription("Evaluation call duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.cacheLookups, err = meter.Int64Counter(
		"evalops.cache.lookups",
		metric.WithDescription("Cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.circuitChanges, err = meter.Int64Counter(
		"evalops.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}

	if m.taskOutcomes, err = meter.Int64Counter(
		"evalops.task.outcomes",
		metric.WithDescription("Terminal task outcomes by status and failure class"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordInvocation records metrics for one call attempt.
func (m *metricsImpl) RecordInvocation(ctx context.Context, meta CallMeta, duration time.Duration, err error) {
	opt := metric.WithAttributes(meta.attributes()...)

	m.invokeTotal.Add(ctx, 1, opt)
	if err != nil {
		m.invokeErrors.Add(ctx, 1, opt)
	}
	m.invokeDuration.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *metricsImpl) RecordCircuitTransition(ctx context.Context, target, from, to string) {
	m.circuitChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("evalops.target", target),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *metricsImpl) RecordTaskOutcome(ctx context.Context, status, class string) {
	attrs := []attribute.KeyValue{attribute.String("status", status)}
	if class != "" {
		attrs = append(attrs, attribute.String("class", class))
	}
	m.taskOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// noopMetrics is a metrics implementation that does nothing.
type noopMetrics struct{}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics {
	return noopMetrics{}
}

func (noopMetrics) RecordInvocation(context.Context, CallMeta, time.Duration, error) {}
func (noopMetrics) RecordCacheLookup(context.Context, bool)                          {}
func (noopMetrics) RecordCircuitTransition(context.Context, string, string, string)  {}
func (noopMetrics) RecordTaskOutcome(context.Context, string, string)                {}
