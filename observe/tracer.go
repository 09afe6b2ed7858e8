package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// CallMeta describes one external evaluation call for telemetry purposes.
type CallMeta struct {
	Target          string // Endpoint or model target (required)
	PromptVariantID string // Prompt variant being evaluated (optional)
	Model           string // Model name (optional)
	Fingerprint     string // Short fingerprint of the request (optional)
	TaskID          string // Dispatcher task identifier (optional)
	Attempt         int    // 1-based attempt number; zero when unknown
}

// SpanName returns the deterministic span name for this call.
// Format: evalops.invoke.<target>
func (m CallMeta) SpanName() string {
	return "evalops.invoke." + m.Target
}

// Validate reports whether the metadata is usable.
func (m CallMeta) Validate() error {
	if m.Target == "" {
		return ErrMissingTarget
	}
	return nil
}

func (m CallMeta) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("evalops.target", m.Target),
	}
	if m.PromptVariantID != "" {
		attrs = append(attrs, attribute.String("evalops.prompt_variant", m.PromptVariantID))
	}
	if m.Model != "" {
		attrs = append(attrs, attribute.String("evalops.model", m.Model))
	}
	return attrs
}

// Tracer wraps OpenTelemetry tracing with call-specific span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a new span for an evaluation call.
	StartSpan(ctx context.Context, meta CallMeta) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

// tracerImpl is the concrete implementation of Tracer.
type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer over an OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	if t == nil {
		return newNoopTracer()
	}
	return &tracerImpl{tracer: t}
}

// StartSpan starts a new span with call metadata as attributes.
func (t *tracerImpl) StartSpan(ctx context.Context, meta CallMeta) (context.Context, trace.Span) {
	attrs := meta.attributes()
	attrs = append(attrs, attribute.Bool("evalops.error", false))
	if meta.Fingerprint != "" {
		attrs = append(attrs, attribute.String("evalops.fingerprint", meta.Fingerprint))
	}
	if meta.TaskID != "" {
		attrs = append(attrs, attribute.String("evalops.task_id", meta.TaskID))
	}
	if meta.Attempt > 0 {
		attrs = append(attrs, attribute.Int("evalops.attempt", meta.Attempt))
	}

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan ends the span and records the error status if present.
func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("evalops.error", true))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// noopTracer is a tracer that does nothing.
type noopTracer struct {
	noop trace.Tracer
}

func newNoopTracer() Tracer {
	return &noopTracer{
		noop: tracenoop.NewTracerProvider().Tracer("noop"),
	}
}

func (t *noopTracer) StartSpan(ctx context.Context, meta CallMeta) (context.Context, trace.Span) {
	return t.noop.Start(ctx, meta.SpanName())
}

func (t *noopTracer) EndSpan(span trace.Span, err error) {
	span.End()
}
