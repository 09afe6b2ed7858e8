package observe

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type middlewareHarness struct {
	mw      *Middleware
	spans   *tracetest.SpanRecorder
	reader  *sdkmetric.ManualReader
	logs    *bytes.Buffer
	metrics *metricsImpl
}

func newMiddlewareHarness(t *testing.T) *middlewareHarness {
	t.Helper()
	tr, recorder, _ := newRecordingTracer()
	metrics, reader := newTestMetrics(t)
	var logs bytes.Buffer
	logger := NewLoggerWithWriter("debug", &logs)
	return &middlewareHarness{
		mw:      NewMiddleware(tr, metrics, logger),
		spans:   recorder,
		reader:  reader,
		logs:    &logs,
		metrics: metrics,
	}
}

// TestMiddleware_SuccessPath verifies successful calls record telemetry.
func TestMiddleware_SuccessPath(t *testing.T) {
	h := newMiddlewareHarness(t)
	meta := CallMeta{Target: "grader", Attempt: 1}

	wrapped := h.mw.Wrap(func(ctx context.Context, m CallMeta) ([]byte, error) {
		return []byte(`{"score":5}`), nil
	})
	out, err := wrapped(context.Background(), meta)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if string(out) != `{"score":5}` {
		t.Errorf("expected response passed through, got %q", out)
	}

	spans := h.spans.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "evalops.invoke.grader" {
		t.Errorf("expected span name 'evalops.invoke.grader', got %q", spans[0].Name())
	}

	rm := collect(t, h.reader)
	if got := sumOf(t, rm, "evalops.invoke.total"); got != 1 {
		t.Errorf("evalops.invoke.total = %d, want 1", got)
	}
	if got := sumOf(t, rm, "evalops.invoke.errors"); got != 0 {
		t.Errorf("evalops.invoke.errors = %d, want 0", got)
	}
	if !strings.Contains(h.logs.String(), "evaluation call completed") {
		t.Errorf("expected completion log line, got %s", h.logs.String())
	}
}

// TestMiddleware_ErrorPath verifies failed calls record error telemetry.
func TestMiddleware_ErrorPath(t *testing.T) {
	h := newMiddlewareHarness(t)
	testErr := errors.New("upstream 503")

	wrapped := h.mw.Wrap(func(ctx context.Context, m CallMeta) ([]byte, error) {
		return nil, testErr
	})
	_, err := wrapped(context.Background(), CallMeta{Target: "grader"})
	if err != testErr {
		t.Errorf("expected error %v returned unchanged, got %v", testErr, err)
	}

	if v := spanAttrs(h.spans.Ended()[0])["evalops.error"]; !v.AsBool() {
		t.Error("expected evalops.error=true on failed call")
	}
	if got := sumOf(t, collect(t, h.reader), "evalops.invoke.errors"); got != 1 {
		t.Errorf("evalops.invoke.errors = %d, want 1", got)
	}
	if !strings.Contains(h.logs.String(), "upstream 503") {
		t.Errorf("expected error in log line, got %s", h.logs.String())
	}
}

// TestMiddleware_PropagatesContext verifies context values and the span reach fn.
func TestMiddleware_PropagatesContext(t *testing.T) {
	h := newMiddlewareHarness(t)

	type ctxKey string
	ctx := context.WithValue(context.Background(), ctxKey("k"), "v")

	var got any
	var spanValid bool
	wrapped := h.mw.Wrap(func(ctx context.Context, m CallMeta) ([]byte, error) {
		got = ctx.Value(ctxKey("k"))
		spanValid = spanContextValid(ctx)
		return nil, nil
	})
	if _, err := wrapped(ctx, CallMeta{Target: "ctx"}); err != nil {
		t.Fatalf("wrapped() error = %v", err)
	}
	if got != "v" {
		t.Errorf("expected context value 'v', got %v", got)
	}
	if !spanValid {
		t.Error("expected fn to run inside the call span")
	}
}

func TestMiddleware_NilComponentsAreNoops(t *testing.T) {
	mw := NewMiddleware(nil, nil, nil)
	wrapped := mw.Wrap(func(ctx context.Context, m CallMeta) ([]byte, error) {
		return []byte("ok"), nil
	})
	out, err := wrapped(context.Background(), CallMeta{Target: "noop"})
	if err != nil || string(out) != "ok" {
		t.Errorf("wrapped() = %q, %v, want ok, nil", out, err)
	}
}

func TestMiddlewareFromObserver(t *testing.T) {
	if _, err := MiddlewareFromObserver(nil); !errors.Is(err, ErrNilObserver) {
		t.Errorf("MiddlewareFromObserver(nil) = %v, want ErrNilObserver", err)
	}

	obs, err := NewObserver(context.Background(), Config{ServiceName: "evalops-test"})
	if err != nil {
		t.Fatalf("NewObserver() error = %v", err)
	}
	mw, err := MiddlewareFromObserver(obs)
	if err != nil {
		t.Fatalf("MiddlewareFromObserver() error = %v", err)
	}
	if mw.Metrics() == nil || mw.Logger() == nil {
		t.Error("expected middleware components to be set")
	}
}
