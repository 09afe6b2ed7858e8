package observe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*metricsImpl, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	found := findMetric(rm, name)
	if found == nil {
		return 0
	}
	sum, ok := found.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64], got %T", name, found.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

// TestMetrics_InvocationCounters verifies total and error counters.
func TestMetrics_InvocationCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	meta := CallMeta{Target: "grader", Model: "small"}

	m.RecordInvocation(ctx, meta, 100*time.Millisecond, nil)
	m.RecordInvocation(ctx, meta, 100*time.Millisecond, errors.New("503"))

	rm := collect(t, reader)
	if got := sumOf(t, rm, "evalops.invoke.total"); got != 2 {
		t.Errorf("evalops.invoke.total = %d, want 2", got)
	}
	if got := sumOf(t, rm, "evalops.invoke.errors"); got != 1 {
		t.Errorf("evalops.invoke.errors = %d, want 1", got)
	}
}

// TestMetrics_DurationHistogramRecords verifies duration is recorded.
func TestMetrics_DurationHistogramRecords(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordInvocation(context.Background(), CallMeta{Target: "timed"}, 50*time.Millisecond, nil)

	found := findMetric(collect(t, reader), "evalops.invoke.duration_ms")
	if found == nil {
		t.Fatal("evalops.invoke.duration_ms metric not found")
	}
	hist, ok := found.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", found.Data)
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if dp := hist.DataPoints[0]; dp.Sum != 50 {
		t.Errorf("expected duration 50ms, got %f", dp.Sum)
	}
}

// TestMetrics_LabelsApplied verifies labels include call metadata.
func TestMetrics_LabelsApplied(t *testing.T) {
	m, reader := newTestMetrics(t)

	meta := CallMeta{Target: "grader", PromptVariantID: "v2", Model: "small"}
	m.RecordInvocation(context.Background(), meta, 10*time.Millisecond, nil)

	found := findMetric(collect(t, reader), "evalops.invoke.total")
	if found == nil {
		t.Fatal("evalops.invoke.total metric not found")
	}
	sum := found.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}

	want := map[string]string{
		"evalops.target":         "grader",
		"evalops.prompt_variant": "v2",
		"evalops.model":          "small",
	}
	attrs := sum.DataPoints[0].Attributes
	for key, val := range want {
		got, ok := attrs.Value(attribute.Key(key))
		if !ok {
			t.Errorf("attribute %s not found", key)
			continue
		}
		if got.AsString() != val {
			t.Errorf("attribute %s = %q, want %q", key, got.AsString(), val)
		}
	}
}

func TestMetrics_CacheCircuitAndOutcomes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCacheLookup(ctx, true)
	m.RecordCacheLookup(ctx, false)
	m.RecordCacheLookup(ctx, false)
	m.RecordCircuitTransition(ctx, "grader", "closed", "open")
	m.RecordTaskOutcome(ctx, "success", "")
	m.RecordTaskOutcome(ctx, "failed", "permanent")

	rm := collect(t, reader)
	if got := sumOf(t, rm, "evalops.cache.lookups"); got != 3 {
		t.Errorf("evalops.cache.lookups = %d, want 3", got)
	}
	if got := sumOf(t, rm, "evalops.circuit.transitions"); got != 1 {
		t.Errorf("evalops.circuit.transitions = %d, want 1", got)
	}
	if got := sumOf(t, rm, "evalops.task.outcomes"); got != 2 {
		t.Errorf("evalops.task.outcomes = %d, want 2", got)
	}
}

// TestMetrics_ConcurrentRecording verifies thread safety.
func TestMetrics_ConcurrentRecording(t *testing.T) {
	m, reader := newTestMetrics(t)
	meta := CallMeta{Target: "concurrent"}
	const numGoroutines = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			m.RecordInvocation(context.Background(), meta, time.Millisecond, nil)
		}()
	}
	wg.Wait()

	if got := sumOf(t, collect(t, reader), "evalops.invoke.total"); got != numGoroutines {
		t.Errorf("expected count %d, got %d", numGoroutines, got)
	}
}

// findMetric searches for a metric by name in ResourceMetrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}
