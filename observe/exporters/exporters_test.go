package exporters

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestExporter_InvalidName(t *testing.T) {
	_, err := NewTracingExporter(context.Background(), "jaeger")
	if !errors.Is(err, ErrUnknownExporter) {
		t.Fatalf("NewTracingExporter(jaeger) error = %v, want ErrUnknownExporter", err)
	}

	_, err = NewMetricsReader(context.Background(), "badvalue")
	if !errors.Is(err, ErrUnknownExporter) {
		t.Fatalf("NewMetricsReader(badvalue) error = %v, want ErrUnknownExporter", err)
	}
}

func TestExporter_Stdout(t *testing.T) {
	var buf bytes.Buffer
	prev := Stdout
	Stdout = &buf
	defer func() { Stdout = prev }()

	exp, err := NewTracingExporter(context.Background(), "stdout")
	if err != nil {
		t.Fatalf("failed to create stdout tracing exporter: %v", err)
	}
	if exp == nil {
		t.Fatal("expected non-nil exporter")
	}

	reader, err := NewMetricsReader(context.Background(), "stdout")
	if err != nil {
		t.Fatalf("failed to create stdout metrics reader: %v", err)
	}
	if reader == nil {
		t.Fatal("expected non-nil reader")
	}
}

func TestExporter_OtlpMissingEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")

	if _, err := NewTracingExporter(context.Background(), "otlp"); !errors.Is(err, ErrEndpointNotConfigured) {
		t.Errorf("NewTracingExporter(otlp) error = %v, want ErrEndpointNotConfigured", err)
	}
	if _, err := NewMetricsReader(context.Background(), "otlp"); !errors.Is(err, ErrEndpointNotConfigured) {
		t.Errorf("NewMetricsReader(otlp) error = %v, want ErrEndpointNotConfigured", err)
	}
}

func TestExporter_OtlpWithEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4317")

	exp, err := NewTracingExporter(context.Background(), "otlp")
	if err != nil {
		t.Fatalf("failed to create OTLP exporter with endpoint: %v", err)
	}
	if exp == nil {
		t.Fatal("expected non-nil exporter")
	}
}

func TestExporter_SignalSpecificEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "http://collector:4317")

	ep, err := otlpEndpoint("TRACES")
	if err != nil {
		t.Fatalf("otlpEndpoint(TRACES) error = %v", err)
	}
	if ep != "http://collector:4317" {
		t.Errorf("otlpEndpoint(TRACES) = %q, want http://collector:4317", ep)
	}
}

func TestExporter_PrometheusReturnsReader(t *testing.T) {
	reader, err := NewMetricsReader(context.Background(), "prometheus")
	if err != nil {
		t.Fatalf("failed to create Prometheus reader: %v", err)
	}
	if reader == nil {
		t.Fatal("expected non-nil reader")
	}
}

func TestExporter_NoneDiscards(t *testing.T) {
	if _, err := NewTracingExporter(context.Background(), "none"); err != nil {
		t.Fatalf("failed to create none exporter: %v", err)
	}
	if _, err := NewMetricsReader(context.Background(), ""); err != nil {
		t.Fatalf("failed to create none metrics reader: %v", err)
	}
}
