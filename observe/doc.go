// Package observe provides the logging, tracing and metrics used around
// evaluation calls.
//
// Logging is structured JSON on zap with automatic redaction of sensitive
// keys. Tracing and metrics are OpenTelemetry; exporters are chosen by name
// (see the exporters subpackage). Middleware wraps a single invocation with
// a span, metrics and a log line.
package observe
