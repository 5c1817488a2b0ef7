// Package telemetry integrates engine events with Clue logging and
// OpenTelemetry metrics and tracing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the engine.
// Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for engine instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code can remain agnostic of the
// underlying OpenTelemetry provider. Uses OTEL option types for type safety.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span. Uses OTEL option types for type
// safety.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names recorded by the engine.
const (
	// MetricProcessed counts entries a consumer processed, tagged by consumer.
	MetricProcessed = "brook.entries.processed"
	// MetricPublished counts values published to sub-streams and outputs.
	MetricPublished = "brook.values.published"
	// MetricDLQ counts records moved to dead-letter streams.
	MetricDLQ = "brook.dlq.records"
	// MetricJoinLatency times the gap between a join's first arrival and its
	// emit.
	MetricJoinLatency = "brook.join.latency"
	// MetricPendingJoins gauges the number of incomplete joins per consumer.
	MetricPendingJoins = "brook.joins.pending"
	// MetricHistoryWaits counts history wait-predicate timeouts.
	MetricHistoryWaits = "brook.history.wait_timeouts"
)
