// Package telemetry defines the logging, metrics and tracing seams used by the
// task runtime. Production wiring delegates to Clue and OpenTelemetry; tests
// and embedded uses fall back to the no-op implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging used throughout the runtime. Keyvals
	// are alternating key/value pairs; non-string keys are dropped.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and histogram helpers. Tags are alternating
	// key/value strings turned into metric attributes.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation so runtime code stays agnostic of the
	// configured OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span represents an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names shared by the runtime packages.
const (
	MetricCapabilityCalls    = "taskrun.capability.calls"
	MetricCapabilityDuration = "taskrun.capability.duration"
	MetricRunSpend           = "taskrun.run.spend"
	MetricRunTerminal        = "taskrun.run.terminal"
	MetricBudgetDenials      = "taskrun.budget.denials"
	MetricJobsDispatched     = "taskrun.jobs.dispatched"
	MetricJobsRetried        = "taskrun.jobs.retried"
	MetricJobsDeadLettered   = "taskrun.jobs.dead_lettered"
	MetricJobDuration        = "taskrun.jobs.duration"
)
