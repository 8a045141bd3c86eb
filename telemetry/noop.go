package telemetry

import (
	"context"
	"time"
)

type (
	// NoopLogger discards all log events.
	NoopLogger struct{}
	// NoopTracer produces spans that do nothing.
	NoopTracer struct{}
	// NoopMetrics discards all measurements.
	NoopMetrics struct{}

	noopSpan struct{}
)

// NewNoopLogger returns a Logger that discards everything.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopTracer returns a Tracer that produces inert spans.
func NewNoopTracer() Tracer { return NoopTracer{} }

// NewNoopMetrics returns a Metrics recorder that discards everything.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// Debug implements Logger.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info implements Logger.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn implements Logger.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error implements Logger.
func (NoopLogger) Error(context.Context, string, ...any) {}

// Start implements Tracer.
func (NoopTracer) Start(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) SetAttribute(string, any) {}
func (noopSpan) RecordError(error)        {}
func (noopSpan) End()                     {}

// IncCounter implements Metrics.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer implements Metrics.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}
