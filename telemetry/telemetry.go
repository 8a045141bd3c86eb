// Package telemetry defines the logging, tracing and metrics seams used by
// the thread runtime and provider clients. Implementations delegate to
// goa.design/clue/log and OpenTelemetry; tests use the noop variants.
// Verbosity is decided once at process start (via log.Context options) and is
// read-only thereafter.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log events. Key-value pairs alternate keys and
	// values, as in Debug(ctx, "thread.run", "model", model).
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Tracer creates spans around model runs and tool executions.
	Tracer interface {
		// Start opens a span and returns the derived context and span handle.
		Start(ctx context.Context, name string) (context.Context, Span)
	}

	// Span is an open trace span.
	Span interface {
		// SetAttribute attaches a key/value attribute to the span.
		SetAttribute(key string, value any)
		// RecordError marks the span failed with the given error.
		RecordError(err error)
		// End completes the span.
		End()
	}

	// Metrics records counters and timers for run accounting.
	Metrics interface {
		// IncCounter increments a counter by value.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration observation.
		RecordTimer(name string, d time.Duration, tags ...string)
	}
)
