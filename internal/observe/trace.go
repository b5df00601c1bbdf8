package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every intervoice span.
const tracerName = "github.com/MrWong99/intervoice"

// StartSpan opens a span on the global tracer provider. Session API calls,
// engine start and stop, and ops requests each get one. End the span when the
// operation returns.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// CorrelationID is the hex trace ID carried by ctx, empty outside a span.
// [Middleware] returns it to HTTP callers as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger is the default logger tagged with the trace_id and span_id of the
// span in ctx, so engine and session API log lines can be joined to traces.
// Outside a span it is [slog.Default] unchanged.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
