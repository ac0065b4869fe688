package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every circlecall span.
const tracerName = "github.com/MrWong99/circlecall"

// Tracer returns the circlecall tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// Session identifies the call a context belongs to.
type Session struct {
	Transport string
	RoomID    string
}

type sessionKey struct{}

// WithSession tags ctx with s. Spans from [StartSessionSpan] and loggers
// from [Logger] carry its fields.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session ctx was tagged with.
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

// StartSessionSpan starts the span "session.<op>" with the transport and
// room of the session in ctx as attributes.
func StartSessionSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	var attrs []attribute.KeyValue
	if s, ok := SessionFrom(ctx); ok {
		attrs = append(attrs,
			attribute.String("transport", s.Transport),
			attribute.String("room_id", s.RoomID),
		)
	}
	return StartSpan(ctx, "session."+op, trace.WithAttributes(attrs...))
}

// FailSpan marks span as failed with err. It is a no-op for a nil err.
func FailSpan(span trace.Span, err error, msg string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

// CorrelationID returns the trace id of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the session and the
// trace and span ids found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if s, ok := SessionFrom(ctx); ok {
		l = l.With(slog.String("transport", s.Transport), slog.String("room_id", s.RoomID))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
