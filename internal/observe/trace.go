package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the mouthpiece tracer.
const tracerName = "github.com/MrWong99/mouthpiece"

// Span names. Both are the slow, failure-prone edges of the pipeline: the
// audio device and the TTS backend connection.
const (
	SpanDeviceOpen    = "device.open"
	SpanTransportDial = "transport.dial"
)

// Span attribute keys.
const (
	AttrBackend   = attribute.Key("mouthpiece.device.backend")
	AttrDirection = attribute.Key("mouthpiece.device.direction")
	AttrEndpoint  = attribute.Key("mouthpiece.transport.endpoint")
	AttrRetry     = attribute.Key("mouthpiece.transport.retry")
)

// Op is a traced and timed operation. End it exactly once.
type Op struct {
	span  trace.Span
	start time.Time
}

// StartDeviceOpen starts the span around opening a playback or capture
// device on the named backend.
func StartDeviceOpen(ctx context.Context, backend, direction string) (context.Context, *Op) {
	return start(ctx, SpanDeviceOpen, AttrBackend.String(backend), AttrDirection.String(direction))
}

// StartDial starts the span around one websocket dial to the TTS backend.
// retry counts the consecutive failures before this attempt.
func StartDial(ctx context.Context, endpoint string, retry int) (context.Context, *Op) {
	return start(ctx, SpanTransportDial, AttrEndpoint.String(endpoint), AttrRetry.Int(retry))
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Op) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &Op{span: span, start: time.Now()}
}

// End closes the span, marking it failed when err is non-nil, and returns
// how long the operation took so callers can feed their histograms.
func (o *Op) End(err error) time.Duration {
	elapsed := time.Since(o.start)
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
	}
	o.span.End()
	return elapsed
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
