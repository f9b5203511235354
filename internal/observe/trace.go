package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
)

const tracerName = "github.com/hbtz-dev/neuro2024simulator"

// Span attribute keys.
const (
	keyOp           = attribute.Key("neurosim.op")
	keyThread       = attribute.Key("neurosim.thread")
	keyTracks       = attribute.Key("neurosim.catalog.tracks")
	keyTracksLoaded = attribute.Key("neurosim.catalog.loaded")
	keyTracksFailed = attribute.Key("neurosim.catalog.failed")
)

// Tracer returns the server's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID in ctx, or "" when there is none. It
// is echoed as X-Correlation-ID and tags control-session logs.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns base tagged with the trace and span IDs in ctx. base is
// returned unchanged when ctx carries no span; nil means [slog.Default].
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// CommandSpan starts a span for one control command. thread is empty for
// context-wide ops.
func CommandSpan(ctx context.Context, op, thread string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{keyOp.String(op)}
	if thread != "" {
		attrs = append(attrs, keyThread.String(thread))
	}
	return StartSpan(ctx, "control."+op, trace.WithAttributes(attrs...))
}

// CatalogSpan starts the span covering a catalog load of n tracks.
func CatalogSpan(ctx context.Context, n int) (context.Context, trace.Span) {
	return StartSpan(ctx, "catalog.load", trace.WithAttributes(keyTracks.Int(n)))
}

// RecordCatalogReport annotates a catalog span with what decoded. Each
// failed track also becomes a span event.
func RecordCatalogReport(span trace.Span, loaded int, failed []audio.TrackID) {
	ids := make([]string, len(failed))
	for i, id := range failed {
		ids[i] = string(id)
		span.AddEvent("track failed", trace.WithAttributes(attribute.String("neurosim.track", ids[i])))
	}
	span.SetAttributes(keyTracksLoaded.Int(loaded), keyTracksFailed.StringSlice(ids))
}

// EndSpan ends span, marking it failed when err is non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
