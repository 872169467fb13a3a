package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name of the tracer for recorder operations.
	TracerName = "penf-recorder"
)

// Span attribute keys
const (
	AttrSessionID      = "session_id"
	AttrConversationID = "conversation_id"
	AttrConferenceURI  = "conference_uri"
	AttrRecorderType   = "recorder_type"
	AttrReason         = "reason"
	AttrMessageCount   = "message_count"
	AttrErrorCode      = "error_code"
)

// Span names
const (
	SpanSession  = "recorder.session"
	SpanRecorder = "recorder.media"
	SpanPersist  = "recorder.persist"
)

// Tracer provides distributed tracing for recorder operations.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new recorder tracer.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(TracerName),
	}
}

// StartSessionSpan starts the root span covering a session's lifetime.
func (t *Tracer) StartSessionSpan(ctx context.Context, sessionID, conversationID string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, SpanSession,
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrConversationID, conversationID),
		),
	)
}

// StartRecorderSpan starts a span covering one media recorder.
func (t *Tracer) StartRecorderSpan(ctx context.Context, recorderType string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, SpanRecorder,
		trace.WithAttributes(
			attribute.String(AttrRecorderType, recorderType),
		),
	)
}

// StartPersistSpan starts a span for handing a transcript to storage.
func (t *Tracer) StartPersistSpan(ctx context.Context, sessionID, reason string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, SpanPersist,
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrReason, reason),
		),
	)
}

// SpanHelper provides convenient methods for working with the current span.
type SpanHelper struct {
	span trace.Span
}

// NewSpanHelper creates a new span helper for the given span.
func NewSpanHelper(span trace.Span) *SpanHelper {
	return &SpanHelper{span: span}
}

// SetConference records the conference a session was promoted to.
func (h *SpanHelper) SetConference(uri string) {
	h.span.SetAttributes(attribute.String(AttrConferenceURI, uri))
}

// SetMessageCount records the transcript length.
func (h *SpanHelper) SetMessageCount(n int) {
	h.span.SetAttributes(attribute.Int(AttrMessageCount, n))
}

// SetError records an error on the span.
func (h *SpanHelper) SetError(err error, code string) {
	h.span.SetStatus(codes.Error, err.Error())
	h.span.SetAttributes(attribute.String(AttrErrorCode, code))
	h.span.RecordError(err)
}

// SetSuccess marks the span as successful.
func (h *SpanHelper) SetSuccess() {
	h.span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span.
func (h *SpanHelper) AddEvent(name string, attrs ...attribute.KeyValue) {
	h.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
