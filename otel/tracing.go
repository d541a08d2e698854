// Package otel provides OpenTelemetry integration for jarvis stream events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/jarvis/runtime"
	"github.com/petal-labs/jarvis/stream"
)

// TracingHandler translates stream events into OpenTelemetry spans. One span
// covers a streaming turn from chat.start to chat.end, keyed by stream_id.
type TracingHandler struct {
	tracer trace.Tracer

	mu    sync.RWMutex
	spans map[string]trace.Span // stream_id -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from stream events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer: tracer,
		spans:  make(map[string]trace.Span),
	}
}

// Handle processes an event and creates, annotates or ends spans.
// It implements runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	streamID := e.PayloadString("stream_id")
	if streamID == "" {
		return
	}
	switch e.Type {
	case runtime.EventChatStart:
		h.handleStart(streamID, e)
	case runtime.EventStreamStatus:
		h.addEvent(streamID, e, attribute.String("jarvis.status", e.PayloadString("status")))
	case runtime.EventStreamFinal:
		h.handleFinal(streamID, e)
	case runtime.EventStreamError:
		h.handleError(streamID, e)
	case runtime.EventChatEnd:
		h.handleEnd(streamID, e)
	}
}

func (h *TracingHandler) handleStart(streamID string, e runtime.Event) {
	attrs := []attribute.KeyValue{
		attribute.String("jarvis.stream_id", streamID),
		attribute.String("jarvis.session_id", e.SessionID),
		attribute.String("jarvis.trace_id", e.PayloadString("trace_id")),
	}
	if model := e.PayloadString("model"); model != "" {
		attrs = append(attrs, attribute.String("jarvis.model", model))
	}

	_, span := h.tracer.Start(context.Background(), "stream",
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	if old, ok := h.spans[streamID]; ok {
		old.End(trace.WithTimestamp(e.Time))
	}
	h.spans[streamID] = span
	h.mu.Unlock()
}

func (h *TracingHandler) span(streamID string) (trace.Span, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	span, ok := h.spans[streamID]
	return span, ok
}

func (h *TracingHandler) addEvent(streamID string, e runtime.Event, attrs ...attribute.KeyValue) {
	span, ok := h.span(streamID)
	if !ok {
		return
	}
	span.AddEvent(string(e.Type), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleFinal records the size of the completed message.
func (h *TracingHandler) handleFinal(streamID string, e runtime.Event) {
	span, ok := h.span(streamID)
	if !ok {
		return
	}
	parts, _ := e.PayloadInt("parts")
	span.SetAttributes(attribute.Int("jarvis.parts", parts))
	span.SetStatus(codes.Ok, "")
}

// handleError marks the span. Provider failures are errors; cancellations
// only carry their classification.
func (h *TracingHandler) handleError(streamID string, e runtime.Event) {
	span, ok := h.span(streamID)
	if !ok {
		return
	}
	errType := e.PayloadString("error_type")
	msg := e.PayloadString("error_message")
	span.SetAttributes(attribute.String("jarvis.error_type", errType))
	if errType == stream.ErrorTypeProvider {
		span.SetStatus(codes.Error, msg)
		span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
		return
	}
	span.AddEvent("cancelled", trace.WithTimestamp(e.Time), trace.WithAttributes(
		attribute.String("jarvis.reason", msg),
	))
}

// handleEnd ends the stream span.
func (h *TracingHandler) handleEnd(streamID string, e runtime.Event) {
	h.mu.Lock()
	span, ok := h.spans[streamID]
	if ok {
		delete(h.spans, streamID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	if ms, found := e.PayloadInt("duration_ms"); found {
		span.SetAttributes(attribute.Int("jarvis.duration_ms", ms))
	}
	if reason := e.PayloadString("reason"); reason != "" {
		span.SetAttributes(attribute.String("jarvis.reason", reason))
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext of the stream's open span.
// Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSpanContext(streamID string) trace.SpanContext {
	span, ok := h.span(streamID)
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// Open returns the number of open stream spans.
func (h *TracingHandler) Open() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.spans)
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
