package otel

import (
	"github.com/petal-labs/jarvis/runtime"
)

// EnrichPublisher wraps an EventPublisher with OpenTelemetry trace context.
// When an event carries a stream_id with an open span in the TracingHandler,
// the span's trace and span ids are added to the payload as otel_trace_id
// and otel_span_id. Events without an active span pass through unchanged.
func EnrichPublisher(pub runtime.EventPublisher, tracing *TracingHandler) runtime.EventPublisher {
	return enrichingPublisher{next: pub, tracing: tracing}
}

type enrichingPublisher struct {
	next    runtime.EventPublisher
	tracing *TracingHandler
}

func (p enrichingPublisher) Publish(e runtime.Event) runtime.Event {
	if id := e.PayloadString("stream_id"); id != "" {
		sc := p.tracing.ActiveSpanContext(id)
		if sc.IsValid() {
			e = e.WithFields(map[string]any{
				"otel_trace_id": sc.TraceID().String(),
				"otel_span_id":  sc.SpanID().String(),
			})
		}
	}
	return p.next.Publish(e)
}
