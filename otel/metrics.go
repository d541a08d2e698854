package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/jarvis/runtime"
)

// MetricsHandler translates stream events into OpenTelemetry metrics.
// It counts published events, started streams, streamed tokens and
// terminal errors, and records stream durations.
type MetricsHandler struct {
	events   metric.Int64Counter
	streams  metric.Int64Counter
	tokens   metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to create
// instruments for recording stream metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	events, err := meter.Int64Counter("jarvis.events",
		metric.WithDescription("Number of published events"),
	)
	if err != nil {
		return nil, err
	}

	streams, err := meter.Int64Counter("jarvis.stream.started",
		metric.WithDescription("Number of started streams"),
	)
	if err != nil {
		return nil, err
	}

	tokens, err := meter.Int64Counter("jarvis.stream.deltas",
		metric.WithDescription("Number of streamed deltas"),
	)
	if err != nil {
		return nil, err
	}

	errs, err := meter.Int64Counter("jarvis.stream.errors",
		metric.WithDescription("Number of streams ending with an error event"),
	)
	if err != nil {
		return nil, err
	}

	dur, err := meter.Float64Histogram("jarvis.stream.duration",
		metric.WithDescription("Duration of a streaming turn in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		events:   events,
		streams:  streams,
		tokens:   tokens,
		errors:   errs,
		duration: dur,
	}, nil
}

// Handle processes an event and records the appropriate metrics.
// It implements runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	h.events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(e.Type))))

	switch e.Type {
	case runtime.EventStreamStart:
		h.streams.Add(ctx, 1)
	case runtime.EventStreamDelta:
		h.tokens.Add(ctx, 1)
	case runtime.EventStreamError:
		h.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("error_type", e.PayloadString("error_type")),
		))
	case runtime.EventChatEnd:
		h.handleEnd(ctx, e)
	}
}

// handleEnd records the turn duration, labelled by outcome.
func (h *MetricsHandler) handleEnd(ctx context.Context, e runtime.Event) {
	ms, ok := e.PayloadInt("duration_ms")
	if !ok {
		return
	}
	outcome := "ok"
	if okVal, _ := e.Payload["ok"].(bool); !okVal {
		outcome = "error"
		if reason := e.PayloadString("reason"); reason != "" {
			outcome = reason
		}
	}
	h.duration.Record(ctx, (time.Duration(ms) * time.Millisecond).Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
