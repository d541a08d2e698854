package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Gauges is a point-in-time view of the streaming core's bookkeeping.
type Gauges struct {
	Streams     int
	Turns       int
	Subscribers int
	Waiters     int
	StoreLen    int
	LastSeq     uint64
}

// Observer exports Gauges as OpenTelemetry observable gauges. The snapshot
// function is called on every collection.
type Observer struct {
	registration metric.Registration
}

// NewObserver registers the gauges on meter.
func NewObserver(meter metric.Meter, snapshot func() Gauges) (*Observer, error) {
	streams, err := meter.Int64ObservableGauge("jarvis.streams.active",
		metric.WithDescription("Number of live stream entries"),
	)
	if err != nil {
		return nil, err
	}
	turns, err := meter.Int64ObservableGauge("jarvis.turns.running",
		metric.WithDescription("Number of running turn goroutines"),
	)
	if err != nil {
		return nil, err
	}
	subs, err := meter.Int64ObservableGauge("jarvis.bus.subscribers",
		metric.WithDescription("Number of bus subscriptions outside the store wiring"),
	)
	if err != nil {
		return nil, err
	}
	waiters, err := meter.Int64ObservableGauge("jarvis.store.waiters",
		metric.WithDescription("Number of blocked long-poll waiters"),
	)
	if err != nil {
		return nil, err
	}
	storeLen, err := meter.Int64ObservableGauge("jarvis.store.events",
		metric.WithDescription("Number of events retained in the store"),
	)
	if err != nil {
		return nil, err
	}
	lastSeq, err := meter.Int64ObservableGauge("jarvis.bus.last_seq",
		metric.WithDescription("Sequence number of the most recent event"),
	)
	if err != nil {
		return nil, err
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		g := snapshot()
		o.ObserveInt64(streams, int64(g.Streams))
		o.ObserveInt64(turns, int64(g.Turns))
		o.ObserveInt64(subs, int64(g.Subscribers))
		o.ObserveInt64(waiters, int64(g.Waiters))
		o.ObserveInt64(storeLen, int64(g.StoreLen))
		o.ObserveInt64(lastSeq, int64(g.LastSeq))
		return nil
	}, streams, turns, subs, waiters, storeLen, lastSeq)
	if err != nil {
		return nil, err
	}
	return &Observer{registration: reg}, nil
}

// Close unregisters the gauges.
func (o *Observer) Close() error {
	if o == nil {
		return nil
	}
	return o.registration.Unregister()
}
