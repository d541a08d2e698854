package bus

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/petal-labs/jarvis/runtime"
)

// StoreSubscriber writes published events to an EventStore.
// It implements EventHandler semantics for use as a bus subscriber handler.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
	failed atomic.Uint64
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Attach subscribes the store to every event published on b.
func (s *StoreSubscriber) Attach(b EventBus) Subscription {
	return b.Subscribe(runtime.Wildcard, s.Handle)
}

// Handle persists a single event to the store.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.failed.Add(1)
		s.logger.Error("failed to persist event",
			"session_id", event.SessionID,
			"type", event.Type,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Failed returns how many appends were rejected by the store.
func (s *StoreSubscriber) Failed() uint64 {
	return s.failed.Load()
}

// Drain persists events received on ch until it is closed. It lets a slow
// store sit behind a ChanSubscription instead of inside bus dispatch.
func (s *StoreSubscriber) Drain(ch <-chan runtime.Event) {
	for e := range ch {
		s.Handle(e)
	}
}
