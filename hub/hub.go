// Package hub assembles the streaming core into one constructible component
// with an explicit lifecycle. Production wiring holds one Hub per process;
// tests build a fresh Hub per case and call Check after tearing down.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petal-labs/jarvis/bus"
	"github.com/petal-labs/jarvis/runtime"
	"github.com/petal-labs/jarvis/stream"
)

// ReasonReset is the cancellation reason used by Reset.
const ReasonReset = "reset"

// Config configures a Hub.
type Config struct {
	// BacklogSize bounds the bus backlog (default: bus.DefaultWindowSize).
	BacklogSize int

	// StoreSize bounds the long-poll store (default: bus.DefaultWindowSize).
	StoreSize int

	// GracePeriod bounds predecessor eviction (default: stream.DefaultGracePeriod).
	GracePeriod time.Duration

	// TurnTimeout bounds each turn (0 = no limit).
	TurnTimeout time.Duration

	// Generator produces text for turns. Required.
	Generator runtime.Generator

	// Archive, when set, receives every published event in addition to the
	// in-memory store. Writes happen on a hub-owned goroutine fed by a
	// channel subscription, so a slow archive never stalls publishers.
	Archive bus.EventStore

	// ArchiveBuffer is the archive queue length; events beyond it are
	// dropped and counted (default: 4096).
	ArchiveBuffer int

	// Observers receive every event. They are part of the wiring, so Reset
	// keeps them attached.
	Observers []runtime.EventHandler

	// PublishDecorator wraps the publisher turns use, e.g. to add trace
	// context to payloads.
	PublishDecorator func(runtime.EventPublisher) runtime.EventPublisher

	Logger *slog.Logger
}

// Hub owns the bus, the long-poll store, the stream registry and the runner.
type Hub struct {
	Bus      *bus.MemBus
	Store    *bus.MemEventStore
	Registry *stream.Registry
	Runner   *runtime.Runner

	archive       bus.EventStore
	archiveBuffer int
	observers     []runtime.EventHandler
	logger        *slog.Logger

	mu          sync.Mutex
	wiring      []bus.Subscription
	archiveSub  *bus.ChanSubscription
	closed      bool
	writers     sync.WaitGroup
	writerCount atomic.Int64
}

// New builds a Hub and subscribes its stores to the bus.
func New(cfg Config) (*Hub, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := bus.NewMemBus(bus.MemBusConfig{BacklogSize: cfg.BacklogSize, Logger: cfg.Logger})
	reg := stream.NewRegistry(stream.Config{GracePeriod: cfg.GracePeriod, Logger: cfg.Logger})
	var pub runtime.EventPublisher = b
	if cfg.PublishDecorator != nil {
		pub = cfg.PublishDecorator(pub)
	}
	runner, err := runtime.NewRunner(runtime.RunnerConfig{
		Bus:         pub,
		Registry:    reg,
		Generator:   cfg.Generator,
		TurnTimeout: cfg.TurnTimeout,
		Logger:      cfg.Logger,
	})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("hub: %w", err)
	}

	if cfg.ArchiveBuffer <= 0 {
		cfg.ArchiveBuffer = 4096
	}

	h := &Hub{
		Bus:           b,
		Store:         bus.NewMemEventStore(cfg.StoreSize),
		Registry:      reg,
		Runner:        runner,
		archive:       cfg.Archive,
		archiveBuffer: cfg.ArchiveBuffer,
		observers:     cfg.Observers,
		logger:        cfg.Logger,
	}
	h.wire()
	return h, nil
}

func (h *Hub) wire() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.wiring = []bus.Subscription{
		bus.NewStoreSubscriber(h.Store, h.logger).Attach(h.Bus),
	}
	h.archiveSub = nil
	if h.archive != nil {
		cs := h.Bus.SubscribeChan("", h.archiveBuffer)
		h.wiring = append(h.wiring, cs)
		h.archiveSub = cs

		writer := bus.NewStoreSubscriber(h.archive, h.logger)
		h.writers.Add(1)
		h.writerCount.Add(1)
		go func() {
			defer h.writers.Done()
			defer h.writerCount.Add(-1)
			writer.Drain(cs.Events())
		}()
	}
	for _, o := range h.observers {
		if o != nil {
			h.wiring = append(h.wiring, h.Bus.Subscribe(runtime.Wildcard, o))
		}
	}
}

// waitWriters blocks until the archive writer drained its queue and exited.
func (h *Hub) waitWriters(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.writers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub: wait archive writer: %w", ctx.Err())
	}
}

// Reset cancels and removes every stream, waits for running turns, drops all
// subscriptions and clears the backlog and the store. The wiring (stores and
// observers) is re-attached and sequence numbers keep increasing. No turn is
// admitted while Reset runs.
func (h *Hub) Reset(ctx context.Context) error {
	release := h.Runner.Hold()
	defer release()

	var errs []error
	if err := h.Registry.CancelAll(ctx, ReasonReset); err != nil {
		errs = append(errs, err)
	}
	if err := h.Runner.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hub: wait turns: %w", err))
	}
	h.Bus.Reset()
	if err := h.waitWriters(ctx); err != nil {
		errs = append(errs, err)
	}
	h.Store.Clear()
	h.wire()
	return errors.Join(errs...)
}

// Shutdown stops accepting streams, cancels running ones, waits for them and
// for the archive writer, and closes the bus and the store.
func (h *Hub) Shutdown(ctx context.Context) error {
	release := h.Runner.Hold()
	defer release()

	var errs []error
	if err := h.Registry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := h.Runner.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hub: wait turns: %w", err))
	}

	h.mu.Lock()
	wiring := h.wiring
	h.wiring = nil
	h.closed = true
	h.mu.Unlock()
	for _, sub := range wiring {
		sub.Unsubscribe()
	}

	if err := h.Bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := h.waitWriters(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := h.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Snapshot is a point-in-time view of the hub's bookkeeping.
type Snapshot struct {
	Subscribers int       `json:"subscribers"`
	Wiring      int       `json:"wiring"`
	Waiters     int       `json:"waiters"`
	Streams     int       `json:"streams"`
	Turns       int       `json:"turns"`
	StoreLen    int       `json:"store_len"`
	LastSeq     uint64    `json:"last_seq"`
	Bus         bus.Stats `json:"bus"`

	// ArchiveWriters is the number of running archive writer goroutines.
	ArchiveWriters int `json:"archive_writers"`

	// ArchiveDropped counts events the current archive queue discarded.
	ArchiveDropped uint64 `json:"archive_dropped"`
}

// Snapshot returns current counts.
func (h *Hub) Snapshot() Snapshot {
	h.mu.Lock()
	wiring := len(h.wiring)
	var dropped uint64
	if h.archiveSub != nil {
		dropped = h.archiveSub.Dropped()
	}
	h.mu.Unlock()

	st := h.Bus.Stats()
	total := st.GlobalSubscribers + st.SessionSubscribers
	return Snapshot{
		Subscribers:    total - wiring,
		Wiring:         wiring,
		Waiters:        h.Store.Waiters(),
		Streams:        h.Registry.Len(),
		Turns:          h.Runner.Active(),
		StoreLen:       h.Store.Len(),
		LastSeq:        st.LastSeq,
		Bus:            st,
		ArchiveWriters: int(h.writerCount.Load()),
		ArchiveDropped: dropped,
	}
}

// Check reports residual state: subscriptions other than the store wiring,
// blocked store waiters, registry entries, running turns and archive writers
// that should have stopped (or are missing).
func (h *Hub) Check() error {
	s := h.Snapshot()
	h.mu.Lock()
	wantWriters := 0
	if h.archive != nil && !h.closed {
		wantWriters = 1
	}
	h.mu.Unlock()

	var errs []error
	if s.Subscribers != 0 {
		errs = append(errs, fmt.Errorf("hub: %d residual subscriptions", s.Subscribers))
	}
	if s.Waiters != 0 {
		errs = append(errs, fmt.Errorf("hub: %d blocked store waiters", s.Waiters))
	}
	if s.Streams != 0 {
		errs = append(errs, fmt.Errorf("hub: %d residual stream entries", s.Streams))
	}
	if s.Turns != 0 {
		errs = append(errs, fmt.Errorf("hub: %d running turns", s.Turns))
	}
	if s.ArchiveWriters != wantWriters {
		errs = append(errs, fmt.Errorf("hub: %d archive writers, want %d", s.ArchiveWriters, wantWriters))
	}
	return errors.Join(errs...)
}
