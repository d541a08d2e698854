package hub

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/jarvis/bus"
	"github.com/petal-labs/jarvis/llmprovider"
	"github.com/petal-labs/jarvis/runtime"
	"github.com/petal-labs/jarvis/stream"
)

// blockingGenerator sends one delta and then waits for cancellation.
var blockingGenerator = runtime.GeneratorFunc(func(ctx context.Context, _ runtime.GenerateRequest) (<-chan runtime.Chunk, error) {
	out := make(chan runtime.Chunk)
	go func() {
		defer close(out)
		select {
		case out <- runtime.Chunk{Delta: "partial"}:
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return out, nil
})

func newTestHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	if cfg.Generator == nil {
		cfg.Generator = &llmprovider.EchoGenerator{ChunkSize: 2}
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = time.Second
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startTurn(t *testing.T, h *Hub, session, text string) *runtime.Turn {
	t.Helper()
	turn, err := h.Runner.Start(testContext(t), runtime.TurnRequest{
		SessionID: session,
		Generate: runtime.GenerateRequest{
			Messages: []runtime.Message{{Role: "user", Content: text}},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return turn
}

// waitStore blocks until the store holds an event of type t.
func waitStore(t *testing.T, h *Hub, typ runtime.EventType) runtime.Event {
	t.Helper()
	ctx := testContext(t)
	var cursor uint64
	for {
		page, err := h.Store.WaitSince(ctx, cursor, time.Second, bus.Query{})
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		for _, e := range page.Events {
			if e.Type == typ {
				return e
			}
		}
		cursor = page.LastSeq
	}
}

func TestNew_RequiresGenerator(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without generator")
	}
}

func TestHub_TurnLeavesNoResidue(t *testing.T) {
	h := newTestHub(t, Config{})
	turn := startTurn(t, h, "s1", "hello")

	res, err := turn.Wait(testContext(t))
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.State != stream.StateCompleted || res.Text != "hello" {
		t.Errorf("got state %v text %q, want completed hello", res.State, res.Text)
	}
	if err := h.Runner.Wait(testContext(t)); err != nil {
		t.Fatalf("Runner.Wait: %v", err)
	}
	if err := h.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
	waitStore(t, h, runtime.EventChatEnd)
}

func TestHub_CheckReportsResidue(t *testing.T) {
	h := newTestHub(t, Config{})
	sub := h.Bus.Subscribe(runtime.Wildcard, func(runtime.Event) {})

	err := h.Check()
	if err == nil {
		t.Fatal("Check should report the extra subscription")
	}
	sub.Unsubscribe()
	if err := h.Check(); err != nil {
		t.Errorf("Check after unsubscribe: %v", err)
	}
}

func TestHub_ResetCancelsAndClears(t *testing.T) {
	h := newTestHub(t, Config{Generator: blockingGenerator})
	turn := startTurn(t, h, "s1", "ignored")
	waitStore(t, h, runtime.EventStreamDelta)
	_ = h.Bus.Subscribe(runtime.Wildcard, func(runtime.Event) {})

	before := h.Snapshot().LastSeq
	if err := h.Reset(testContext(t)); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	select {
	case <-turn.Done():
	default:
		t.Fatal("Reset returned before the running turn ended")
	}
	res, _ := turn.Wait(testContext(t))
	if res.State != stream.StateCancelled {
		t.Errorf("got state %v, want cancelled", res.State)
	}
	if err := h.Check(); err != nil {
		t.Errorf("Check after Reset: %v", err)
	}
	if n := h.Store.Len(); n != 0 {
		t.Errorf("store holds %d events after Reset, want 0", n)
	}
	if s := h.Snapshot(); s.Wiring != 1 {
		t.Errorf("got %d wiring subscriptions, want 1", s.Wiring)
	}

	e := h.Bus.Publish(runtime.NewEvent("ping", ""))
	if e.Seq <= before {
		t.Errorf("seq after Reset = %d, want > %d", e.Seq, before)
	}
	waitStore(t, h, "ping")
}

func TestHub_ObserversSurviveReset(t *testing.T) {
	var seen atomic.Int64
	observer := func(e runtime.Event) {
		if e.Type == "ping" {
			seen.Add(1)
		}
	}
	h := newTestHub(t, Config{Observers: []runtime.EventHandler{observer, nil}})
	if s := h.Snapshot(); s.Wiring != 2 {
		t.Fatalf("got %d wiring subscriptions, want store plus one observer", s.Wiring)
	}

	h.Bus.Publish(runtime.NewEvent("ping", ""))
	waitStore(t, h, "ping")
	if err := h.Reset(testContext(t)); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	h.Bus.Publish(runtime.NewEvent("ping", ""))
	waitStore(t, h, "ping")

	deadline := time.Now().Add(2 * time.Second)
	for seen.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := seen.Load(); got != 2 {
		t.Errorf("observer saw %d pings, want 2", got)
	}
	if err := h.Check(); err != nil {
		t.Errorf("observers must not count as residue: %v", err)
	}
}

type taggingPublisher struct {
	next runtime.EventPublisher
}

func (p taggingPublisher) Publish(e runtime.Event) runtime.Event {
	return p.next.Publish(e.WithFields(map[string]any{"tagged": true}))
}

func TestHub_PublishDecorator(t *testing.T) {
	h := newTestHub(t, Config{
		PublishDecorator: func(pub runtime.EventPublisher) runtime.EventPublisher {
			return taggingPublisher{next: pub}
		},
	})
	turn := startTurn(t, h, "s1", "hi")
	if _, err := turn.Wait(testContext(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	e := waitStore(t, h, runtime.EventStreamFinal)
	if e.Payload["tagged"] != true {
		t.Errorf("final event payload = %v, want tagged", e.Payload)
	}
}

func TestHub_Archive(t *testing.T) {
	archive := bus.NewMemEventStore(10)
	h := newTestHub(t, Config{Archive: archive})
	h.Bus.Publish(runtime.NewEvent("ping", "s1"))
	waitStore(t, h, "ping")

	ctx := testContext(t)
	page, err := archive.WaitSince(ctx, 0, time.Second, bus.Query{})
	if err != nil {
		t.Fatalf("archive WaitSince: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].Type != "ping" {
		t.Errorf("archive holds %+v, want one ping", page.Events)
	}
}

// gatedArchive blocks every Append until open is closed.
type gatedArchive struct {
	open     chan struct{}
	appended atomic.Int64
}

func (a *gatedArchive) Append(ctx context.Context, _ runtime.Event) error {
	select {
	case <-a.open:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.appended.Add(1)
	return nil
}

func (a *gatedArchive) List(context.Context, uint64, bus.Query) ([]runtime.Event, error) {
	return nil, nil
}

func (a *gatedArchive) LatestSeq(context.Context) (uint64, error) {
	return 0, nil
}

func TestHub_SlowArchiveDoesNotStallPublish(t *testing.T) {
	archive := &gatedArchive{open: make(chan struct{})}
	h := newTestHub(t, Config{Archive: archive, ArchiveBuffer: 16})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			h.Bus.Publish(runtime.NewEvent("ping", "s1"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked behind the archive")
	}
	if n := h.Store.Len(); n != 10 {
		t.Errorf("store holds %d events, want 10", n)
	}

	close(archive.open)
	deadline := time.Now().Add(2 * time.Second)
	for archive.appended.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := archive.appended.Load(); got != 10 {
		t.Errorf("archive appended %d events, want 10", got)
	}
	if s := h.Snapshot(); s.ArchiveWriters != 1 || s.ArchiveDropped != 0 {
		t.Errorf("snapshot writers=%d dropped=%d, want 1 and 0", s.ArchiveWriters, s.ArchiveDropped)
	}
	if err := h.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestHub_ArchiveWriterLifecycle(t *testing.T) {
	archive := bus.NewMemEventStore(100)
	h := newTestHub(t, Config{Archive: archive})
	if s := h.Snapshot(); s.Wiring != 2 || s.ArchiveWriters != 1 {
		t.Fatalf("got wiring=%d writers=%d, want 2 and 1", s.Wiring, s.ArchiveWriters)
	}

	if err := h.Reset(testContext(t)); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if s := h.Snapshot(); s.ArchiveWriters != 1 {
		t.Errorf("got %d archive writers after Reset, want 1", s.ArchiveWriters)
	}
	h.Bus.Publish(runtime.NewEvent("ping", "s1"))

	if err := h.Shutdown(testContext(t)); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s := h.Snapshot(); s.ArchiveWriters != 0 {
		t.Errorf("got %d archive writers after Shutdown, want 0", s.ArchiveWriters)
	}
	if err := h.Check(); err != nil {
		t.Errorf("Check after Shutdown: %v", err)
	}
	if n := archive.Len(); n != 1 {
		t.Errorf("archive holds %d events, want the one queued before Shutdown", n)
	}
}

func TestHub_Shutdown(t *testing.T) {
	h := newTestHub(t, Config{Generator: blockingGenerator})
	turn := startTurn(t, h, "s1", "x")

	if err := h.Shutdown(testContext(t)); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-turn.Done():
	default:
		t.Error("Shutdown returned before the running turn ended")
	}
	if !h.Store.Closed() {
		t.Error("store should be closed")
	}

	_, err := h.Runner.Start(testContext(t), runtime.TurnRequest{SessionID: "s2"})
	if !errors.Is(err, stream.ErrRegistryClosed) {
		t.Errorf("Start after Shutdown: got %v, want ErrRegistryClosed", err)
	}
}
