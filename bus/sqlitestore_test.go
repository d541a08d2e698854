package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/jarvis/runtime"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}

func newTestStore(t *testing.T, cfg ...SQLiteStoreConfig) *SQLiteEventStore {
	t.Helper()
	var c SQLiteStoreConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.DSN == "" {
		c.DSN = testDSN(t)
	}
	store, err := NewSQLiteEventStore(c)
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func makeEvent(sessionID string, seq uint64, eventType runtime.EventType) runtime.Event {
	e := runtime.NewEvent(eventType, sessionID)
	e.Seq = seq
	return e
}

func TestSQLiteEventStore_Append_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		e := makeEvent("s1", i, runtime.EventStreamDelta)
		e.Payload = map[string]any{"sequence": float64(i), "token": "hi"}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	events, err := store.List(ctx, 0, Query{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}

	e := events[0]
	if e.SessionID != "s1" {
		t.Errorf("SessionID = %q, want %q", e.SessionID, "s1")
	}
	if e.Seq != 1 {
		t.Errorf("Seq = %d, want 1", e.Seq)
	}
	if e.Type != runtime.EventStreamDelta {
		t.Errorf("Type = %q, want %q", e.Type, runtime.EventStreamDelta)
	}
	if got, _ := e.PayloadInt("sequence"); got != 1 {
		t.Errorf("payload sequence = %d, want 1", got)
	}
	if e.PayloadString("token") != "hi" {
		t.Errorf("payload token = %q, want %q", e.PayloadString("token"), "hi")
	}
}

func TestSQLiteEventStore_Append_DuplicateSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, makeEvent("s1", 1, runtime.EventChatStart)); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	err := store.Append(ctx, makeEvent("s1", 1, runtime.EventChatEnd))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("got %v, want ErrOutOfOrder", err)
	}
	if err := store.Append(ctx, makeEvent("s1", 0, runtime.EventChatEnd)); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("seq 0: got %v, want ErrOutOfOrder", err)
	}
}

func TestSQLiteEventStore_ListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	appendAll := []runtime.Event{
		makeEvent("s1", 1, runtime.EventChatStart),
		makeEvent("s1", 2, runtime.EventStreamDelta),
		makeEvent("s2", 3, runtime.EventStreamDelta),
		makeEvent("", 4, runtime.EventSessionSwitch),
		makeEvent("s1", 5, runtime.EventChatEnd),
	}
	for _, e := range appendAll {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append(%d): %v", e.Seq, err)
		}
	}

	tests := []struct {
		name  string
		after uint64
		q     Query
		want  []uint64
	}{
		{"all", 0, Query{}, []uint64{1, 2, 3, 4, 5}},
		{"after", 3, Query{}, []uint64{4, 5}},
		{"limit", 0, Query{Limit: 2}, []uint64{1, 2}},
		{"after with limit", 1, Query{Limit: 2}, []uint64{2, 3}},
		{"session", 0, Query{SessionID: "s1"}, []uint64{1, 2, 5}},
		{"session with global", 0, Query{SessionID: "s1", IncludeGlobal: true}, []uint64{1, 2, 4, 5}},
		{"type prefix", 0, Query{TypePrefixes: []string{"agent.stream."}}, []uint64{2, 3}},
		{"two prefixes", 0, Query{TypePrefixes: []string{"chat.", "session."}}, []uint64{1, 4, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := store.List(ctx, tt.after, tt.q)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			got := make([]uint64, len(events))
			for i, e := range events {
				got[i] = e.Seq
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSQLiteEventStore_List_EmptyStore(t *testing.T) {
	store := newTestStore(t)

	events, err := store.List(context.Background(), 0, Query{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if events == nil || len(events) != 0 {
		t.Errorf("got %v, want empty non-nil slice", events)
	}
}

func TestSQLiteEventStore_LatestSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seq, err := store.LatestSeq(ctx)
	if err != nil {
		t.Fatalf("LatestSeq on empty: %v", err)
	}
	if seq != 0 {
		t.Errorf("LatestSeq on empty = %d, want 0", seq)
	}

	for _, s := range []uint64{3, 7, 12} {
		store.Append(ctx, makeEvent("s1", s, runtime.EventChatToken))
	}

	seq, err = store.LatestSeq(ctx)
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	if seq != 12 {
		t.Errorf("LatestSeq = %d, want 12", seq)
	}
}

func TestSQLiteEventStore_PruneByAge(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{RetentionAge: 500 * time.Millisecond})
	ctx := context.Background()

	old := makeEvent("s1", 1, runtime.EventChatStart)
	old.Time = time.Now().Add(-1 * time.Hour)
	store.Append(ctx, old)

	recent := makeEvent("s1", 2, runtime.EventChatEnd)
	store.Append(ctx, recent)

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	events, _ := store.List(ctx, 0, Query{})
	if len(events) != 1 {
		t.Fatalf("after prune got %d events, want 1", len(events))
	}
	if events[0].Seq != 2 {
		t.Errorf("remaining event Seq = %d, want 2", events[0].Seq)
	}
}

func TestSQLiteEventStore_PruneByCount(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{RetentionCount: 3})
	ctx := context.Background()

	for i := uint64(1); i <= 7; i++ {
		store.Append(ctx, makeEvent(fmt.Sprintf("s%d", i%2), i, runtime.EventChatToken))
	}

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	events, _ := store.List(ctx, 0, Query{})
	if len(events) != 3 {
		t.Fatalf("after prune got %d events, want 3", len(events))
	}
	if events[0].Seq != 5 || events[2].Seq != 7 {
		t.Errorf("remaining seqs = %d..%d, want 5..7", events[0].Seq, events[2].Seq)
	}
}

func TestSQLiteEventStore_WALConcurrentReadWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 50; i++ {
			store.Append(ctx, makeEvent("s1", i, runtime.EventChatToken))
		}
	}()

	errs := make(chan error, 5)
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := store.List(ctx, 0, Query{SessionID: "s1"}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	events, _ := store.List(ctx, 0, Query{})
	if len(events) != 50 {
		t.Errorf("got %d events after concurrent writes, want 50", len(events))
	}
}

func TestSQLiteEventStore_SessionIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Append(ctx, makeEvent("beta", 1, runtime.EventChatStart))
	store.Append(ctx, makeEvent("alpha", 2, runtime.EventChatStart))
	store.Append(ctx, makeEvent("", 3, runtime.EventSessionSwitch))
	store.Append(ctx, makeEvent("alpha", 4, runtime.EventChatEnd))

	ids, err := store.SessionIDs(ctx)
	if err != nil {
		t.Fatalf("SessionIDs: %v", err)
	}
	if strings.Join(ids, ",") != "alpha,beta" {
		t.Errorf("got %v, want [alpha beta]", ids)
	}
}

func TestSQLiteEventStore_NilPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := makeEvent("s1", 1, runtime.EventChatStart)
	e.Payload = nil
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, _ := store.List(ctx, 0, Query{})
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Payload == nil {
		t.Error("payload should be an empty map, not nil")
	}
}

func TestSQLiteEventStore_InterfaceCompliance(t *testing.T) {
	var _ EventStore = newTestStore(t)
}
