package bus

import (
	"context"
	"testing"

	"github.com/petal-labs/jarvis/runtime"
)

func TestStoreSubscriber_PersistsPublishedEvents(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	store := newTestStore(t)
	sub := NewStoreSubscriber(store, nil)
	handle := sub.Attach(b)
	defer handle.Unsubscribe()

	for i := 0; i < 3; i++ {
		b.Publish(runtime.NewEvent(runtime.EventChatToken, "s1"))
	}

	events, err := store.List(context.Background(), 0, Query{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want 3", len(events))
	}
	if sub.Failed() != 0 {
		t.Errorf("got %d failures, want 0", sub.Failed())
	}
}

func TestStoreSubscriber_HandleContinuesOnError(t *testing.T) {
	store := NewMemEventStore(10)
	sub := NewStoreSubscriber(store, nil)

	sub.Handle(makeEvent("s1", 5, runtime.EventChatStart))
	sub.Handle(makeEvent("s1", 5, runtime.EventChatStart))
	sub.Handle(makeEvent("s1", 6, runtime.EventChatEnd))

	if store.Len() != 2 {
		t.Errorf("got %d stored, want 2", store.Len())
	}
	if sub.Failed() != 1 {
		t.Errorf("got %d failures, want 1", sub.Failed())
	}
}
