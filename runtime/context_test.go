package runtime

import (
	"context"
	"testing"
)

func TestContextWithEmitter_RoundTrip(t *testing.T) {
	var called bool
	emitter := EventEmitter(func(e Event) { called = true })

	ctx := ContextWithEmitter(context.Background(), emitter)
	got := EmitterFromContext(ctx)

	got(Event{})
	if !called {
		t.Error("emitter from context was not the one we stored")
	}
}

func TestEmitterFromContext_NoEmitter(t *testing.T) {
	got := EmitterFromContext(context.Background())
	got(Event{}) // should not panic
}

func TestContextWithTurn_RoundTrip(t *testing.T) {
	want := TurnInfo{StreamID: "st-1", SessionID: "s1", TraceID: "tr-1", RequestID: "rq-1"}
	ctx := ContextWithTurn(context.Background(), want)

	got, ok := TurnFromContext(ctx)
	if !ok {
		t.Fatal("TurnFromContext reported no turn")
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if _, ok := TurnFromContext(context.Background()); ok {
		t.Error("empty context should report no turn")
	}
}
