package bus

import (
	"testing"

	"github.com/petal-labs/jarvis/runtime"
)

func seqEvent(seq uint64) runtime.Event {
	e := runtime.NewEvent(runtime.EventChatToken, "s1")
	e.Seq = seq
	return e
}

func TestWindow_PushEvicts(t *testing.T) {
	w := NewWindow(3)
	for i := uint64(1); i <= 5; i++ {
		evicted := w.Push(seqEvent(i))
		if want := i > 3; evicted != want {
			t.Errorf("Push(%d) evicted = %v, want %v", i, evicted, want)
		}
	}

	got := w.Snapshot()
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	for i, e := range got {
		if e.Seq != uint64(i+3) {
			t.Errorf("got[%d].Seq = %d, want %d", i, e.Seq, i+3)
		}
	}

	oldest, _ := w.Oldest()
	newest, _ := w.Newest()
	if oldest.Seq != 3 || newest.Seq != 5 {
		t.Errorf("oldest/newest = %d/%d, want 3/5", oldest.Seq, newest.Seq)
	}
}

func TestWindow_IndexAfter(t *testing.T) {
	w := NewWindow(4)
	for i := uint64(1); i <= 6; i++ {
		w.Push(seqEvent(i * 10))
	}
	// retained: 30 40 50 60

	tests := []struct {
		after uint64
		want  int
	}{
		{0, 0},
		{29, 0},
		{30, 1},
		{45, 2},
		{60, 4},
		{100, 4},
	}
	for _, tt := range tests {
		if got := w.IndexAfter(tt.after); got != tt.want {
			t.Errorf("IndexAfter(%d) = %d, want %d", tt.after, got, tt.want)
		}
	}
}

func TestWindow_ClearAndDefaults(t *testing.T) {
	w := NewWindow(0)
	if w.Cap() != DefaultWindowSize {
		t.Errorf("got cap %d, want %d", w.Cap(), DefaultWindowSize)
	}
	w.Push(seqEvent(1))
	w.Clear()
	if w.Len() != 0 {
		t.Errorf("got len %d after clear, want 0", w.Len())
	}
	if _, ok := w.Oldest(); ok {
		t.Error("Oldest on empty window should report false")
	}
}
