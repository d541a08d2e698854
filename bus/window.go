package bus

import (
	"sort"

	"github.com/petal-labs/jarvis/runtime"
)

// DefaultWindowSize is the retention used when a size is not configured.
const DefaultWindowSize = 1000

// Window is a bounded FIFO of the most recent events. Once full, each Push
// evicts the oldest event. Window is not safe for concurrent use; owners
// guard it with their own lock.
type Window struct {
	buf   []runtime.Event
	start int
	n     int
}

// NewWindow creates a window retaining at most size events.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{buf: make([]runtime.Event, size)}
}

// Push appends e and reports whether an older event was evicted.
func (w *Window) Push(e runtime.Event) bool {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = e
		w.n++
		return false
	}
	w.buf[w.start] = e
	w.start = (w.start + 1) % len(w.buf)
	return true
}

// Len returns the number of retained events.
func (w *Window) Len() int {
	return w.n
}

// Cap returns the maximum number of retained events.
func (w *Window) Cap() int {
	return len(w.buf)
}

// At returns the i-th retained event, oldest first.
func (w *Window) At(i int) runtime.Event {
	return w.buf[(w.start+i)%len(w.buf)]
}

// Snapshot copies the retained events, oldest first.
func (w *Window) Snapshot() []runtime.Event {
	out := make([]runtime.Event, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.At(i)
	}
	return out
}

// Oldest returns the first retained event.
func (w *Window) Oldest() (runtime.Event, bool) {
	if w.n == 0 {
		return runtime.Event{}, false
	}
	return w.At(0), true
}

// Newest returns the last retained event.
func (w *Window) Newest() (runtime.Event, bool) {
	if w.n == 0 {
		return runtime.Event{}, false
	}
	return w.At(w.n - 1), true
}

// IndexAfter returns the index of the first event with Seq > seq, or Len()
// if there is none. Events must have been pushed in sequence order.
func (w *Window) IndexAfter(seq uint64) int {
	return sort.Search(w.n, func(i int) bool {
		return w.At(i).Seq > seq
	})
}

// Clear drops every retained event.
func (w *Window) Clear() {
	for i := range w.buf {
		w.buf[i] = runtime.Event{}
	}
	w.start = 0
	w.n = 0
}
