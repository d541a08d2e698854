package bus

import (
	"sync"
	"sync/atomic"

	"github.com/petal-labs/jarvis/runtime"
)

// ChanSubscription delivers matching events on a buffered channel. Delivery
// never blocks the bus: when the buffer is full the event is dropped and
// counted.
type ChanSubscription struct {
	bus     *MemBus
	sub     *subscriber
	ch      chan runtime.Event
	types   []string
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// SubscribeChan returns a channel subscription. sessionID scopes it to one
// session (empty means global); typePrefixes narrows the event types
// (empty means all). A bufSize of 0 uses the bus default.
func (b *MemBus) SubscribeChan(sessionID string, bufSize int, typePrefixes ...string) *ChanSubscription {
	if bufSize <= 0 {
		bufSize = b.bufSize
	}
	cs := &ChanSubscription{
		bus:   b,
		ch:    make(chan runtime.Event, bufSize),
		types: typePrefixes,
	}

	cs.sub = b.add(sessionID, runtime.Wildcard, cs.deliver)
	if cs.sub.removed.Load() {
		cs.closed = true
		close(cs.ch)
		return cs
	}

	b.subMu.Lock()
	b.chanSubs[cs] = struct{}{}
	b.subMu.Unlock()
	return cs
}

func (cs *ChanSubscription) deliver(e runtime.Event) {
	if !e.Type.HasPrefix(cs.types...) {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return
	}
	select {
	case cs.ch <- e:
	default:
		cs.dropped.Add(1)
	}
}

// Events returns the delivery channel. It is closed when the subscription,
// or the bus, is closed or reset.
func (cs *ChanSubscription) Events() <-chan runtime.Event {
	return cs.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (cs *ChanSubscription) Dropped() uint64 {
	return cs.dropped.Load()
}

// Unsubscribe detaches the subscription and closes its channel.
func (cs *ChanSubscription) Unsubscribe() {
	cs.sub.Unsubscribe()

	cs.bus.subMu.Lock()
	delete(cs.bus.chanSubs, cs)
	cs.bus.subMu.Unlock()

	cs.closeChan()
}

// Close is an alias for Unsubscribe.
func (cs *ChanSubscription) Close() error {
	cs.Unsubscribe()
	return nil
}

func (cs *ChanSubscription) closeChan() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return
	}
	cs.closed = true
	close(cs.ch)
}

var _ Subscription = (*ChanSubscription)(nil)
