package bus

import (
	"bytes"
	"log/slog"
	"maps"
	goruntime "runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petal-labs/jarvis/runtime"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// BacklogSize is the number of recent events retained for Backlog
	// (default: 1000).
	BacklogSize int

	// SubscriberBufferSize is the default channel buffer size for
	// SubscribeChan (default: 256).
	SubscriberBufferSize int

	// Logger receives subscriber failures (default: slog.Default()).
	Logger *slog.Logger
}

// MemBus is an in-memory, synchronous event bus.
//
// Publish assigns sequence numbers and appends to the backlog under a single
// short critical section. Dispatch happens outside that lock and is
// serialized in sequence order. A publisher that finds the bus busy waits
// for its turn and then delivers its own event, so Publish returns only
// after every current subscriber has observed the event. A Publish issued
// from inside a handler is queued and delivered after the current event;
// it returns before delivery because the caller is the dispatcher.
type MemBus struct {
	logger  *slog.Logger
	bufSize int

	mu       sync.Mutex
	seq      runtime.SeqGen
	lastTime time.Time
	backlog  *Window
	queue    []queued
	draining bool
	drainer  uint64
	closed   bool

	subMu     sync.RWMutex
	nextSubID uint64
	global    map[runtime.EventType][]*subscriber
	sessions  map[string]map[runtime.EventType][]*subscriber
	chanSubs  map[*ChanSubscription]struct{}

	published atomic.Uint64
	delivered atomic.Uint64
	failures  atomic.Uint64
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemBus{
		logger:   logger,
		bufSize:  bufSize,
		backlog:  NewWindow(config.BacklogSize),
		global:   make(map[runtime.EventType][]*subscriber),
		sessions: make(map[string]map[runtime.EventType][]*subscriber),
		chanSubs: make(map[*ChanSubscription]struct{}),
	}
}

// Publish sends an event to all matching subscribers.
// Global subscribers for the event type are invoked first, then global
// wildcard subscribers, then session subscribers for the type, then session
// wildcard subscribers; each group in subscription order. If the bus is
// closed the event is dropped and returned with Seq 0.
//
// The payload map is copied, so later changes by the caller are not seen by
// subscribers or the backlog.
func (b *MemBus) Publish(event runtime.Event) runtime.Event {
	gid := goroutineID()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return event
	}

	event.Seq = b.seq.Next()
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	if event.Time.Before(b.lastTime) {
		event.Time = b.lastTime
	}
	b.lastTime = event.Time
	if event.Payload == nil {
		event.Payload = map[string]any{}
	} else {
		event.Payload = maps.Clone(event.Payload)
	}

	b.backlog.Push(event)
	b.published.Add(1)

	switch {
	case !b.draining:
		b.draining = true
		b.drainer = gid
		b.mu.Unlock()
	case b.drainer == gid:
		// Re-entrant publish from a handler: the running drain delivers it.
		b.queue = append(b.queue, queued{event: event})
		b.mu.Unlock()
		return event
	default:
		turn := make(chan struct{})
		b.queue = append(b.queue, queued{event: event, owner: gid, turn: turn})
		b.mu.Unlock()
		<-turn
	}

	b.dispatch(event)
	b.drain()
	return event
}

// queued is an event waiting for dispatch. Events published by a waiting
// goroutine carry a turn channel; the drainer closes it to hand dispatch
// over instead of delivering the event itself.
type queued struct {
	event runtime.Event
	owner uint64
	turn  chan struct{}
}

// drain delivers queued re-entrant events in sequence order until the queue
// is empty or the head belongs to a waiting publisher, which then takes over.
func (b *MemBus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.drainer = 0
			b.queue = nil
			b.mu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue[0] = queued{}
		b.queue = b.queue[1:]
		if next.turn != nil {
			b.drainer = next.owner
			b.mu.Unlock()
			close(next.turn)
			return
		}
		b.mu.Unlock()

		b.dispatch(next.event)
	}
}

// goroutineID returns the id of the calling goroutine, parsed from the
// "goroutine N [" header of its stack trace.
func goroutineID() uint64 {
	var buf [64]byte
	n := goruntime.Stack(buf[:], false)
	field := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(field, ' '); i >= 0 {
		field = field[:i]
	}
	id, _ := strconv.ParseUint(string(field), 10, 64)
	return id
}

// dispatch snapshots the matching subscriber lists and invokes them.
// Lists are copy-on-write, so the snapshot is a set of slice headers.
func (b *MemBus) dispatch(event runtime.Event) {
	var groups [4][]*subscriber

	b.subMu.RLock()
	groups[0] = b.global[event.Type]
	if event.Type != runtime.Wildcard {
		groups[1] = b.global[runtime.Wildcard]
	}
	if event.SessionID != "" {
		if byType := b.sessions[event.SessionID]; byType != nil {
			groups[2] = byType[event.Type]
			if event.Type != runtime.Wildcard {
				groups[3] = byType[runtime.Wildcard]
			}
		}
	}
	b.subMu.RUnlock()

	for _, subs := range groups {
		for _, sub := range subs {
			b.invoke(sub, event)
		}
	}
}

// invoke runs one handler, isolating panics so remaining handlers still run.
func (b *MemBus) invoke(sub *subscriber, event runtime.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.failures.Add(1)
			b.logger.Error("event subscriber failed",
				"subscription_id", sub.id,
				"type", event.Type,
				"session_id", event.SessionID,
				"seq", event.Seq,
				"panic", r,
			)
		}
	}()
	sub.handler(event)
	b.delivered.Add(1)
}

// Subscribe registers a global handler for eventType (or runtime.Wildcard).
func (b *MemBus) Subscribe(eventType runtime.EventType, handler runtime.EventHandler) Subscription {
	return b.add("", eventType, handler)
}

// SubscribeSession registers a handler for eventType (or runtime.Wildcard)
// that only receives events scoped to sessionID.
func (b *MemBus) SubscribeSession(sessionID string, eventType runtime.EventType, handler runtime.EventHandler) Subscription {
	if sessionID == "" {
		return b.add("", eventType, handler)
	}
	return b.add(sessionID, eventType, handler)
}

func (b *MemBus) add(sessionID string, eventType runtime.EventType, handler runtime.EventHandler) *subscriber {
	if eventType == "" {
		eventType = runtime.Wildcard
	}
	sub := &subscriber{
		bus:       b,
		sessionID: sessionID,
		eventType: eventType,
		handler:   handler,
	}
	if handler == nil {
		sub.removed.Store(true)
		return sub
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		sub.removed.Store(true)
		return sub
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.nextSubID++
	sub.id = b.nextSubID
	if sessionID == "" {
		b.global[eventType] = appendSub(b.global[eventType], sub)
		return sub
	}
	byType := b.sessions[sessionID]
	if byType == nil {
		byType = make(map[runtime.EventType][]*subscriber)
		b.sessions[sessionID] = byType
	}
	byType[eventType] = appendSub(byType[eventType], sub)
	return sub
}

func (b *MemBus) remove(sub *subscriber) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if sub.sessionID == "" {
		if subs := withoutSub(b.global[sub.eventType], sub); len(subs) > 0 {
			b.global[sub.eventType] = subs
		} else {
			delete(b.global, sub.eventType)
		}
		return
	}

	byType := b.sessions[sub.sessionID]
	if byType == nil {
		return
	}
	if subs := withoutSub(byType[sub.eventType], sub); len(subs) > 0 {
		byType[sub.eventType] = subs
	} else {
		delete(byType, sub.eventType)
	}
	if len(byType) == 0 {
		delete(b.sessions, sub.sessionID)
	}
}

// Backlog returns retained events matching f, oldest first.
func (b *MemBus) Backlog(f Filter) []runtime.Event {
	b.mu.Lock()
	all := b.backlog.Snapshot()
	b.mu.Unlock()

	out := all[:0]
	for _, e := range all {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// ClearBacklog drops the retained backlog.
func (b *MemBus) ClearBacklog() {
	b.mu.Lock()
	b.backlog.Clear()
	b.mu.Unlock()
}

// LastSeq returns the sequence number of the most recent event.
func (b *MemBus) LastSeq() uint64 {
	return b.seq.Current()
}

// Reset removes every subscription and clears the backlog. The sequence
// counter keeps running so offsets stay unique for the process lifetime.
// Channel subscriptions are closed.
func (b *MemBus) Reset() {
	b.ClearBacklog()
	b.dropSubscriptions()
}

// Close shuts down the bus and all active subscriptions. Publish becomes a
// no-op afterwards. It is safe to call Close multiple times.
func (b *MemBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.backlog.Clear()
	b.mu.Unlock()

	b.dropSubscriptions()
	return nil
}

// Closed reports whether Close has been called.
func (b *MemBus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *MemBus) dropSubscriptions() {
	b.subMu.Lock()
	var subs []*subscriber
	for _, list := range b.global {
		subs = append(subs, list...)
	}
	for _, byType := range b.sessions {
		for _, list := range byType {
			subs = append(subs, list...)
		}
	}
	chans := make([]*ChanSubscription, 0, len(b.chanSubs))
	for cs := range b.chanSubs {
		chans = append(chans, cs)
	}
	b.global = make(map[runtime.EventType][]*subscriber)
	b.sessions = make(map[string]map[runtime.EventType][]*subscriber)
	b.chanSubs = make(map[*ChanSubscription]struct{})
	b.subMu.Unlock()

	for _, sub := range subs {
		sub.removed.Store(true)
	}
	for _, cs := range chans {
		cs.closeChan()
	}
}

// Stats is a point-in-time view of bus bookkeeping.
type Stats struct {
	GlobalSubscribers  int    `json:"global_subscribers"`
	SessionSubscribers int    `json:"session_subscribers"`
	ChanSubscriptions  int    `json:"chan_subscriptions"`
	BacklogLen         int    `json:"backlog_len"`
	LastSeq            uint64 `json:"last_seq"`
	Published          uint64 `json:"published"`
	Delivered          uint64 `json:"delivered"`
	Failures           uint64 `json:"failures"`
}

// Stats returns subscriber counts and delivery counters.
func (b *MemBus) Stats() Stats {
	var st Stats

	b.subMu.RLock()
	for _, list := range b.global {
		st.GlobalSubscribers += len(list)
	}
	for _, byType := range b.sessions {
		for _, list := range byType {
			st.SessionSubscribers += len(list)
		}
	}
	st.ChanSubscriptions = len(b.chanSubs)
	b.subMu.RUnlock()

	b.mu.Lock()
	st.BacklogLen = b.backlog.Len()
	b.mu.Unlock()

	st.LastSeq = b.seq.Current()
	st.Published = b.published.Load()
	st.Delivered = b.delivered.Load()
	st.Failures = b.failures.Load()
	return st
}

// subscriber is a registered handler.
type subscriber struct {
	bus       *MemBus
	id        uint64
	sessionID string
	eventType runtime.EventType
	handler   runtime.EventHandler
	removed   atomic.Bool
}

// Unsubscribe removes the handler from the bus. Repeated calls are no-ops.
func (s *subscriber) Unsubscribe() {
	if s.removed.Swap(true) {
		return
	}
	s.bus.remove(s)
}

// appendSub returns a new slice so that in-flight snapshots stay untouched.
func appendSub(list []*subscriber, sub *subscriber) []*subscriber {
	out := make([]*subscriber, len(list), len(list)+1)
	copy(out, list)
	return append(out, sub)
}

func withoutSub(list []*subscriber, sub *subscriber) []*subscriber {
	out := make([]*subscriber, 0, len(list))
	for _, s := range list {
		if s != sub {
			out = append(out, s)
		}
	}
	return out
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*subscriber)(nil)
var _ runtime.EventPublisher = (*MemBus)(nil)
