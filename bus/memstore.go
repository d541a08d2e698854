package bus

import (
	"context"
	"sync"
	"time"

	"github.com/petal-labs/jarvis/runtime"
)

// MemEventStore is a bounded, thread-safe in-memory event log. It serves
// offset reads and long polls: every Append closes a shared wake channel so
// all blocked waiters re-check their own cursor together.
type MemEventStore struct {
	mu      sync.Mutex
	window  *Window
	seq     runtime.SeqGen
	notify  chan struct{}
	epoch   uint64
	waiters int
	closed  bool
}

// NewMemEventStore creates an in-memory event store retaining at most
// maxSize events (0 uses DefaultWindowSize).
func NewMemEventStore(maxSize int) *MemEventStore {
	return &MemEventStore{
		window: NewWindow(maxSize),
		notify: make(chan struct{}),
	}
}

// Append stores an event, evicting the oldest one once the store is full.
// Events without a sequence number get the next one from the store's own
// counter; events that already carry one must arrive in increasing order.
func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if event.Seq == 0 {
		event.Seq = s.seq.Next()
	} else {
		if event.Seq <= s.seq.Current() {
			return ErrOutOfOrder
		}
		s.seq.Observe(event.Seq)
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	s.window.Push(event)
	close(s.notify)
	s.notify = make(chan struct{})
	return nil
}

// List returns events with Seq > afterSeq matching q.
func (s *MemEventStore) List(_ context.Context, afterSeq uint64, q Query) ([]runtime.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.sinceLocked(afterSeq, q).Events, nil
}

// LatestSeq returns the highest sequence number ever appended. It survives
// Clear so cursors handed out earlier stay valid.
func (s *MemEventStore) LatestSeq(_ context.Context) (uint64, error) {
	return s.seq.Current(), nil
}

// Since returns every matching event with Seq > after without blocking.
func (s *MemEventStore) Since(after uint64, q Query) Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinceLocked(after, q)
}

func (s *MemEventStore) sinceLocked(after uint64, q Query) Page {
	page := Page{Events: []runtime.Event{}, LastSeq: after}
	for i := s.window.IndexAfter(after); i < s.window.Len(); i++ {
		e := s.window.At(i)
		page.LastSeq = e.Seq
		if !q.Match(e) {
			continue
		}
		page.Events = append(page.Events, e)
		if q.Limit > 0 && len(page.Events) >= q.Limit {
			break
		}
	}
	return page
}

// WaitSince returns matching events after the cursor, blocking up to
// timeout for the first one to arrive. A timeout of zero or less never
// blocks. Timeout and Clear return an empty page with a nil error; only a
// cancelled ctx returns an error.
func (s *MemEventStore) WaitSince(ctx context.Context, after uint64, timeout time.Duration, q Query) (Page, error) {
	s.mu.Lock()
	page := s.sinceLocked(after, q)
	if len(page.Events) > 0 || timeout <= 0 || s.closed {
		s.mu.Unlock()
		return page, nil
	}
	epoch := s.epoch
	s.waiters++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.waiters--
		s.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	cursor := page.LastSeq
	for {
		s.mu.Lock()
		if s.epoch != epoch || s.closed {
			s.mu.Unlock()
			return Page{Events: []runtime.Event{}, LastSeq: cursor}, nil
		}
		page = s.sinceLocked(cursor, q)
		wake := s.notify
		s.mu.Unlock()

		if len(page.Events) > 0 {
			return page, nil
		}
		cursor = page.LastSeq

		select {
		case <-wake:
		case <-timer.C:
			return Page{Events: []runtime.Event{}, LastSeq: cursor}, nil
		case <-ctx.Done():
			return Page{Events: []runtime.Event{}, LastSeq: cursor}, ctx.Err()
		}
	}
}

// Clear drops every retained event and releases all blocked waiters.
// The sequence counter is kept.
func (s *MemEventStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window.Clear()
	s.epoch++
	close(s.notify)
	s.notify = make(chan struct{})
}

// Close clears the store; later appends fail and waits return at once.
func (s *MemEventStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.Clear()
	return nil
}

// Closed reports whether Close has been called.
func (s *MemEventStore) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Len returns the number of retained events.
func (s *MemEventStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Len()
}

// Waiters returns the number of goroutines blocked in WaitSince.
func (s *MemEventStore) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters
}

// Compile-time interface checks.
var _ EventStore = (*MemEventStore)(nil)
var _ EventLog = (*MemEventStore)(nil)
