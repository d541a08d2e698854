package bus

import (
	"context"
	"errors"
	"time"

	"github.com/petal-labs/jarvis/runtime"
)

var (
	// ErrOutOfOrder is returned when an appended event does not have a
	// sequence number greater than every event already stored.
	ErrOutOfOrder = errors.New("bus: event out of sequence order")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("bus: event store closed")
)

// Query narrows a read from an event store. The zero value matches every
// event.
type Query struct {
	// SessionID restricts results to one session. Empty means all sessions.
	SessionID string

	// IncludeGlobal also returns events without a session when SessionID
	// is set.
	IncludeGlobal bool

	// TypePrefixes keeps only events whose type starts with one of the
	// prefixes. Empty keeps all types.
	TypePrefixes []string

	// Limit caps the number of returned events (0 means no limit).
	Limit int
}

// Match reports whether e passes the session and type filters.
func (q Query) Match(e runtime.Event) bool {
	if q.SessionID != "" && e.SessionID != q.SessionID {
		if !(q.IncludeGlobal && e.SessionID == "") {
			return false
		}
	}
	return e.Type.HasPrefix(q.TypePrefixes...)
}

// Page is the result of a cursor read.
type Page struct {
	Events []runtime.Event `json:"events"`

	// LastSeq is the cursor to pass as the next "after" value. It advances
	// past events skipped by the filter, so a filtered reader never
	// rescans them.
	LastSeq uint64 `json:"last_id"`
}

// EventStore persists events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event runtime.Event) error

	// List returns events with Seq > afterSeq matching q, oldest first.
	List(ctx context.Context, afterSeq uint64, q Query) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq stored (0 if no events).
	LatestSeq(ctx context.Context) (uint64, error)
}

// EventLog is an EventStore that also serves cursor reads and long polls.
type EventLog interface {
	EventStore

	// Since returns a page of events after the cursor without blocking.
	Since(after uint64, q Query) Page

	// WaitSince returns as soon as at least one matching event after the
	// cursor exists, the timeout elapses, ctx is done, or the log is
	// cleared. Timeout is never an error: it yields an empty page.
	WaitSince(ctx context.Context, after uint64, timeout time.Duration, q Query) (Page, error)

	// Clear drops every retained event and releases blocked waiters.
	Clear()
}
