package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a stream entry.
type State int32

const (
	StateRegistered State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// EntryOptions describes a new streaming attempt.
type EntryOptions struct {
	// ID identifies the attempt. A uuid is generated when empty.
	ID        string
	SessionID string
	TraceID   string
	RequestID string

	// Now overrides the clock used for StartedAt and activity.
	Now func() time.Time
}

// Entry is one supervised streaming task. The owning task reads its context
// at every suspension point; anything else may cancel it.
type Entry struct {
	ID        string
	SessionID string
	TraceID   string
	RequestID string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	now    func() time.Time

	state        atomic.Int32
	lastActivity atomic.Int64
	cancelled    atomic.Bool

	mu  sync.Mutex
	err error
}

// NewEntry creates an entry whose context derives from parent.
func NewEntry(parent context.Context, opts EntryOptions) *Entry {
	if parent == nil {
		parent = context.Background()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancelCause(parent)
	started := now()

	e := &Entry{
		ID:        id,
		SessionID: opts.SessionID,
		TraceID:   opts.TraceID,
		RequestID: opts.RequestID,
		StartedAt: started,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		now:       now,
	}
	e.lastActivity.Store(started.UnixNano())
	return e
}

// Context is cancelled when the entry is cancelled or superseded.
func (e *Entry) Context() context.Context {
	return e.ctx
}

// Done is closed once the entry reaches a terminal state.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// State returns the current lifecycle state.
func (e *Entry) State() State {
	return State(e.state.Load())
}

// Err returns the error recorded by Finish, if any.
func (e *Entry) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Cause returns the cancellation cause, or nil while the context is live.
func (e *Entry) Cause() error {
	return context.Cause(e.ctx)
}

// Cancel signals the entry's context with cause. Only the first call on a
// live entry has an effect; it reports whether this call signalled.
func (e *Entry) Cancel(cause error) bool {
	if e.State().Terminal() {
		return false
	}
	if e.cancelled.Swap(true) {
		return false
	}
	e.cancel(cause)
	return true
}

// Touch records activity now.
func (e *Entry) Touch() {
	e.lastActivity.Store(e.now().UnixNano())
}

// LastActivity returns the time of the last recorded activity.
func (e *Entry) LastActivity() time.Time {
	return time.Unix(0, e.lastActivity.Load())
}

// Idle returns how long the entry has been without activity at t.
func (e *Entry) Idle(t time.Time) time.Duration {
	return t.Sub(e.LastActivity())
}

// Finish moves the entry to a terminal state, records err and closes Done.
// It succeeds exactly once; later calls report false and change nothing.
func (e *Entry) Finish(state State, err error) bool {
	if !state.Terminal() {
		return false
	}
	for {
		cur := e.state.Load()
		if State(cur).Terminal() {
			return false
		}
		if e.state.CompareAndSwap(cur, int32(state)) {
			break
		}
	}
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()

	e.cancelled.Store(true)
	e.cancel(context.Canceled)
	close(e.done)
	return true
}

func (e *Entry) markRunning() {
	e.state.CompareAndSwap(int32(StateRegistered), int32(StateRunning))
}

// Info is a JSON-friendly view of an entry.
type Info struct {
	StreamID     string    `json:"stream_id"`
	SessionID    string    `json:"session_id"`
	TraceID      string    `json:"trace_id,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity_at"`
}

// Info returns a snapshot of the entry.
func (e *Entry) Info() Info {
	return Info{
		StreamID:     e.ID,
		SessionID:    e.SessionID,
		TraceID:      e.TraceID,
		RequestID:    e.RequestID,
		State:        e.State().String(),
		StartedAt:    e.StartedAt.UTC(),
		LastActivity: e.LastActivity().UTC(),
	}
}
