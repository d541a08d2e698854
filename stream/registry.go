// Package stream supervises streaming generation tasks. A Registry keeps at
// most one live Entry per session: registering a new entry cancels the
// session's predecessor, waits a bounded grace period for it to finish and
// only then makes the new entry visible.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultGracePeriod bounds how long Register waits for a predecessor.
const DefaultGracePeriod = 2 * time.Second

// Config configures a Registry.
type Config struct {
	// GracePeriod bounds the predecessor wait (default: DefaultGracePeriod).
	GracePeriod time.Duration

	// Logger receives forced evictions (default: slog.Default()).
	Logger *slog.Logger
}

// Registry tracks live stream entries by id and by session.
type Registry struct {
	grace  time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	byID      map[string]*Entry
	bySession map[string]*Entry
	admission map[string]*admission
	closed    bool
}

// admission serializes Register calls for one session. The semaphore lets
// waiters give up when their context ends.
type admission struct {
	sem  chan struct{}
	refs int
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		grace:     cfg.GracePeriod,
		logger:    cfg.Logger,
		byID:      make(map[string]*Entry),
		bySession: make(map[string]*Entry),
		admission: make(map[string]*admission),
	}
}

// GracePeriod returns the configured predecessor wait.
func (r *Registry) GracePeriod() time.Duration {
	return r.grace
}

// Register admits e as the live stream of its session. Any predecessor for
// the same session is cancelled with ErrSuperseded and awaited for up to the
// grace period; after that it is removed regardless of its state. The
// predecessor is removed and e inserted in one critical section, so lookups
// never observe two entries for a session.
func (r *Registry) Register(ctx context.Context, e *Entry) error {
	if e == nil || e.ID == "" || e.SessionID == "" {
		return ErrInvalidEntry
	}

	a, err := r.acquire(e.SessionID)
	if err != nil {
		return err
	}
	defer r.release(e.SessionID, a)

	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("stream: register: %w", ctx.Err())
	}
	defer func() { <-a.sem }()

	r.mu.Lock()
	if _, dup := r.byID[e.ID]; dup {
		r.mu.Unlock()
		return ErrDuplicateStream
	}
	prev := r.bySession[e.SessionID]
	r.mu.Unlock()

	forced := false
	if prev != nil {
		prev.Cancel(ErrSuperseded)

		timer := time.NewTimer(r.grace)
		select {
		case <-prev.Done():
		case <-timer.C:
			forced = true
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("stream: register: awaiting %s: %w", prev.ID, ctx.Err())
		}
		timer.Stop()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if _, dup := r.byID[e.ID]; dup {
		r.mu.Unlock()
		return ErrDuplicateStream
	}
	if prev != nil {
		r.removeLocked(prev)
	}
	r.byID[e.ID] = e
	r.bySession[e.SessionID] = e
	e.markRunning()
	r.mu.Unlock()

	if forced {
		r.logger.Warn("forced removal of stream after grace period",
			"stream_id", prev.ID,
			"session_id", prev.SessionID,
			"grace", r.grace,
			"replacement_id", e.ID,
		)
	}
	return nil
}

func (r *Registry) acquire(sessionID string) (*admission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	a := r.admission[sessionID]
	if a == nil {
		a = &admission{sem: make(chan struct{}, 1)}
		r.admission[sessionID] = a
	}
	a.refs++
	return a, nil
}

func (r *Registry) release(sessionID string, a *admission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.refs--
	if a.refs == 0 && r.admission[sessionID] == a {
		delete(r.admission, sessionID)
	}
}

func (r *Registry) removeLocked(e *Entry) {
	if r.byID[e.ID] == e {
		delete(r.byID, e.ID)
	}
	if r.bySession[e.SessionID] == e {
		delete(r.bySession, e.SessionID)
	}
}

// Get returns the live entry with the given id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	return e, ok
}

// ActiveForSession returns the live entry of a session.
func (r *Registry) ActiveForSession(sessionID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySession[sessionID]
	return e, ok
}

// Cancel signals the entry's context with a *CancelledError carrying reason.
// It does not wait for the task to unwind. It reports whether a live entry
// was signalled; cancelling an unknown, finished or already cancelled entry
// is a no-op.
func (r *Registry) Cancel(id, reason string) bool {
	e, ok := r.Get(id)
	if !ok {
		return false
	}
	return e.Cancel(&CancelledError{Reason: reason})
}

// CancelSession cancels the live entry of a session, if any.
func (r *Registry) CancelSession(sessionID, reason string) bool {
	e, ok := r.ActiveForSession(sessionID)
	if !ok {
		return false
	}
	return e.Cancel(&CancelledError{Reason: reason})
}

// Pop removes and returns the entry. It is safe to call for entries that were
// already removed or replaced.
func (r *Registry) Pop(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	r.removeLocked(e)
	return e, true
}

// Touch records activity on the entry.
func (r *Registry) Touch(id string) bool {
	e, ok := r.Get(id)
	if !ok {
		return false
	}
	e.Touch()
	return true
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// List returns the live entries ordered by start time.
func (r *Registry) List() []*Entry {
	r.mu.Lock()
	out := make([]*Entry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CancelAll cancels every live entry with reason, waits until they finish or
// ctx ends, and removes them. Entries still running when ctx ends are
// removed anyway and ctx's error is returned.
func (r *Registry) CancelAll(ctx context.Context, reason string) error {
	entries := r.List()
	for _, e := range entries {
		e.Cancel(&CancelledError{Reason: reason})
	}

	var err error
	for _, e := range entries {
		select {
		case <-e.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}

	r.mu.Lock()
	for _, e := range entries {
		r.removeLocked(e)
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("streams still unwinding after cancel", "count", len(entries), "error", err)
		return fmt.Errorf("stream: cancel all: %w", err)
	}
	return nil
}

// Shutdown cancels every entry and refuses further registrations.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.CancelAll(ctx, ReasonShutdown)
}
