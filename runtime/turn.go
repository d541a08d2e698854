package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/jarvis/stream"
)

// ProviderErrorMessage is the client-facing message of a provider failure.
const ProviderErrorMessage = "Provider or server error. Please retry."

// TurnRequest starts one streaming chat turn.
type TurnRequest struct {
	SessionID string
	UserID    string
	TraceID   string
	RequestID string

	// StreamID identifies the attempt. A uuid is generated when empty.
	StreamID string

	Generate GenerateRequest
}

// TurnResult describes how a turn ended.
type TurnResult struct {
	StreamID  string        `json:"stream_id"`
	MessageID string        `json:"message_id"`
	SessionID string        `json:"session_id"`
	TraceID   string        `json:"trace_id"`
	Text      string        `json:"text"`
	Parts     int           `json:"parts"`
	State     stream.State  `json:"-"`
	ErrorType string        `json:"error_type,omitempty"`
	Err       error         `json:"-"`
	Usage     *Usage        `json:"usage,omitempty"`
	Duration  time.Duration `json:"-"`
}

// Turn is a running streaming turn.
type Turn struct {
	Entry     *stream.Entry
	MessageID string

	done   chan struct{}
	result TurnResult
}

// Done is closed after the turn published its terminal events and left the
// registry.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the turn ends or ctx is done.
func (t *Turn) Wait(ctx context.Context) (TurnResult, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	}
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Bus       EventPublisher
	Registry  *stream.Registry
	Generator Generator

	// TurnTimeout bounds each turn (0 = no limit).
	TurnTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Runner executes streaming turns. Each turn runs in its own goroutine,
// is registered in the stream registry for its session, and publishes its
// lifecycle on the bus.
type Runner struct {
	bus      EventPublisher
	registry *stream.Registry
	gen      Generator
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// gate is read-held while a turn is being admitted and write-held by
	// Hold, so no turn slips past a reset.
	gate   sync.RWMutex
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Bus == nil {
		return nil, errors.New("runtime: runner bus is nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("runtime: runner registry is nil")
	}
	if cfg.Generator == nil {
		return nil, errors.New("runtime: runner generator is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		bus:      cfg.Bus,
		registry: cfg.Registry,
		gen:      cfg.Generator,
		timeout:  cfg.TurnTimeout,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// Start registers a new turn for req.SessionID, superseding any running turn
// of that session, and runs it in the background. ctx bounds only the
// admission; the turn itself keeps running until it completes, fails or is
// cancelled through the registry.
func (r *Runner) Start(ctx context.Context, req TurnRequest) (*Turn, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, fmt.Errorf("runtime: start turn: %w", stream.ErrInvalidEntry)
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	parent := context.WithoutCancel(ctx)
	release := func() {}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		parent, cancel = context.WithTimeout(parent, r.timeout)
		release = cancel
	}

	entry := stream.NewEntry(parent, stream.EntryOptions{
		ID:        req.StreamID,
		SessionID: req.SessionID,
		TraceID:   req.TraceID,
		RequestID: req.RequestID,
		Now:       r.now,
	})
	r.gate.RLock()
	r.wg.Add(1)
	err := r.registry.Register(ctx, entry)
	r.gate.RUnlock()
	if err != nil {
		r.wg.Done()
		release()
		return nil, fmt.Errorf("runtime: start turn: %w", err)
	}

	turn := &Turn{
		Entry:     entry,
		MessageID: uuid.NewString(),
		done:      make(chan struct{}),
	}

	r.active.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.active.Add(-1)
		defer release()
		r.run(turn, req)
	}()
	return turn, nil
}

// Wait blocks until every started turn has ended or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hold stops new turns from being admitted until the returned release func
// is called. It waits for admissions already in progress, so every turn
// started before Hold returns is visible in the registry. Running turns are
// not affected.
func (r *Runner) Hold() (release func()) {
	r.gate.Lock()
	var once sync.Once
	return func() { once.Do(r.gate.Unlock) }
}

// Active returns the number of running turn goroutines.
func (r *Runner) Active() int {
	return int(r.active.Load())
}

type turnOutcome int

const (
	outcomeCompleted turnOutcome = iota
	outcomeCancelled
	outcomeFailed
)

func (r *Runner) run(turn *Turn, req TurnRequest) {
	entry := turn.Entry
	started := r.now()
	result := TurnResult{
		StreamID:  entry.ID,
		MessageID: turn.MessageID,
		SessionID: entry.SessionID,
		TraceID:   entry.TraceID,
	}

	publish := func(t EventType, fields map[string]any) {
		e := NewEvent(t, entry.SessionID).WithFields(fields)
		e.Payload["stream_id"] = entry.ID
		r.bus.Publish(e)
	}

	publish(EventChatStart, map[string]any{
		"trace_id":   entry.TraceID,
		"request_id": entry.RequestID,
		"user_id":    req.UserID,
		"model":      req.Generate.Model,
	})
	publish(EventAgentStart, map[string]any{"trace_id": entry.TraceID})
	publish(EventStreamStatus, map[string]any{
		"message_id": turn.MessageID,
		"status":     "thinking",
		"trace_id":   entry.TraceID,
	})
	publish(EventStreamStart, map[string]any{
		"message_id": turn.MessageID,
		"role":       "assistant",
		"trace_id":   entry.TraceID,
	})

	ctx := ContextWithTurn(entry.Context(), TurnInfo{
		StreamID:  entry.ID,
		SessionID: entry.SessionID,
		TraceID:   entry.TraceID,
		RequestID: entry.RequestID,
	})
	ctx = ContextWithEmitter(ctx, func(e Event) {
		if entry.Context().Err() != nil || e.Type.IsTerminal() {
			return
		}
		e.SessionID = entry.SessionID
		e = e.WithFields(map[string]any{"stream_id": entry.ID, "message_id": turn.MessageID})
		r.bus.Publish(e)
	})

	var text strings.Builder
	outcome, err := r.consume(ctx, turn, req, &text, &result)

	result.Text = text.String()
	result.Duration = r.now().Sub(started)
	durationMs := result.Duration.Milliseconds()

	var state stream.State
	switch outcome {
	case outcomeCompleted:
		state = stream.StateCompleted
		final := map[string]any{
			"message_id":  turn.MessageID,
			"text":        result.Text,
			"parts":       result.Parts,
			"duration_ms": durationMs,
			"trace_id":    entry.TraceID,
		}
		if result.Usage != nil {
			final["usage"] = map[string]any{
				"input_tokens":  result.Usage.InputTokens,
				"output_tokens": result.Usage.OutputTokens,
				"total_tokens":  result.Usage.TotalTokens,
			}
		}
		publish(EventStreamFinal, final)
		publish(EventChatEnd, map[string]any{"ok": true, "duration_ms": durationMs, "trace_id": entry.TraceID})
		publish(EventAgentDone, map[string]any{"duration_ms": durationMs, "parts": result.Parts})

	case outcomeCancelled:
		state = stream.StateCancelled
		cause := context.Cause(entry.Context())
		result.ErrorType = stream.Classify(cause)
		result.Err = cause
		publish(EventStreamError, map[string]any{
			"message_id":    turn.MessageID,
			"error_type":    result.ErrorType,
			"error_message": stream.Reason(cause),
			"trace_id":      entry.TraceID,
			"partial_text":  result.Text,
			"parts":         result.Parts,
		})
		publish(EventChatEnd, map[string]any{
			"ok":          false,
			"reason":      stream.Reason(cause),
			"duration_ms": durationMs,
			"trace_id":    entry.TraceID,
		})

	case outcomeFailed:
		state = stream.StateFailed
		result.ErrorType = stream.ErrorTypeProvider
		result.Err = err
		r.logger.Error("streaming turn failed",
			"stream_id", entry.ID,
			"session_id", entry.SessionID,
			"trace_id", entry.TraceID,
			"error", err,
		)
		publish(EventAgentError, map[string]any{"error": err.Error(), "trace_id": entry.TraceID})
		publish(EventStreamError, map[string]any{
			"message_id":    turn.MessageID,
			"error_type":    stream.ErrorTypeProvider,
			"error_message": ProviderErrorMessage,
			"trace_id":      entry.TraceID,
		})
		publish(EventChatError, map[string]any{"error": err.Error(), "trace_id": entry.TraceID})
		publish(EventChatEnd, map[string]any{"ok": false, "duration_ms": durationMs, "trace_id": entry.TraceID})
	}

	result.State = state
	turn.result = result

	r.registry.Pop(entry.ID)
	entry.Finish(state, result.Err)
	close(turn.done)
}

// consume reads chunks until the generator finishes, fails, or the entry is
// cancelled. Cancellation is checked at every receive.
func (r *Runner) consume(ctx context.Context, turn *Turn, req TurnRequest, text *strings.Builder, result *TurnResult) (turnOutcome, error) {
	entry := turn.Entry

	chunks, err := r.gen.Generate(ctx, req.Generate)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled, nil
		}
		return outcomeFailed, err
	}

	for {
		select {
		case <-ctx.Done():
			return outcomeCancelled, nil
		case c, ok := <-chunks:
			if ctx.Err() != nil {
				return outcomeCancelled, nil
			}
			if !ok {
				return outcomeCompleted, nil
			}
			if c.Err != nil {
				return outcomeFailed, c.Err
			}
			if c.Delta != "" {
				result.Parts++
				text.WriteString(c.Delta)
				r.bus.Publish(NewEvent(EventStreamDelta, entry.SessionID).WithFields(map[string]any{
					"stream_id":  entry.ID,
					"message_id": turn.MessageID,
					"sequence":   result.Parts,
					"token":      c.Delta,
					"role":       "assistant",
					"trace_id":   entry.TraceID,
				}))
				r.bus.Publish(NewEvent(EventAgentToken, entry.SessionID).WithFields(map[string]any{
					"stream_id": entry.ID,
					"token":     c.Delta,
					"index":     result.Parts - 1,
				}))
				r.bus.Publish(NewEvent(EventChatToken, entry.SessionID).WithFields(map[string]any{
					"stream_id": entry.ID,
					"token":     c.Delta,
				}))
				r.registry.Touch(entry.ID)
			}
			if c.Usage != nil {
				result.Usage = c.Usage
			}
			if c.Done {
				return outcomeCompleted, nil
			}
		}
	}
}
