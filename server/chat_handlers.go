package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/petal-labs/jarvis/runtime"
	"github.com/petal-labs/jarvis/stream"
)

// chatRequest is an OpenAI-style chat completion request. Prompt is accepted
// as a shorthand for a single user message.
type chatRequest struct {
	Model       string            `json:"model"`
	Messages    []runtime.Message `json:"messages"`
	Prompt      string            `json:"prompt"`
	System      string            `json:"system"`
	Stream      bool              `json:"stream"`
	SessionID   string            `json:"session_id"`
	UserID      string            `json:"user_id"`
	Temperature *float64          `json:"temperature"`
	MaxTokens   int               `json:"max_tokens"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type completionChunk struct {
	ID        string        `json:"id"`
	Object    string        `json:"object"`
	Created   int64         `json:"created"`
	Model     string        `json:"model"`
	TraceID   string        `json:"trace_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	StreamID  string        `json:"stream_id"`
	Choices   []chunkChoice `json:"choices"`
}

type completionChoice struct {
	Index        int             `json:"index"`
	Message      runtime.Message `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type completion struct {
	ID        string             `json:"id"`
	Object    string             `json:"object"`
	Created   int64              `json:"created"`
	Model     string             `json:"model"`
	TraceID   string             `json:"trace_id"`
	SessionID string             `json:"session_id"`
	StreamID  string             `json:"stream_id"`
	Choices   []completionChoice `json:"choices"`
	Usage     *runtime.Usage     `json:"usage,omitempty"`
}

type streamErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

type streamError struct {
	OK        bool            `json:"ok"`
	Error     streamErrorBody `json:"error"`
	SessionID string          `json:"session_id,omitempty"`
	StreamID  string          `json:"stream_id"`
}

func sessionID(r *http.Request, body string) string {
	if s := strings.TrimSpace(body); s != "" {
		return s
	}
	if s := strings.TrimSpace(r.Header.Get("X-Session-ID")); s != "" {
		return s
	}
	return uuid.NewString()
}

func traceID(r *http.Request) string {
	if s := strings.TrimSpace(r.Header.Get("X-Trace-ID")); s != "" {
		return s
	}
	return uuid.NewString()
}

func (req chatRequest) messages() []runtime.Message {
	msgs := req.Messages
	if len(msgs) == 0 && req.Prompt != "" {
		msgs = []runtime.Message{{Role: "user", Content: req.Prompt}}
	}
	return msgs
}

// handleChatCompletions starts a streaming turn for the session. With
// stream:true the turn's events are relayed as chat.completion.chunk SSE
// frames; otherwise the handler waits and returns the full completion.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body", err.Error())
		return
	}
	msgs := req.messages()
	if len(msgs) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "messages or prompt is required")
		return
	}
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}

	turnReq := runtime.TurnRequest{
		SessionID: sessionID(r, req.SessionID),
		UserID:    req.UserID,
		TraceID:   traceID(r),
		RequestID: r.Header.Get("X-Request-ID"),
		StreamID:  uuid.NewString(),
		Generate: runtime.GenerateRequest{
			Model:       model,
			System:      req.System,
			Messages:    msgs,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		},
	}

	if req.Stream {
		s.streamChat(w, r, turnReq)
		return
	}
	s.completeChat(w, r, turnReq)
}

func (s *Server) startTurn(w http.ResponseWriter, r *http.Request, req runtime.TurnRequest) (*runtime.Turn, bool) {
	turn, err := s.hub.Runner.Start(r.Context(), req)
	if err == nil {
		return turn, true
	}
	switch {
	case errors.Is(err, stream.ErrRegistryClosed):
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "server is shutting down")
	case errors.Is(err, stream.ErrDuplicateStream), errors.Is(err, stream.ErrInvalidEntry):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case r.Context().Err() != nil:
		// Client left while the predecessor was being evicted.
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
	return nil, false
}

func (s *Server) completeChat(w http.ResponseWriter, r *http.Request, req runtime.TurnRequest) {
	turn, ok := s.startTurn(w, r, req)
	if !ok {
		return
	}

	res, err := turn.Wait(r.Context())
	if err != nil {
		s.hub.Registry.Cancel(turn.Entry.ID, stream.ReasonClientDisconnected)
		return
	}

	switch res.State {
	case stream.StateCompleted:
		writeJSON(w, http.StatusOK, completion{
			ID:        "chatcmpl-" + res.MessageID,
			Object:    "chat.completion",
			Created:   turn.Entry.StartedAt.Unix(),
			Model:     req.Generate.Model,
			TraceID:   res.TraceID,
			SessionID: res.SessionID,
			StreamID:  res.StreamID,
			Choices: []completionChoice{{
				Message:      runtime.Message{Role: "assistant", Content: res.Text},
				FinishReason: "stop",
			}},
			Usage: res.Usage,
		})
	case stream.StateFailed:
		writeError(w, http.StatusBadGateway, "PROVIDER_ERROR", runtime.ProviderErrorMessage, res.TraceID)
	default:
		writeError(w, http.StatusConflict, res.ErrorType, stream.Reason(res.Err), res.TraceID)
	}
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req runtime.TurnRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming not supported")
		return
	}

	// Subscribe before starting so no event of the turn is missed.
	sub := s.hub.Bus.SubscribeChan(req.SessionID, s.chatBuffer, "agent.stream.")
	defer sub.Unsubscribe()

	turn, ok := s.startTurn(w, r, req)
	if !ok {
		return
	}
	streamID := turn.Entry.ID

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Stream-ID", streamID)
	w.Header().Set("X-Session-ID", req.SessionID)
	w.WriteHeader(http.StatusOK)

	chunk := completionChunk{
		ID:        "chatcmpl-" + turn.MessageID,
		Object:    "chat.completion.chunk",
		Created:   turn.Entry.StartedAt.Unix(),
		Model:     req.Generate.Model,
		TraceID:   req.TraceID,
		SessionID: req.SessionID,
		StreamID:  streamID,
	}
	send := func(delta chunkDelta, finish *string) error {
		c := chunk
		c.Choices = []chunkChoice{{Delta: delta, FinishReason: finish}}
		return writeData(w, c)
	}

	if err := send(chunkDelta{Role: "assistant"}, nil); err != nil {
		s.hub.Registry.Cancel(streamID, stream.ReasonClientDisconnected)
		return
	}
	flusher.Flush()

	var sent strings.Builder
	finish := func(errorType, message string) {
		if errorType == "" {
			stop := "stop"
			_ = send(chunkDelta{}, &stop)
		} else {
			_ = writeNamed(w, "error", streamError{
				Error:     streamErrorBody{Type: errorType, Message: message, TraceID: req.TraceID},
				SessionID: req.SessionID,
				StreamID:  streamID,
			})
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	// relay writes one event. It reports whether the stream is finished.
	relay := func(e runtime.Event) (bool, error) {
		if e.PayloadString("stream_id") != streamID {
			return false, nil
		}
		var err error
		switch e.Type {
		case runtime.EventStreamStatus:
			err = writeNamed(w, "status", map[string]any{
				"state":      e.PayloadString("status"),
				"trace_id":   req.TraceID,
				"session_id": req.SessionID,
				"stream_id":  streamID,
			})
		case runtime.EventStreamDelta:
			token := e.PayloadString("token")
			err = send(chunkDelta{Content: token}, nil)
			sent.WriteString(token)
		case runtime.EventStreamFinal:
			finish("", "")
			return true, nil
		case runtime.EventStreamError:
			finish(e.PayloadString("error_type"), e.PayloadString("error_message"))
			return true, nil
		default:
			return false, nil
		}
		if err != nil {
			return true, err
		}
		flusher.Flush()
		s.hub.Registry.Touch(streamID)
		return false, nil
	}

	// settle ends a stream whose terminal event was dropped, using the
	// turn's own result. Text that never reached the client is sent first.
	settle := func() {
		res, _ := turn.Wait(context.Background())
		switch res.State {
		case stream.StateCompleted:
			if rest, ok := strings.CutPrefix(res.Text, sent.String()); ok && rest != "" {
				_ = send(chunkDelta{Content: rest}, nil)
			}
			finish("", "")
		case stream.StateFailed:
			finish(stream.ErrorTypeProvider, runtime.ProviderErrorMessage)
		default:
			finish(res.ErrorType, stream.Reason(res.Err))
		}
	}

	warned := false
	warnDropped := func() {
		if n := sub.Dropped(); n > 0 && !warned {
			warned = true
			s.logger.Warn("chat stream dropped events",
				"stream_id", streamID,
				"dropped", n,
			)
		}
	}

	for {
		select {
		case <-r.Context().Done():
			if s.hub.Registry.Cancel(streamID, stream.ReasonClientDisconnected) {
				s.logger.Info("client disconnected from stream",
					"stream_id", streamID,
					"session_id", req.SessionID,
				)
			}
			return

		case <-turn.Done():
			// Every event of the turn has been dispatched; relay what is
			// still buffered, then settle if the terminal was dropped.
		drain:
			for {
				select {
				case e, open := <-sub.Events():
					if !open {
						break drain
					}
					done, err := relay(e)
					if err != nil {
						return
					}
					if done {
						warnDropped()
						return
					}
				default:
					break drain
				}
			}
			warnDropped()
			settle()
			return

		case e, open := <-sub.Events():
			if !open {
				// Bus reset or closed under us.
				finish(stream.ErrorTypeCancelled, "event stream closed")
				return
			}
			done, err := relay(e)
			if err != nil {
				s.hub.Registry.Cancel(streamID, stream.ReasonClientDisconnected)
				return
			}
			if done {
				return
			}
			warnDropped()
		}
	}
}

func writeData(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeNamed(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
