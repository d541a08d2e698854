package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/jarvis/bus"
	"github.com/petal-labs/jarvis/runtime"
	"github.com/petal-labs/jarvis/sse"
)

// maxEventsWait caps the wait_ms long-poll parameter.
const maxEventsWait = 60 * time.Second

// ReasonSessionSwitch cancels the previous session's stream on a switch.
const ReasonSessionSwitch = "session_switch"

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.hub.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"streams":  snap.Streams,
		"last_seq": snap.LastSeq,
	})
}

// handleEvents returns buffered events after a cursor:
//
//	GET /v1/events?after=&limit=&session_id=&types=&wait_ms=
//
// With wait_ms the request blocks until a matching event arrives or the
// wait elapses; an elapsed wait returns an empty page.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid after parameter")
			return
		}
		after = n
	}

	limit := defaultEventsLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid limit parameter")
			return
		}
		limit = min(n, defaultEventsLimit)
	}

	var wait time.Duration
	if v := q.Get("wait_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid wait_ms parameter")
			return
		}
		wait = min(time.Duration(n)*time.Millisecond, maxEventsWait)
	}

	query := bus.Query{
		TypePrefixes: sse.ParseTypes(q.Get("types")),
		Limit:        limit,
	}
	if sid := strings.TrimSpace(q.Get("session_id")); sid != "" {
		query.SessionID = sid
		query.IncludeGlobal = true
	}

	page, err := s.hub.Store.WaitSince(r.Context(), after, wait, query)
	if err != nil {
		// Client went away while waiting.
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleBacklog returns the bus backlog, optionally filtered by exact type
// and session.
func (s *Server) handleBacklog(w http.ResponseWriter, r *http.Request) {
	f := bus.Filter{
		Type:      runtime.EventType(r.URL.Query().Get("type")),
		SessionID: r.URL.Query().Get("session_id"),
	}
	events := s.hub.Bus.Backlog(f)
	if events == nil {
		events = []runtime.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type sessionSwitchRequest struct {
	From   string `json:"from,omitempty"`
	UserID string `json:"user_id,omitempty"`

	// Cancel stops the running stream of From.
	Cancel bool `json:"cancel,omitempty"`
}

// handleSessionSwitch publishes a global session.switch event so every
// listener can follow the client to its new session.
func (s *Server) handleSessionSwitch(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("session_id"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_SESSION", "session_id is required")
		return
	}

	var req sessionSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body", err.Error())
		return
	}

	cancelled := false
	if req.Cancel && req.From != "" && req.From != sessionID {
		cancelled = s.hub.Registry.CancelSession(req.From, ReasonSessionSwitch)
	}

	e := s.hub.Bus.Publish(runtime.NewEvent(runtime.EventSessionSwitch, "").WithFields(map[string]any{
		"session_id": sessionID,
		"from":       req.From,
		"user_id":    req.UserID,
		"cancelled":  cancelled,
		"trace_id":   traceID(r),
	}))
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"session_id": sessionID,
		"cancelled":  cancelled,
		"id":         e.Seq,
	})
}
