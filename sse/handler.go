// Package sse serves the event log to HTTP clients as Server-Sent Events. The
// handler is a hybrid transport: it flushes the current snapshot at once and
// then long-polls the log, so clients never hold a direct bus subscription.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/jarvis/bus"
	"github.com/petal-labs/jarvis/runtime"
)

// HeartbeatInterval is the default interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// closer is implemented by logs that can report being shut down.
type closer interface {
	Closed() bool
}

// Handler streams events from an EventLog.
//
// Query parameters:
//
//	since_id    stream events after this id (or the Last-Event-ID header)
//	types       comma-separated type prefixes
//	session_id  only this session's events plus global ones
//	max_events  stop after N events
//	max_ms      stop after T milliseconds
//
// SSE format:
//
//	id: {seq}
//	event: {type}
//	data: {json}
//
// A heartbeat comment ": heartbeat\n\n" is sent on connect and whenever the
// log stays quiet for Heartbeat.
type Handler struct {
	log bus.EventLog

	// Heartbeat is the quiet period between heartbeats (default: HeartbeatInterval).
	Heartbeat time.Duration

	Logger *slog.Logger
}

// NewHandler creates a Handler over log.
func NewHandler(log bus.EventLog) *Handler {
	return &Handler{
		log:       log,
		Heartbeat: HeartbeatInterval,
		Logger:    slog.Default(),
	}
}

// Params are the parsed stream parameters.
type Params struct {
	After     uint64
	Query     bus.Query
	MaxEvents int
	MaxWait   time.Duration
}

// ParseParams reads stream parameters from the request.
func ParseParams(r *http.Request) (Params, error) {
	var p Params
	q := r.URL.Query()

	sinceStr := q.Get("since_id")
	if sinceStr == "" {
		sinceStr = r.Header.Get("Last-Event-ID")
	}
	if sinceStr != "" {
		v, err := strconv.ParseUint(sinceStr, 10, 64)
		if err != nil {
			return p, fmt.Errorf("invalid since_id parameter")
		}
		p.After = v
	}

	if sid := strings.TrimSpace(q.Get("session_id")); sid != "" {
		p.Query.SessionID = sid
		p.Query.IncludeGlobal = true
	}
	p.Query.TypePrefixes = ParseTypes(q.Get("types"))

	if s := q.Get("max_events"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return p, fmt.Errorf("invalid max_events parameter")
		}
		p.MaxEvents = v
	}
	if s := q.Get("max_ms"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return p, fmt.Errorf("invalid max_ms parameter")
		}
		p.MaxWait = time.Duration(v) * time.Millisecond
	}
	return p, nil
}

// ParseTypes splits a comma-separated list of type prefixes.
func ParseTypes(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params, err := ParseParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := h.heartbeat(w, flusher); err != nil {
		return
	}
	h.stream(w, r, flusher, params)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, flusher http.Flusher, p Params) {
	ctx := r.Context()
	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = HeartbeatInterval
	}

	var deadline time.Time
	if p.MaxWait > 0 {
		deadline = time.Now().Add(p.MaxWait)
	}

	cursor := p.After
	sent := 0

	// Snapshot flush: deliver what is already there without waiting.
	page := h.log.Since(cursor, p.Query)
	for {
		for _, e := range page.Events {
			if err := WriteEvent(w, e); err != nil {
				return
			}
			sent++
			if p.MaxEvents > 0 && sent >= p.MaxEvents {
				flusher.Flush()
				return
			}
		}
		if len(page.Events) > 0 {
			flusher.Flush()
		}
		cursor = page.LastSeq

		if c, ok := h.log.(closer); ok && c.Closed() {
			return
		}

		wait := heartbeat
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return
			}
			wait = min(wait, remaining)
		}

		var err error
		page, err = h.log.WaitSince(ctx, cursor, wait, p.Query)
		if err != nil {
			return
		}
		if len(page.Events) == 0 {
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return
			}
			if err := h.heartbeat(w, flusher); err != nil {
				return
			}
		}
	}
}

func (h *Handler) heartbeat(w io.Writer, flusher http.Flusher) error {
	if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// WriteEvent writes a single event in SSE format.
func WriteEvent(w io.Writer, e runtime.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data)
	return err
}
