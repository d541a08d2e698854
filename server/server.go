// Package server exposes the streaming core over HTTP: event reads and
// long-polls, the SSE event stream, chat turns and stream control.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/petal-labs/jarvis/hub"
	"github.com/petal-labs/jarvis/sse"
)

const (
	defaultChatBuffer  = 4096
	defaultEventsLimit = 1000
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Hub *hub.Hub

	// Metrics, when set, is mounted at GET /metrics.
	Metrics http.Handler

	// DefaultModel is used when a chat request names no model.
	DefaultModel string

	// ChatBuffer sizes the per-request event channel of streaming chat
	// (default 4096).
	ChatBuffer int

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the jarvis HTTP API server.
type Server struct {
	hub          *hub.Hub
	events       *sse.Handler
	metrics      http.Handler
	defaultModel string
	chatBuffer   int
	corsOrigin   string
	maxBody      int64
	logger       *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	chatBuffer := cfg.ChatBuffer
	if chatBuffer <= 0 {
		chatBuffer = defaultChatBuffer
	}
	events := sse.NewHandler(cfg.Hub.Store)
	events.Logger = logger
	return &Server{
		hub:          cfg.Hub,
		events:       events,
		metrics:      cfg.Metrics,
		defaultModel: cfg.DefaultModel,
		chatBuffer:   chatBuffer,
		corsOrigin:   corsOrigin,
		maxBody:      maxBody,
		logger:       logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.Handle("GET /v1/events/stream", s.events)
	mux.HandleFunc("GET /v1/events/backlog", s.handleBacklog)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/streams", s.handleListStreams)
	mux.HandleFunc("GET /v1/streams/{stream_id}", s.handleGetStream)
	mux.HandleFunc("DELETE /v1/streams/{stream_id}", s.handleCancelStream)
	mux.HandleFunc("POST /v1/sessions/{session_id}/switch", s.handleSessionSwitch)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Session-ID, X-Trace-ID, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
