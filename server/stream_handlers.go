package server

import (
	"net/http"

	"github.com/petal-labs/jarvis/stream"
)

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	entries := s.hub.Registry.List()
	infos := make([]stream.Info, 0, len(entries))
	for _, e := range entries {
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		infos = append(infos, e.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": infos})
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("stream_id")
	e, ok := s.hub.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "stream not found")
		return
	}
	writeJSON(w, http.StatusOK, e.Info())
}

// handleCancelStream requests cancellation and returns at once; the stream
// publishes its own terminal events while it unwinds.
func (s *Server) handleCancelStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("stream_id")
	if _, ok := s.hub.Registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "stream not found")
		return
	}
	cancelled := s.hub.Registry.Cancel(id, stream.ReasonUser)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":        cancelled,
		"stream_id": id,
	})
}
