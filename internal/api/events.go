package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// streamEvents handles GET /v1/events as a server-sent event stream. An
// optional ?session_id= filter narrows the stream to one session. The
// connection stays open until the client disconnects or the broadcast sink
// closes.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcast == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessionFilter := r.URL.Query().Get("session_id")

	ch, cancel := s.broadcast.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if sessionFilter != "" && evt.SessionID != sessionFilter {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn("marshal event for stream", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
