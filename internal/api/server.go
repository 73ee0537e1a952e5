package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jstrand/listcrawld/internal/crawl"
	"github.com/jstrand/listcrawld/internal/events/sinks"
	"github.com/jstrand/listcrawld/internal/metrics"
	"github.com/jstrand/listcrawld/internal/registry"
	"github.com/jstrand/listcrawld/internal/session"
)

const commandTimeout = 5 * time.Second

// Sessions is the slice of session.Manager the handlers need.
type Sessions interface {
	StartCrawling(sessionID string) (string, error)
	Pause(ctx context.Context, sessionID string) error
	Resume(ctx context.Context, sessionID string) error
	Cancel(ctx context.Context, sessionID, reason string) error
	HealthCheck(ctx context.Context, sessionID string) (crawl.HealthReport, error)
	Status(sessionID string) (registry.Snapshot, bool)
	List() []registry.Snapshot
}

// Server wires HTTP handlers to the session manager and event broadcast.
type Server struct {
	router    chi.Router
	sessions  Sessions
	broadcast *sinks.Broadcast
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. broadcast may be
// nil, in which case the event stream endpoint reports unavailable.
func NewServer(sessions Sessions, broadcast *sinks.Broadcast, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sessions:  sessions,
		broadcast: broadcast,
		logger:    logger,
	}

	metrics.Init()
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/events", s.streamEvents)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.startSession)
			r.Get("/", s.listSessions)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Get("/health", s.healthCheck)
				r.Post("/pause", s.pauseSession)
				r.Post("/resume", s.resumeSession)
				r.Post("/cancel", s.cancelSession)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	id, err := s.sessions.StartCrawling(req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := s.sessions.List()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": snaps})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	snap, ok := s.sessions.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": snap})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	report, err := s.sessions.HealthCheck(ctx, id)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"health": report})
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(ctx context.Context, id string) error {
		return s.sessions.Pause(ctx, id)
	}, "paused")
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(ctx context.Context, id string) error {
		return s.sessions.Resume(ctx, id)
	}, "resuming")
}

type cancelSessionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	var req cancelSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	s.command(w, r, func(ctx context.Context, id string) error {
		return s.sessions.Cancel(ctx, id, req.Reason)
	}, "cancelling")
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error, state string) {
	id := chi.URLParam(r, "session_id")
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := fn(ctx, id); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "state": state})
}

func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "command timed out")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
