package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rainpipe/contentfetch/internal/config"
	"github.com/rainpipe/contentfetch/internal/crawljob"
	"github.com/rainpipe/contentfetch/internal/metrics"
	"github.com/rainpipe/contentfetch/internal/orchestrator"
)

const (
	defaultContentLimit = 50
	maxContentLimit     = 500
)

// StatsReader reports aggregate job and content stats.
type StatsReader interface {
	Stats(ctx context.Context) (orchestrator.Stats, error)
}

// ReadinessCheck is probed by /readyz.
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Server wires HTTP handlers to the job and content stores.
type Server struct {
	router   chi.Router
	jobs     crawljob.JobStore
	contents crawljob.ContentStore
	stats    StatsReader
	checks   []ReadinessCheck
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs crawljob.JobStore,
	contents crawljob.ContentStore,
	stats StatsReader,
	auth config.AuthConfig,
	logger *zap.Logger,
	checks ...ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		jobs:     jobs,
		contents: contents,
		stats:    stats,
		checks:   checks,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if auth.Enabled {
			r.Use(apiKeyMiddleware(auth.APIKey))
		}
		r.Get("/stats", s.getStats)
		r.Get("/contents", s.listContents)
		r.Get("/contents/{bookmark_id}", s.getContent)
		r.Get("/jobs", s.listJobs)
		r.Get("/bookmarks/{bookmark_id}/job", s.getBookmarkJob)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", check.Name), zap.Error(err))
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"check":  check.Name,
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		s.storeError(w, "stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listContents(w http.ResponseWriter, r *http.Request) {
	limit := defaultContentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxContentLimit)
	}
	contents, err := s.contents.ListCommitted(r.Context(), limit)
	if err != nil {
		s.storeError(w, "list contents", err)
		return
	}
	if contents == nil {
		contents = []crawljob.Content{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"contents": contents})
}

func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	bookmarkID, ok := s.bookmarkID(w, r)
	if !ok {
		return
	}
	content, err := s.contents.Get(r.Context(), bookmarkID)
	if err != nil {
		s.storeError(w, "get content", err)
		return
	}
	s.writeJSON(w, http.StatusOK, content)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status := crawljob.JobStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = crawljob.JobStatusPending
	}
	if !status.Valid() {
		s.writeError(w, http.StatusBadRequest, "status must be pending, completed or failed")
		return
	}
	jobs, err := s.jobs.ListByStatus(r.Context(), status)
	if err != nil {
		s.storeError(w, "list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []crawljob.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": status, "jobs": jobs})
}

func (s *Server) getBookmarkJob(w http.ResponseWriter, r *http.Request) {
	bookmarkID, ok := s.bookmarkID(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.FindByBookmark(r.Context(), bookmarkID)
	if err != nil {
		s.storeError(w, "find job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) bookmarkID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "bookmark_id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid bookmark id")
		return 0, false
	}
	return id, true
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, crawljob.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, crawljob.ErrStoreUnavailable):
		s.logger.Error(op+" failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
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
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
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
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := writeJSON(w, status, payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
