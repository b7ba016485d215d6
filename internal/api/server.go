// Package api exposes the HTTP interface for the corpus service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/metrics"
)

// Capturer runs the capture stage.
type Capturer interface {
	Capture(ctx context.Context, seed, name string) (corpus.CaptureResult, error)
}

// Reconciler runs the reconciliation stage.
type Reconciler interface {
	Reconcile(ctx context.Context, websiteID string) (corpus.ReconcileResult, error)
}

// Indexer runs the indexing stage.
type Indexer interface {
	Index(ctx context.Context, websiteID string, opts corpus.IndexOptions) (corpus.IndexResult, error)
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Options holds the optional knobs of a Server.
type Options struct {
	// APIKey enables X-API-Key authentication on /v1 routes when set.
	APIKey         string
	RequestTimeout time.Duration
	Ready          ReadinessCheck
	Metrics        *metrics.Metrics
}

// Server wires HTTP handlers to the pipeline stages and the store.
type Server struct {
	router     chi.Router
	store      corpus.Store
	capturer   Capturer
	reconciler Reconciler
	indexer    Indexer
	ready      ReadinessCheck
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

const defaultRequestTimeout = 15 * time.Minute

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store corpus.Store,
	capturer Capturer,
	reconciler Reconciler,
	indexer Indexer,
	logger *zap.Logger,
	opts Options,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:      store,
		capturer:   capturer,
		reconciler: reconciler,
		indexer:    indexer,
		ready:      opts.Ready,
		metrics:    opts.Metrics,
		logger:     logger.Named("api"),
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/websites", s.captureWebsite)
		r.Route("/websites/{website_id}", func(r chi.Router) {
			r.Get("/", s.getWebsite)
			r.Post("/reconcile", s.reconcileWebsite)
			r.Post("/index", s.indexWebsite)
			r.Get("/pages", s.listPages)
			r.Get("/jobs", s.listJobs)
		})
		r.Get("/jobs/{job_id}", s.getJob)
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
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type captureRequest struct {
	SeedURL string `json:"seed_url"`
	Name    string `json:"name"`
}

func (s *Server) captureWebsite(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SeedURL == "" {
		s.writeError(w, http.StatusBadRequest, "seed_url required")
		return
	}
	res, err := s.capturer.Capture(r.Context(), req.SeedURL, req.Name)
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusCreated
	if res.Delegated {
		status = http.StatusOK
	}
	s.writeJSON(w, status, res)
}

func (s *Server) getWebsite(w http.ResponseWriter, r *http.Request) {
	site, err := s.store.GetWebsite(r.Context(), chi.URLParam(r, "website_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	count, err := s.store.CountPages(r.Context(), site.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"website": site, "pages": count})
}

func (s *Server) reconcileWebsite(w http.ResponseWriter, r *http.Request) {
	res, err := s.reconciler.Reconcile(r.Context(), chi.URLParam(r, "website_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type indexRequest struct {
	JobID string `json:"job_id"`
}

func (s *Server) indexWebsite(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	res, err := s.indexer.Index(r.Context(), chi.URLParam(r, "website_id"), corpus.IndexOptions{JobID: req.JobID})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	websiteID := chi.URLParam(r, "website_id")
	if _, err := s.store.GetWebsite(r.Context(), websiteID); err != nil {
		s.fail(w, err)
		return
	}
	var filter corpus.PageFilter
	for _, raw := range r.URL.Query()["status"] {
		status, err := corpus.ParsePageStatus(raw)
		if err != nil {
			s.fail(w, err)
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	filter.JobID = r.URL.Query().Get("job_id")
	limit, err := limitParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	filter.Limit = limit
	pages, err := s.store.ListPages(r.Context(), websiteID, filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	websiteID := chi.URLParam(r, "website_id")
	if _, err := s.store.GetWebsite(r.Context(), websiteID); err != nil {
		s.fail(w, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), websiteID, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", corpus.ErrInvalidInput)
	}
	return n, nil
}

// statusFor maps sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, corpus.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, corpus.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, corpus.ErrNotCaptured),
		errors.Is(err, corpus.ErrAlreadyExists),
		errors.Is(err, corpus.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeError(w, status, err.Error())
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
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
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

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
