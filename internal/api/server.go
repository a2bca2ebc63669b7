// Package api exposes the HTTP interface for the scrape service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmathers/gramscrape/internal/config"
	"github.com/jmathers/gramscrape/internal/metrics"
	"github.com/jmathers/gramscrape/internal/scrape"
	"github.com/jmathers/gramscrape/internal/usage"
)

// JobService is the engine surface the handlers consume.
type JobService interface {
	Submit(ctx context.Context, rawTargets []string, hint scrape.TargetKind, opts scrape.Options) (scrape.Job, error)
	Status(ctx context.Context, jobID string) (scrape.Job, error)
	List(ctx context.Context, status scrape.JobStatus, limit int) ([]scrape.JobSummary, error)
	Cancel(ctx context.Context, jobID string) (scrape.Job, error)
	Delete(ctx context.Context, jobID string) error
	Results(ctx context.Context, jobID string, format scrape.ExportFormat) (string, error)
}

// Server wires HTTP handlers to the job engine.
type Server struct {
	router   chi.Router
	jobs     JobService
	tracker  *usage.Tracker
	validate *validator.Validate
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs JobService, tracker *usage.Tracker, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:     jobs,
		tracker:  tracker,
		validate: validator.New(),
		cfg:      cfg,
		logger:   logger,
	}

	timeout := time.Duration(cfg.Server.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Use(s.usageMiddleware)

		r.Post("/scrape", s.submitJob)
		r.Route("/scrape/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJobStatus)
			r.Get("/results", s.getJobResults)
			r.Post("/cancel", s.cancelJob)
			r.Delete("/", s.deleteJob)
		})
		r.Get("/jobs", s.listJobs)
		r.Get("/usage", s.getUsage)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	URLs            []string `json:"urls" validate:"required,min=1,dive,required"`
	Kind            string   `json:"kind" validate:"omitempty,oneof=post profile hashtag place"`
	Format          string   `json:"format" validate:"omitempty,oneof=json jsonl csv xlsx zip"`
	IncludeMedia    bool     `json:"include_media"`
	IncludeComments bool     `json:"include_comments"`
	FailOnError     *bool    `json:"fail_on_target_error"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	opts := scrape.Options{
		Format:            scrape.ExportFormat(req.Format),
		IncludeMedia:      req.IncludeMedia,
		IncludeComments:   req.IncludeComments,
		FailOnTargetError: s.cfg.Scrape.FailOnTargetError,
	}
	if req.FailOnError != nil {
		opts.FailOnTargetError = *req.FailOnError
	}

	job, err := s.jobs.Submit(r.Context(), req.URLs, scrape.TargetKind(req.Kind), opts)
	if err != nil {
		switch {
		case errors.Is(err, scrape.ErrEmptyBatch):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, scrape.ErrJobLimitExceeded):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if s.tracker != nil {
		s.tracker.RecordSubmission(apiKeyFrom(r), len(req.URLs))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"total":  job.Progress.Total,
	})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.Status(r.Context(), jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

var formatContentTypes = map[scrape.ExportFormat]string{
	scrape.FormatJSON:  "application/json",
	scrape.FormatJSONL: "application/x-ndjson",
	scrape.FormatCSV:   "text/csv",
	scrape.FormatXLSX:  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	scrape.FormatZIP:   "application/zip",
}

func (s *Server) getJobResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	format := scrape.ExportFormat(r.URL.Query().Get("format"))
	if format != "" && !scrape.ValidFormat(format) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
		return
	}

	path, err := s.jobs.Results(r.Context(), jobID, format)
	if err != nil {
		if errors.Is(err, scrape.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if strings.Contains(err.Error(), "results not ready") {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ext := scrape.ExportFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	if ct := formatContentTypes[ext]; ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.Cancel(r.Context(), jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":   job.ID,
		"status":   job.Status,
		"progress": job.Progress,
	})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.jobs.Delete(r.Context(), jobID); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "deleted"})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status := scrape.JobStatus(r.URL.Query().Get("status"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	jobs, err := s.jobs.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getUsage(w http.ResponseWriter, _ *http.Request) {
	if s.tracker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"clients": map[string]any{}})
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

// writeJobError maps engine errors onto HTTP statuses.
func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scrape.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, scrape.ErrJobFinalized), errors.Is(err, scrape.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case strings.Contains(err.Error(), "cancel it first"):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fieldErr := verrs[0]
		return fmt.Sprintf("field %s failed on %s", fieldErr.Field(), fieldErr.Tag())
	}
	return err.Error()
}

func apiKeyFrom(r *http.Request) string {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	return key
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
		duration := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, routePattern(r), ww.status, duration)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", duration.Milliseconds()),
		)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
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

func (s *Server) usageMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Submissions record their own target counts.
		if s.tracker != nil && !(r.Method == http.MethodPost && r.URL.Path == "/v1/scrape") {
			s.tracker.RecordRequest(apiKeyFrom(r))
		}
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKeyFrom(r) != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
