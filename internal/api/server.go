package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/manager"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/metrics"
)

// Server wires HTTP handlers to the job manager.
type Server struct {
	router chi.Router
	mgr    *manager.Manager
	ledger ingest.Ledger
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(mgr *manager.Manager, ledger ingest.Ledger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mgr:    mgr,
		ledger: ledger,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	ledgerHandler := NewLedgerHandler(ledger, logger)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ledger", ledgerHandler.List)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/download", s.startDownload)
			r.Post("/search", s.startSearch)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.jobStatus)
				r.Post("/stop", s.stopJob)
				r.Post("/cancel", s.cancelJob)
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.ledger.Count(ctx, ""); err != nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type downloadRequest struct {
	MaxFileSizeMB  int64 `json:"max_file_size_mb"`
	MaxFileAgeDays int   `json:"max_file_age_days"`
}

func (s *Server) startDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.MaxFileSizeMB < 0 || req.MaxFileAgeDays < 0 {
		writeError(w, http.StatusBadRequest, "filter overrides must be non-negative")
		return
	}
	jobID, err := s.mgr.StartDownload(ingest.DownloadParams{
		MaxFileSizeBytes: req.MaxFileSizeMB * 1024 * 1024,
		MaxFileAgeDays:   req.MaxFileAgeDays,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

type searchRequest struct {
	Keyword string `json:"keyword"`
	Workers int    `json:"workers"`
}

func (s *Server) startSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Keyword) == "" {
		writeError(w, http.StatusBadRequest, "keyword is required")
		return
	}
	jobID, err := s.mgr.StartSearch(ingest.SearchParams{
		Keyword: req.Keyword,
		Workers: req.Workers,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.mgr.List()})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	st, err := s.mgr.Status(r.Context(), jobID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type stopRequest struct {
	Force bool `json:"force"`
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	var req stopRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.mgr.Stop(jobID, req.Force); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "stop requested"})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.mgr.Cancel(jobID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancel requested"})
}

// decodeBody parses an optional JSON body; an empty body leaves dst zeroed.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(dst)
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case ingest.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	case ingest.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
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

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
