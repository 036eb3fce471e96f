// Package server exposes the progress of the running download over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/agleyzer/segfetch/internal/supervisor"
)

// ProgressSource reports the progress of a running job.
type ProgressSource interface {
	Progress() supervisor.Progress
}

// Server serves the status of the current job
type Server struct {
	addr       string
	logger     *slog.Logger
	httpServer *http.Server

	mu      sync.RWMutex
	job     string
	source  ProgressSource
	started time.Time
}

// New creates a new HTTP server
func New(addr string, logger *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		logger:  logger,
		started: time.Now(),
	}
}

// Watch makes source the reported job. Jobs run one after another, so a new
// call replaces the previous job.
func (s *Server) Watch(job string, source ProgressSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job = job
	s.source = source
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Register handlers
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/progress", s.handleProgress)

	return s.loggingMiddleware(mux)
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		s.logger.Info("starting status server", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server error", "error", err)
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	// Graceful shutdown
	s.logger.Debug("shutting down status server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

type progressReport struct {
	Job      string               `json:"job"`
	Progress *supervisor.Progress `json:"progress,omitempty"`
}

func (s *Server) report() progressReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := progressReport{Job: s.job}
	if s.source != nil {
		p := s.source.Progress()
		r.Progress = &p
	}
	return r
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.report()

	status := "idle"
	if report.Progress != nil {
		status = "ok"
		if report.Progress.State == supervisor.StateFailed {
			status = "failed"
		}
	}

	health := map[string]interface{}{
		"status":   status,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"job":      report.Job,
		"progress": report.Progress,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}

// handleProgress serves the progress snapshot alone
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	report := s.report()
	if report.Progress == nil {
		http.Error(w, "no job running", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(report.Progress)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", duration,
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
