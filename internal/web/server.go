// Package web provides the HTTP server and JSON API for project imports.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/knximport/internal/config"
	"github.com/JonMunkholm/knximport/internal/importer"
	"github.com/JonMunkholm/knximport/internal/store"
	"github.com/JonMunkholm/knximport/internal/web/middleware"
)

// ImportService is the import orchestrator as seen by the handlers.
type ImportService interface {
	Start(ctx context.Context, fileName string, data []byte) (importer.Job, error)
	Job(id string) (importer.Job, bool)
	Jobs() []importer.Job
	ProvideInput(ctx context.Context, id string, in importer.Input) error
	Cancel(id string) error
	Release(id string) error
	LimiterStatus() importer.RunLimiterStatus
}

// ProjectReader reads imported projects back.
type ProjectReader interface {
	Project(ctx context.Context, id int64) (store.Project, error)
	Ping(ctx context.Context) error
}

// Server is the HTTP server for the import API.
type Server struct {
	imports  ImportService
	projects ProjectReader
	cfg      *config.Config
	router   *chi.Mux
	server   *http.Server

	limiters     []*rateLimiter
	pollInterval time.Duration
}

// NewServer creates a new Server instance.
func NewServer(imports ImportService, projects ProjectReader, cfg *config.Config) *Server {
	s := &Server{
		imports:      imports,
		projects:     projects,
		cfg:          cfg,
		router:       chi.NewRouter(),
		pollInterval: 250 * time.Millisecond,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(securityHeaders)

	if s.cfg.Rate.Enabled {
		s.router.Use(s.newRateLimiter(s.cfg.Rate.RequestsPerMinute, time.Minute).middleware)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(s.cfg.Security.APIKeys))

		// Event streams outlive the request timeout.
		r.Get("/imports/{id}/events", s.handleImportEvents)

		r.Group(func(r chi.Router) {
			if s.cfg.Server.RequestTimeout > 0 {
				r.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
			}

			r.Get("/imports", s.handleListImports)
			r.Get("/imports/status", s.handleLimiterStatus)
			r.Get("/imports/{id}", s.handleGetImport)
			r.Delete("/imports/{id}", s.handleCancelImport)
			r.Post("/imports/{id}/release", s.handleReleaseImport)
			r.Get("/projects/{id}", s.handleGetProject)

			// Uploads and inputs carry files and passwords.
			r.Group(func(r chi.Router) {
				if s.cfg.Rate.Enabled {
					r.Use(s.newRateLimiter(s.cfg.Rate.UploadLimit, time.Minute).middleware)
				}
				r.Post("/imports", s.handleStartImport)
				r.Post("/imports/{id}/input", s.handleProvideInput)
			})
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and its background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, l := range s.limiters {
		l.stop()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) newRateLimiter(rate int, window time.Duration) *rateLimiter {
	l := newRateLimiter(rate, window)
	s.limiters = append(s.limiters, l)
	return l
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with status.
// Encoding errors are only logged since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
