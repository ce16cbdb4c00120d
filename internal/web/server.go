// Package web provides the HTTP API and the HTML preview of the ETL
// pipeline.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/feedlot-etl/internal/config"
	"github.com/JonMunkholm/feedlot-etl/internal/etl"
	"github.com/JonMunkholm/feedlot-etl/internal/logging"
	webmw "github.com/JonMunkholm/feedlot-etl/internal/web/middleware"
)

// Server is the HTTP server for the pipeline.
type Server struct {
	pipeline *etl.Pipeline
	cfg      *config.Config
	router   *chi.Mux
	server   *http.Server
	runs     *RunLimiter
	clients  *clientLimiter
	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer wires the router. cfg supplies timeouts, limits and security
// settings.
func NewServer(p *etl.Pipeline, cfg *config.Config) *Server {
	s := &Server{
		pipeline: p,
		cfg:      cfg,
		router:   chi.NewRouter(),
		runs:     NewRunLimiter(cfg.Upload.MaxConcurrent, cfg.Upload.MaxWaitTime),
		stop:     make(chan struct{}),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(webmw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(webmw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
	s.router.Use(securityHeaders(s.cfg.Security.EnableCSP))

	if s.cfg.Rate.Enabled {
		s.clients = newClientLimiter(s.cfg.Rate.RequestsPerMinute, s.cfg.Rate.Burst)
		go s.clients.run(s.stop)
		s.router.Use(s.clients.middleware)
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	// HTML
	s.router.Get("/", s.handleIndex)
	s.router.Post("/preview", s.handlePreviewPage)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(webmw.APIKeyAuth(s.cfg.Security.RequireAPIKey, s.cfg.Security.APIKeys))

		r.Post("/detect", s.handleDetect)
		r.Post("/prepare", s.handlePrepare)
		r.Post("/preview", s.handlePreview)
		r.Post("/load", s.handleLoad)

		r.Post("/dimensions/validate", s.handleValidateDimension)
		r.Post("/dimensions/filter", s.handleFilterOutliers)

		r.Get("/tables", s.handleListTables)
		r.Get("/tables/{table}/schema", s.handleTableSchema)
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and waits for running loads to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return s.runs.WaitForDrain(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func securityHeaders(csp bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			if csp {
				h.Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeJSON encodes v with the given status. Encoding errors are only
// logged since the header is already out.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}

// render writes an HTML component with the given status. Render errors are
// only logged since the header is already out.
func render(w http.ResponseWriter, r *http.Request, status int, c templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := c.Render(r.Context(), w); err != nil {
		logging.FromContext(r.Context()).Error("template render error", "path", r.URL.Path, "error", err)
	}
}
