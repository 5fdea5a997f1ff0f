// Package api exposes event submission, rule management and flag
// investigation over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/tillwatch/internal/domain"
	"github.com/opensource-finance/tillwatch/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(metrics.Middleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Probes and scraping
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Event submission
	router.Post("/events", handler.SubmitEvent)
	router.Get("/events/{id}/evaluation", handler.GetEvaluation)

	// Rule catalog
	router.Route("/rules", func(r chi.Router) {
		r.Get("/", handler.ListRules)
		r.Get("/{id}", handler.GetRule)
		r.Put("/{id}", handler.PutRule)
		r.Post("/{id}/enable", handler.EnableRule)
		r.Post("/{id}/disable", handler.DisableRule)
		r.Get("/{id}/versions", handler.RuleVersions)
	})

	// Investigation
	router.Route("/flags", func(r chi.Router) {
		r.Get("/", handler.ListFlags)
		r.Get("/{id}", handler.GetFlag)
		r.Get("/{id}/actions", handler.FlagActions)
		r.Post("/{id}/transitions", handler.TransitionFlag)
	})

	router.Get("/metrics/daily", handler.DailyMetrics)

	// Kill switch
	router.Get("/detection", handler.GetDetection)
	router.Put("/detection", handler.SetDetection)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
