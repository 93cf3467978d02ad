package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hookbridge/hookbridge/internal/config"
	"github.com/hookbridge/hookbridge/internal/engine"
	"github.com/hookbridge/hookbridge/internal/monitor"
	"github.com/hookbridge/hookbridge/internal/registry"
	"github.com/hookbridge/hookbridge/internal/storage"
)

type Server struct {
	cfg      config.ServerConfig
	store    storage.Store
	registry *registry.Registry
	engine   *engine.Engine
	monitor  *monitor.Monitor
	gatherer prometheus.Gatherer
	router   *chi.Mux
	log      zerolog.Logger
	http     *http.Server
}

func NewServer(cfg config.ServerConfig, store storage.Store, reg *registry.Registry, eng *engine.Engine, mon *monitor.Monitor, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: reg,
		engine:   eng,
		monitor:  mon,
		gatherer: gatherer,
		log:      log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	appHandler := NewApplicationHandler(s.store)
	whHandler := NewWebhookHandler(s.store, s.registry, s.monitor)
	evHandler := NewEventHandler(s.store, s.engine)
	dlvHandler := NewDeliveryHandler(s.store)
	statsHandler := NewStatsHandler(s.store)

	// Health check — no auth
	r.Get("/health", statsHandler.Health)

	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Application management — no bearer auth (admin routes)
		r.Post("/applications", appHandler.Create)
		r.Get("/applications", appHandler.List)
		r.Get("/applications/{id}", appHandler.Get)
		r.Delete("/applications/{id}", appHandler.Delete)
		r.Post("/applications/{id}/rotate-key", appHandler.RotateKey)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(s.store))

			// Webhooks
			r.Post("/webhooks", whHandler.Create)
			r.Get("/webhooks", whHandler.List)
			r.Get("/webhooks/{id}", whHandler.Get)
			r.Put("/webhooks/{id}", whHandler.Update)
			r.Delete("/webhooks/{id}", whHandler.Delete)
			r.Patch("/webhooks/{id}/toggle", whHandler.Toggle)
			r.Post("/webhooks/{id}/test", whHandler.Test)
			r.Get("/webhooks/{id}/metrics", whHandler.Metrics)
			r.Get("/webhooks/{id}/health", whHandler.CheckHealth)
			r.Get("/webhooks/{id}/alerts", whHandler.Alerts)

			// Events
			r.Post("/events", evHandler.Publish)
			r.Get("/events", evHandler.List)
			r.Get("/events/{id}", evHandler.Get)
			r.Post("/events/{id}/retry", evHandler.Retry)

			// Deliveries
			r.Get("/deliveries", dlvHandler.List)
			r.Get("/deliveries/{id}", dlvHandler.Get)
			r.Get("/deliveries/{id}/attempts", dlvHandler.ListAttempts)

			// Stats
			r.Get("/stats", statsHandler.Stats)
		})
	})

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
