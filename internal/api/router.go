// Package api assembles the medical order HTTP surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/schoolcare/medorder/internal/api/handlers"
	"github.com/schoolcare/medorder/internal/api/middleware"
	"github.com/schoolcare/medorder/internal/domain/medorder"
)

// RouterConfig holds the dependencies of the HTTP router
type RouterConfig struct {
	ServiceName string
	Service     *medorder.Service
	Query       *medorder.Query
	Store       handlers.Pinger
	Auth        middleware.AuthConfig
	CORSOrigins []string
	FHIRBaseURL string
	// Metrics receives request timings; MetricsHandler serves /metrics.
	// Both may be nil.
	Metrics        middleware.HTTPObserver
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// NewRouter builds the chi router with the middleware chain and routes
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "medorder-api"
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
	}

	health := handlers.NewHealthHandler(cfg.ServiceName, cfg.Store, logger)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	orders := handlers.NewMedicalOrderHandler(cfg.Service, cfg.Query, cfg.FHIRBaseURL, logger)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth))
		r.Use(middleware.RequestInfo)
		r.Mount("/medical-orders", orders.Routes())
	})

	return r
}
