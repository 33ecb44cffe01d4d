package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/schoolcare/medorder/internal/api/handlers"
	"github.com/schoolcare/medorder/internal/api/middleware"
)

// AdminConfig describes the operational endpoints of a background worker
type AdminConfig struct {
	ServiceName string
	// Ready is pinged by /ready
	Ready handlers.Pinger
	// Metrics serves /metrics when set
	Metrics http.Handler
	// Stats, when set, is rendered as JSON by /stats
	Stats  func(ctx context.Context) (interface{}, error)
	Logger *zap.Logger
}

// NewAdminRouter serves /health, /ready, /metrics and /stats for the outbox
// relay and the order notifier.
func NewAdminRouter(cfg AdminConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))

	health := handlers.NewHealthHandler(cfg.ServiceName, cfg.Ready, logger)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	if cfg.Stats != nil {
		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()

			w.Header().Set("Content-Type", "application/json")
			stats, err := cfg.Stats(ctx)
			if err != nil {
				logger.Warn("stats unavailable", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "stats unavailable"})
				return
			}
			_ = json.NewEncoder(w).Encode(stats)
		})
	}
	return r
}

// PingFunc adapts a function to handlers.Pinger
type PingFunc func(ctx context.Context) error

// Ping implements handlers.Pinger
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }
