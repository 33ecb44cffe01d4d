package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	service string
	store   Pinger
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthHandler creates probes for service backed by store
func NewHealthHandler(service string, store Pinger, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{service: service, store: store, timeout: 2 * time.Second, logger: logger}
}

type healthStatus struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthStatus{Status: "healthy", Service: h.service})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, healthStatus{Status: "not ready", Service: h.service})
		return
	}
	writeJSON(w, http.StatusOK, healthStatus{Status: "ready", Service: h.service})
}
