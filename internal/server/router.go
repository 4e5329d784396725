package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oicur0t/devlogs/internal/auth"
	"go.uber.org/zap"
)

// RouterConfig selects the optional parts of the HTTP surface.
type RouterConfig struct {
	Auth *auth.Authenticator
	// MetricsPath serves Prometheus metrics when set.
	MetricsPath string
	// RequireClientCert rejects requests without a verified client certificate.
	RequireClientCert bool
	Logger            *zap.Logger
}

// NewRouter mounts the device log endpoints, health checks and metrics.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware(cfg.Logger))

	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)
	if cfg.MetricsPath != "" {
		r.Method(http.MethodGet, cfg.MetricsPath, h.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if cfg.RequireClientCert {
			r.Use(MTLSMiddleware(cfg.Logger))
		}
		r.Use(cfg.Auth.Middleware)
		r.Post("/device/v2/{uuid}/logs", h.IngestLogs)
		r.Get("/device/v2/{uuid}/logs", h.ReadLogs)
	})
	return r
}
