package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/scan", s.handleScan)
		r.Get("/scan", s.handleLastScan)
		r.Post("/refresh", s.handleRefreshAll)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{alias}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Put("/state", s.handleSetDeviceState)
				r.Post("/refresh", s.handleRefreshDevice)
				r.Get("/history", s.handleGetDeviceHistory)
			})
		})
	})

	return r
}

// handleHealth returns the service health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.devices.Stats()

	status := "ok"
	body := map[string]any{
		"version":  s.version,
		"devices":  stats.Devices,
		"capacity": stats.Capacity,
	}
	if s.mqtt != nil {
		connected := s.mqtt.IsConnected()
		body["mqtt_connected"] = connected
		if !connected {
			status = "degraded"
		}
	}
	if len(s.stores) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), storeCheckTimeout)
		defer cancel()

		stores := make(map[string]string, len(s.stores))
		for name, store := range s.stores {
			stores[name] = "ok"
			if err := store.HealthCheck(ctx); err != nil {
				stores[name] = err.Error()
				status = "degraded"
			}
		}
		body["stores"] = stores
	}
	if stats.Devices == 0 {
		status = "degraded"
	}
	body["status"] = status

	writeJSON(w, http.StatusOK, body)
}
