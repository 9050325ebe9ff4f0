package api

import (
	"context"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		if !s.managementEnabled() {
			return
		}

		r.Route("/tenants/devices", func(r chi.Router) {
			r.Post("/register", s.handleRegisterDevice)
			r.Put("/update", s.handleUpdateDevice)
			r.Delete("/remove", s.handleRemoveDevices)
			r.Post("/status", s.handleDeviceStatus)
			r.Get("/connected", s.handleConnectedDevices)

			r.Post("/command", s.handleSendCommand)
			r.Get("/sensors", s.handleGetSensors)
			r.Post("/sensors/add", s.handleAddSensor)
			r.Delete("/sensors/remove", s.handleRemoveSensor)
		})
	})

	// Control channel (devices dial in here)
	if s.managementEnabled() {
		r.Get(s.wsPath, s.control.ServeHTTP)
	}

	return r
}

// healthResponse is the body of /api/v1/health.
type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// handleHealth runs every registered dependency check and reports 503
// when any of them fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: s.version}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) > 0 {
		resp.Checks = make(map[string]string, len(names))
	}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.checks[name].HealthCheck(ctx)
		cancel()
		if err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
