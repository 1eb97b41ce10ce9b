// SPDX-License-Identifier: LGPL-3.0-or-later

// Package statusd serves read-only health, Prometheus metrics, and an
// OpenAPI document for the VM supervisor's current lifecycle state. It
// has no write endpoints: every other interaction with the supervisor
// happens through the container's own lifetime, not this HTTP surface.
package statusd

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vmsupervisor/lifecycle"
	"vmsupervisor/logger"
	"vmsupervisor/tracing"
)

// StateReporter is the subset of lifecycle.Controller the status server
// depends on, so tests can stub it without standing up libvirt.
type StateReporter interface {
	State() lifecycle.State
}

// Server is the status HTTP server.
type Server struct {
	httpServer *http.Server
	log        logger.Logger
}

// NewServer builds the chi router and wraps it in an http.Server bound
// to addr. vmName is reported on /healthz for operator convenience. A
// nil provider disables request tracing.
func NewServer(addr string, ctrl StateReporter, vmName, version string, provider *tracing.Provider, log logger.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	if provider != nil {
		r.Use(tracing.NewHTTPMiddleware(provider.Tracer("statusd")).Handler)
	}

	r.Get("/healthz", healthzHandler(ctrl, vmName))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.json", openAPIHandler(DefaultOpenAPIConfig(version)))

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start runs the server, blocking until it stops or errors. Callers
// typically invoke this in a goroutine and call Shutdown from the
// lifecycle controller's cleanup path.
func (s *Server) Start() error {
	s.log.Info("status server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func healthzHandler(ctrl StateReporter, vmName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := ctrl.State()
		w.Header().Set("Content-Type", "application/json")
		if state == lifecycle.StateRunning || state == lifecycle.StatePrepared || state == lifecycle.StateConnected {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"state":   state.String(),
			"vm_name": vmName,
		})
	}
}
