package api

import "github.com/prometheus/client_golang/prometheus/promhttp"

// registerRoutes wires all API endpoints onto the server mux.
func (s *Server) registerRoutes() {
	// Public endpoints.
	s.mux.Handle("POST /auth", s.instrument("auth", s.handleAuth))
	s.mux.Handle("GET /model-status", s.instrument("model-status", s.handleModelStatus))
	s.mux.Handle("GET /health", s.instrument("health", s.handleHealth))
	s.mux.Handle("GET /ready", s.instrument("ready", s.handleReady))
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.Handle("GET /{$}", s.instrument("root", s.handleRoot))

	// Bearer-token endpoints.
	s.mux.Handle("POST /predict", s.instrument("predict", s.handlePredict))
	s.mux.Handle("POST /explain", s.instrument("explain", s.handleExplain))

	// Admin endpoints.
	s.mux.Handle("GET /admin/model", s.instrument("admin-model", s.handleAdminModel))
}
