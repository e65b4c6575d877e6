// Package api exposes the risk gateway over HTTP: login, prediction,
// explanation and model status.
package api

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"risk-gateway/internal/audit"
	"risk-gateway/internal/common/auth"
	"risk-gateway/internal/common/config"
	"risk-gateway/internal/common/logger"
	"risk-gateway/internal/explain"
	"risk-gateway/internal/inference"
	"risk-gateway/internal/riskmodel"
)

// ModelInfo describes the loaded model for the status endpoints.
type ModelInfo interface {
	Name() string
	Version() string
	Schema() []riskmodel.Feature
	Baseline() float64
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Dependencies are the collaborators a Server is built from.
type Dependencies struct {
	Access     *auth.AccessControl
	Pipeline   *inference.Pipeline
	Explainer  inference.Explainer
	Background explain.BackgroundSource
	Model      ModelInfo
	Audit      audit.Sink
	Readiness  map[string]ReadinessCheck
	Logger     logger.Logger

	Server         config.ServerConfig
	ExplainTimeout time.Duration
	DefaultSeed    uint64
	AppName        string
	AppVersion     string
}

// Server is the HTTP API server.
type Server struct {
	deps    Dependencies
	mux     *http.ServeMux
	handler http.Handler
	logger  logger.Logger
}

// New creates a Server and registers its routes.
func New(deps Dependencies) *Server {
	if deps.Audit == nil {
		deps.Audit = audit.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNoOpLogger()
	}
	s := &Server{
		deps:   deps,
		mux:    http.NewServeMux(),
		logger: deps.Logger.WithFields(map[string]interface{}{"component": "api"}),
	}
	s.registerRoutes()

	var h http.Handler = s.mux
	h = s.withCORS(h)
	h = s.withRecover(h)
	h = s.withRequestID(h)
	s.handler = otelhttp.NewHandler(h, "risk-gateway")
	return s
}

// Handler returns the mux wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// HTTPServer builds the listener with the configured timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.deps.Server.Address,
		Handler:           s.Handler(),
		ReadTimeout:       config.GetDuration(s.deps.Server.ReadTimeout),
		ReadHeaderTimeout: config.GetDuration(s.deps.Server.ReadTimeout),
		WriteTimeout:      config.GetDuration(s.deps.Server.WriteTimeout),
	}
}

func (s *Server) requestTimeout() time.Duration {
	if s.deps.Server.RequestTimeout > 0 {
		return config.GetDuration(s.deps.Server.RequestTimeout)
	}
	return 10 * time.Second
}
