package api

import (
	"context"
	"net/http"
	"time"

	"risk-gateway/internal/audit"
	"risk-gateway/internal/common/auth"
	"risk-gateway/internal/common/errors"
	"risk-gateway/internal/common/logger"
	"risk-gateway/internal/common/metrics"
)

// handleAuth exchanges a username and password for a bearer token.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout())
	defer cancel()

	var req LoginRequest
	if err := decodeJSON(w, r, s.deps.Server.MaxBodyBytes, &req); err != nil {
		s.finish(w, r, start, "auth", auth.Identity{}, "", err)
		return
	}
	if req.Username == "" || req.Password == "" {
		s.finish(w, r, start, "auth", auth.Identity{}, "", errors.NewInvalidRequestError("username and password are required"))
		return
	}

	grant, err := s.deps.Access.Login(ctx, req.Username, req.Password)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues(string(errors.FromError(err).Code)).Inc()
		s.finish(w, r, start, "auth", auth.Identity{Username: req.Username}, "", err)
		return
	}
	metrics.AuthAttempts.WithLabelValues("ok").Inc()

	s.finish(w, r, start, "auth", auth.Identity{Username: req.Username}, "", nil)
	writeJSON(w, http.StatusOK, LoginResponse{
		AccessToken: grant.AccessToken,
		TokenType:   grant.TokenType,
		ExpiresIn:   grant.ExpiresIn,
	})
}

// handlePredict authenticates the caller, validates the features and
// returns the model's prediction.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout())
	defer cancel()

	identity, err := s.authorize(ctx, r, auth.RoleStandard)
	if err != nil {
		s.finish(w, r, start, "predict", identity, "", err)
		return
	}

	var req InferenceRequest
	if err := decodeJSON(w, r, s.deps.Server.MaxBodyBytes, &req); err != nil {
		s.finish(w, r, start, "predict", identity, "", err)
		return
	}

	result, err := s.deps.Pipeline.Run(ctx, identity, req.Features)
	if err != nil {
		s.finish(w, r, start, "predict", identity, "", err)
		return
	}

	s.finish(w, r, start, "predict", identity, result.ModelVersion, nil)
	writeJSON(w, http.StatusOK, PredictResponse{
		Prediction:   result.Prediction,
		ModelVersion: result.ModelVersion,
	})
}

// handleExplain returns the prediction with its per-feature attribution.
func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	timeout := s.deps.ExplainTimeout
	if timeout <= 0 {
		timeout = s.requestTimeout()
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	identity, err := s.authorize(ctx, r, auth.RoleStandard)
	if err != nil {
		s.finish(w, r, start, "explain", identity, "", err)
		return
	}

	var req InferenceRequest
	if err := decodeJSON(w, r, s.deps.Server.MaxBodyBytes, &req); err != nil {
		s.finish(w, r, start, "explain", identity, "", err)
		return
	}
	seed := s.deps.DefaultSeed
	if req.Seed != nil {
		seed = *req.Seed
	}

	exp, err := s.deps.Pipeline.ExplainWithPipeline(ctx, identity, req.Features, s.deps.Background, s.deps.Explainer, seed)
	if err != nil {
		s.finish(w, r, start, "explain", identity, "", err)
		return
	}

	s.finish(w, r, start, "explain", identity, exp.ModelVersion, nil)
	writeJSON(w, http.StatusOK, ExplainResponse{
		Prediction:   exp.Prediction,
		Baseline:     exp.Baseline,
		Attribution:  exp.Attribution,
		Method:       string(exp.Method),
		ModelVersion: exp.ModelVersion,
	})
}

func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Model == nil {
		writeJSON(w, http.StatusOK, ModelStatusResponse{ModelStatus: "unloaded"})
		return
	}
	writeJSON(w, http.StatusOK, ModelStatusResponse{
		ModelStatus:  "loaded",
		ModelName:    s.deps.Model.Name(),
		ModelVersion: s.deps.Model.Version(),
	})
}

// handleAdminModel shows the schema and background configuration. Admins
// only.
func (s *Server) handleAdminModel(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout())
	defer cancel()

	identity, err := s.authorize(ctx, r, auth.RoleAdmin)
	if err != nil {
		s.finish(w, r, start, "admin-model", identity, "", err)
		return
	}

	resp := ModelDetailResponse{
		ModelName:    s.deps.Model.Name(),
		ModelVersion: s.deps.Model.Version(),
		Features:     s.deps.Model.Schema(),
		Baseline:     s.deps.Model.Baseline(),
	}
	if s.deps.Background != nil {
		resp.BackgroundSource = s.deps.Background.Name()
	}
	s.finish(w, r, start, "admin-model", identity, resp.ModelVersion, nil)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "OK"})
}

// handleReady runs every readiness check and reports 503 if any fails.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := StatusResponse{Status: "ready", Checks: map[string]string{}}
	status := http.StatusOK
	for name, check := range s.deps.Readiness {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "not ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	name := s.deps.AppName
	if name == "" {
		name = "risk-gateway"
	}
	writeJSON(w, http.StatusOK, MessageResponse{
		Message: "Welcome to " + name + ". Authenticate at POST /auth, then call POST /predict or POST /explain.",
	})
}

func (s *Server) authorize(ctx context.Context, r *http.Request, needed auth.Role) (auth.Identity, error) {
	token, err := bearerToken(r)
	if err != nil {
		return auth.Identity{}, err
	}
	return s.deps.Access.Authorize(ctx, token, needed)
}

// finish audits the call and, when err is set, writes the error response.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, start time.Time, operation string, identity auth.Identity, modelVersion string, err error) {
	event := audit.Event{
		Timestamp:    start.UTC(),
		RequestID:    logger.RequestID(r.Context()),
		Username:     identity.Username,
		Role:         string(identity.Role),
		Operation:    operation,
		Outcome:      "ok",
		DurationMs:   time.Since(start).Milliseconds(),
		ModelVersion: modelVersion,
		Source:       "http",
	}
	if err != nil {
		event.Outcome = "error"
		event.ErrorCode = string(errors.FromError(err).Code)
	}
	s.deps.Audit.Record(r.Context(), event)

	if err != nil {
		writeError(w, r, s.logger, err)
	}
}
