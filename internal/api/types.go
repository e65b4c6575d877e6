package api

import "risk-gateway/internal/riskmodel"

// LoginRequest is the body of POST /auth.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned by a successful POST /auth.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// InferenceRequest is the body of POST /predict and POST /explain. Seed is
// honoured by /explain only.
type InferenceRequest struct {
	Features riskmodel.FeatureVector `json:"features"`
	Seed     *uint64                 `json:"seed,omitempty"`
}

type PredictResponse struct {
	Prediction   float64 `json:"prediction"`
	ModelVersion string  `json:"model_version"`
}

type ExplainResponse struct {
	Prediction   float64            `json:"prediction"`
	Baseline     float64            `json:"baseline"`
	Attribution  map[string]float64 `json:"attribution"`
	Method       string             `json:"method"`
	ModelVersion string             `json:"model_version"`
}

type ModelStatusResponse struct {
	ModelStatus  string `json:"model_status"`
	ModelName    string `json:"model_name,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`
}

// ModelDetailResponse is the admin view of the loaded model.
type ModelDetailResponse struct {
	ModelName        string              `json:"model_name"`
	ModelVersion     string              `json:"model_version"`
	Features         []riskmodel.Feature `json:"features"`
	Baseline         float64             `json:"baseline"`
	BackgroundSource string              `json:"background_source"`
}

type StatusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse carries a human readable detail and the error code. Metadata
// from validation errors (missing, unexpected, errors) is merged in at the
// top level.
type ErrorResponse map[string]interface{}
