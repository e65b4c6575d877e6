// internal/workers/risk/explain-risk/models.go
package explainrisk

import "risk-gateway/internal/riskmodel"

type Input struct {
	AccessToken string                  `json:"accessToken"`
	Features    riskmodel.FeatureVector `json:"features"`
	Seed        *uint64                 `json:"seed,omitempty"`
}

type Output struct {
	Prediction   float64            `json:"prediction"`
	Baseline     float64            `json:"baseline"`
	Attribution  map[string]float64 `json:"attribution"`
	Method       string             `json:"method"`
	ModelVersion string             `json:"modelVersion"`
}
