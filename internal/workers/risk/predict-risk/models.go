// internal/workers/risk/predict-risk/models.go
package predictrisk

import "risk-gateway/internal/riskmodel"

// Input is read from the job variables.
type Input struct {
	AccessToken string                  `json:"accessToken"`
	Features    riskmodel.FeatureVector `json:"features"`
}

// Output is merged into the process variables on completion.
type Output struct {
	Prediction   float64 `json:"prediction"`
	ModelVersion string  `json:"modelVersion"`
}
