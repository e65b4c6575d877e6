// internal/workers/risk/predict-risk/activity.go
package predictrisk

import (
	"risk-gateway/internal/common/config"
	"risk-gateway/pkg/registry"
)

// Activity describes this worker for the activity registry. featureSchema
// is the JSON schema the pipeline validates features against.
func Activity(featureSchema map[string]interface{}, wcfg config.WorkerConfig) registry.Activity {
	return registry.Activity{
		ID:          TaskType,
		DisplayName: "Predict Risk",
		Description: "Scores a feature vector with the loaded risk model on behalf of the token holder",
		Category:    "risk",
		Version:     "1.0.0",
		TaskType:    TaskType,
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []string{"accessToken", "features"},
			"properties": map[string]interface{}{
				"accessToken": map[string]interface{}{"type": "string"},
				"features":    featureSchema,
			},
		},
		OutputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"prediction":   map[string]interface{}{"type": "number"},
				"modelVersion": map[string]interface{}{"type": "string"},
			},
		},
		ErrorCodes: []string{"RISK_AUTH_FAILED", "RISK_INVALID_INPUT", "RISK_INFERENCE_FAILED", "RISK_DEPENDENCY_UNAVAILABLE", "RISK_TIMEOUT"},
		Timeout:    LoadConfig(wcfg).Timeout.String(),
		Retries:    wcfg.MaxRetries,
		Tags:       []string{"risk", "inference"},
	}
}
