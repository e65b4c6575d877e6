// internal/workers/risk/explain-risk/activity.go
package explainrisk

import (
	"risk-gateway/internal/common/config"
	"risk-gateway/pkg/registry"
)

func Activity(featureSchema map[string]interface{}, wcfg config.WorkerConfig, ecfg config.ExplainConfig) registry.Activity {
	return registry.Activity{
		ID:          TaskType,
		DisplayName: "Explain Risk",
		Description: "Scores a feature vector and attributes the score to each feature with Shapley values",
		Category:    "risk",
		Version:     "1.0.0",
		TaskType:    TaskType,
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []string{"accessToken", "features"},
			"properties": map[string]interface{}{
				"accessToken": map[string]interface{}{"type": "string"},
				"features":    featureSchema,
				"seed":        map[string]interface{}{"type": "integer", "minimum": 0},
			},
		},
		OutputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"prediction":   map[string]interface{}{"type": "number"},
				"baseline":     map[string]interface{}{"type": "number"},
				"attribution":  map[string]interface{}{"type": "object", "additionalProperties": map[string]interface{}{"type": "number"}},
				"method":       map[string]interface{}{"type": "string", "enum": []string{"exact", "permutation"}},
				"modelVersion": map[string]interface{}{"type": "string"},
			},
		},
		ErrorCodes: []string{"RISK_AUTH_FAILED", "RISK_INVALID_INPUT", "RISK_EXPLANATION_UNAVAILABLE", "RISK_EXPLANATION_FAILED", "RISK_TIMEOUT"},
		Timeout:    LoadConfig(wcfg, ecfg).Timeout.String(),
		Retries:    wcfg.MaxRetries,
		Tags:       []string{"risk", "explainability"},
	}
}
