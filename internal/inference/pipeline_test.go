package inference

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-gateway/internal/common/auth"
	"risk-gateway/internal/common/errors"
	"risk-gateway/internal/common/logger"
	"risk-gateway/internal/common/observability"
	"risk-gateway/internal/riskmodel"
)

// ==========================
// Test Helper Functions
// ==========================

var alice = auth.Identity{Username: "alice", Role: auth.RoleStandard}

func loadTestHandle(t *testing.T) *riskmodel.Handle {
	t.Helper()
	h, err := riskmodel.LoadFile("../../models/risk_model_v1.json")
	require.NoError(t, err)
	return h
}

func validVector() riskmodel.FeatureVector {
	return riskmodel.FeatureVector{
		"age":      45.0,
		"sex":      "M",
		"bmi":      30.5,
		"children": 2.0,
		"smoker":   "yes",
		"region":   "southeast",
	}
}

// countingModel records how often the wrapped model is asked to predict.
type countingModel struct {
	Model
	calls atomic.Int64
	err   error
}

func (c *countingModel) Predict(v riskmodel.FeatureVector) (float64, error) {
	c.calls.Add(1)
	if c.err != nil {
		return 0, c.err
	}
	return c.Model.Predict(v)
}

func createTestPipeline(t *testing.T, model Model) *Pipeline {
	t.Helper()
	p, err := NewPipeline(model, observability.Nop(), logger.NewTestLogger(t))
	require.NoError(t, err)
	return p
}

// ==========================
// Run
// ==========================

func TestPipeline_RunCompletes(t *testing.T) {
	h := loadTestHandle(t)
	p := createTestPipeline(t, h)

	result, err := p.Run(context.Background(), alice, validVector())
	require.NoError(t, err)

	want, err := h.Predict(validVector())
	require.NoError(t, err)
	assert.Equal(t, want, result.Prediction)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, h.Version(), result.ModelVersion)
}

func TestPipeline_RunIsIdempotentAcrossIdentities(t *testing.T) {
	p := createTestPipeline(t, loadTestHandle(t))

	first, err := p.Run(context.Background(), alice, validVector())
	require.NoError(t, err)
	second, err := p.Run(context.Background(), alice, validVector())
	require.NoError(t, err)
	admin, err := p.Run(context.Background(), auth.Identity{Username: "root", Role: auth.RoleAdmin}, validVector())
	require.NoError(t, err)

	assert.Equal(t, first.Prediction, second.Prediction)
	assert.Equal(t, first.Prediction, admin.Prediction)
}

func TestPipeline_RunRejects(t *testing.T) {
	tests := []struct {
		name           string
		identity       auth.Identity
		mutate         func(v riskmodel.FeatureVector)
		wantCode       errors.ErrorCode
		wantMissing    []string
		wantUnexpected []string
		wantProblems   int
	}{
		{
			name:     "no identity",
			identity: auth.Identity{},
			mutate:   func(v riskmodel.FeatureVector) {},
			wantCode: errors.ErrCodeUnauthenticated,
		},
		{
			name:        "missing bmi",
			identity:    alice,
			mutate:      func(v riskmodel.FeatureVector) { delete(v, "bmi") },
			wantCode:    errors.ErrCodeValidationFailed,
			wantMissing: []string{"bmi"},
		},
		{
			name:     "missing two and one extra",
			identity: alice,
			mutate: func(v riskmodel.FeatureVector) {
				delete(v, "region")
				delete(v, "age")
				v["zip"] = "12345"
			},
			wantCode:       errors.ErrCodeValidationFailed,
			wantMissing:    []string{"age", "region"},
			wantUnexpected: []string{"zip"},
		},
		{
			name:         "age is not a number",
			identity:     alice,
			mutate:       func(v riskmodel.FeatureVector) { v["age"] = "invalid_value" },
			wantCode:     errors.ErrCodeValidationFailed,
			wantProblems: 1,
		},
		{
			name:         "bmi overflows float64",
			identity:     alice,
			mutate:       func(v riskmodel.FeatureVector) { v["bmi"] = json.Number("1e400") },
			wantCode:     errors.ErrCodeValidationFailed,
			wantProblems: 1,
		},
		{
			name:         "age is NaN",
			identity:     alice,
			mutate:       func(v riskmodel.FeatureVector) { v["age"] = math.NaN() },
			wantCode:     errors.ErrCodeValidationFailed,
			wantProblems: 1,
		},
		{
			name:     "unknown category and wrong type together",
			identity: alice,
			mutate: func(v riskmodel.FeatureVector) {
				v["smoker"] = "sometimes"
				v["children"] = true
			},
			wantCode:     errors.ErrCodeValidationFailed,
			wantProblems: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &countingModel{Model: loadTestHandle(t)}
			p := createTestPipeline(t, model)

			v := validVector()
			tt.mutate(v)
			result, err := p.Run(context.Background(), tt.identity, v)

			require.Error(t, err)
			assert.Nil(t, result)
			assert.Zero(t, model.calls.Load(), "model must not be called")

			stdErr := errors.FromError(err)
			assert.Equal(t, tt.wantCode, stdErr.Code)
			if tt.wantCode != errors.ErrCodeValidationFailed {
				return
			}
			missing := stdErr.Metadata["missing"].([]string)
			unexpected := stdErr.Metadata["unexpected"].([]string)
			problems := stdErr.Metadata["errors"].([]string)
			if tt.wantMissing == nil {
				assert.Empty(t, missing)
			} else {
				assert.Equal(t, tt.wantMissing, missing)
			}
			if tt.wantUnexpected == nil {
				assert.Empty(t, unexpected)
			} else {
				assert.Equal(t, tt.wantUnexpected, unexpected)
			}
			assert.Len(t, problems, tt.wantProblems)
		})
	}
}

func TestPipeline_ModelFailureIsInferenceFailed(t *testing.T) {
	model := &countingModel{Model: loadTestHandle(t), err: stderrors.New("tree walk exploded")}
	p := createTestPipeline(t, model)

	_, err := p.Run(context.Background(), alice, validVector())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInferenceFailed))
	assert.Equal(t, int64(1), model.calls.Load())
}

func TestPipeline_CancelledContext(t *testing.T) {
	model := &countingModel{Model: loadTestHandle(t)}
	p := createTestPipeline(t, model)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx, alice, validVector())
	assert.True(t, errors.HasCode(err, errors.ErrCodeRequestTimeout))
	assert.Zero(t, model.calls.Load())
}

// ==========================
// Validator
// ==========================

func TestBuildJSONSchema(t *testing.T) {
	schema := BuildJSONSchema([]riskmodel.Feature{
		{Name: "age", Type: riskmodel.Numeric},
		{Name: "smoker", Type: riskmodel.Categorical, Categories: []string{"no", "yes"}},
		{Name: "note", Type: riskmodel.Categorical},
	})

	props := schema["properties"].(map[string]interface{})
	assert.Equal(t, "number", props["age"].(map[string]interface{})["type"])
	assert.Equal(t, []interface{}{"no", "yes"}, props["smoker"].(map[string]interface{})["enum"])
	assert.NotContains(t, props["note"].(map[string]interface{}), "enum")
	assert.Equal(t, false, schema["additionalProperties"])
	assert.Len(t, schema["required"], 3)
}

func TestValidator_NilVector(t *testing.T) {
	v, err := NewValidator(loadTestHandle(t).Schema())
	require.NoError(t, err)

	err = v.Validate(nil)
	require.Error(t, err)
	assert.Len(t, errors.FromError(err).Metadata["missing"], 6)
}

func TestNewValidator_EmptySchema(t *testing.T) {
	_, err := NewValidator(nil)
	assert.Error(t, err)
}
