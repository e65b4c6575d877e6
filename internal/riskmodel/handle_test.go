package riskmodel

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-gateway/internal/common/errors"
)

// ==========================
// Test Helper Functions
// ==========================

func f64(v float64) *float64 { return &v }
func str(v string) *string   { return &v }

func createTestArtifact() Artifact {
	return Artifact{
		Name:    "test-model",
		Version: "t1",
		Features: []Feature{
			{Name: "age", Type: Numeric},
			{Name: "smoker", Type: Categorical, Categories: []string{"no", "yes"}},
		},
		Trees: []TreeSpec{
			{Nodes: []NodeSpec{
				{Feature: "age", Threshold: f64(50), Left: 1, Right: 2},
				{Leaf: f64(0.2)},
				{Leaf: f64(0.6)},
			}},
			{Nodes: []NodeSpec{
				{Feature: "smoker", Category: str("yes"), Left: 1, Right: 2},
				{Leaf: f64(0.9)},
				{Leaf: f64(0.1)},
			}},
		},
		Reference: []FeatureVector{
			{"age": 40.0, "smoker": "no"},
			{"age": 60.0, "smoker": "yes"},
		},
	}
}

func createTestHandle(t *testing.T) *Handle {
	t.Helper()
	h, err := Build(createTestArtifact())
	require.NoError(t, err)
	return h
}

// ==========================
// Prediction
// ==========================

func TestHandle_Predict(t *testing.T) {
	h := createTestHandle(t)

	tests := []struct {
		name   string
		vector FeatureVector
		want   float64
	}{
		{name: "young smoker", vector: FeatureVector{"age": 40.0, "smoker": "yes"}, want: 0.55},
		{name: "old non-smoker", vector: FeatureVector{"age": 60, "smoker": "no"}, want: 0.35},
		{name: "threshold goes right", vector: FeatureVector{"age": int64(50), "smoker": "no"}, want: 0.35},
		{name: "json number", vector: FeatureVector{"age": json.Number("49.9"), "smoker": "no"}, want: 0.15},
		{name: "unknown category goes right", vector: FeatureVector{"age": 20.0, "smoker": "sometimes"}, want: 0.15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Predict(tt.vector)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestHandle_PredictIsDeterministic(t *testing.T) {
	h, err := LoadFile("../../models/risk_model_v1.json")
	require.NoError(t, err)

	vector := FeatureVector{"age": 45.0, "sex": "M", "bmi": 30.5, "children": 2.0, "smoker": "yes", "region": "southeast"}
	first, err := h.Predict(vector)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]float64, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = h.Predict(vector)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, first, r)
	}
}

func TestHandle_PredictSumAggregation(t *testing.T) {
	a := createTestArtifact()
	a.Aggregation = AggregateSum
	a.BaseScore = 1.0
	h, err := Build(a)
	require.NoError(t, err)

	got, err := h.Predict(FeatureVector{"age": 40.0, "smoker": "yes"})
	require.NoError(t, err)
	assert.InDelta(t, 2.1, got, 1e-12)
}

func TestHandle_SchemaMismatch(t *testing.T) {
	h := createTestHandle(t)

	tests := []struct {
		name           string
		vector         FeatureVector
		wantMissing    []string
		wantUnexpected []string
		errMsg         string
	}{
		{
			name:           "missing key",
			vector:         FeatureVector{"age": 30.0},
			wantMissing:    []string{"smoker"},
			wantUnexpected: []string{},
		},
		{
			name:           "extra keys sorted",
			vector:         FeatureVector{"age": 30.0, "smoker": "no", "zip": "1", "bmi": 22.0},
			wantMissing:    []string{},
			wantUnexpected: []string{"bmi", "zip"},
		},
		{
			name:           "both",
			vector:         FeatureVector{"smoker": "no", "weight": 80.0},
			wantMissing:    []string{"age"},
			wantUnexpected: []string{"weight"},
		},
		{
			name:   "string for numeric",
			vector: FeatureVector{"age": "invalid_value", "smoker": "no"},
			errMsg: "age: expected a finite number",
		},
		{
			name:   "number for categorical",
			vector: FeatureVector{"age": 30.0, "smoker": 1.0},
			errMsg: "smoker: expected a string",
		},
		{
			name:   "bool is not a number",
			vector: FeatureVector{"age": true, "smoker": "no"},
			errMsg: "age: expected a finite number",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Predict(tt.vector)
			require.Error(t, err)
			require.True(t, errors.HasCode(err, errors.ErrCodeSchemaMismatch))

			stdErr := errors.FromError(err)
			if tt.errMsg != "" {
				assert.Contains(t, stdErr.Details, tt.errMsg)
				return
			}
			assert.Equal(t, tt.wantMissing, stdErr.Metadata["missing"])
			assert.Equal(t, tt.wantUnexpected, stdErr.Metadata["unexpected"])
		})
	}
}

// ==========================
// Loading
// ==========================

func TestLoadFile_ShippedArtifact(t *testing.T) {
	h, err := LoadFile("../../models/risk_model_v1.json")
	require.NoError(t, err)

	assert.Equal(t, "insurance-risk", h.Name())
	assert.Equal(t, "v1", h.Version())
	assert.Equal(t, []string{"age", "sex", "bmi", "children", "smoker", "region"}, h.FeatureNames())
	assert.Equal(t, 6, h.NumFeatures())
	assert.Greater(t, h.Baseline(), 0.0)
	assert.Less(t, h.Baseline(), 1.0)
	assert.NotEmpty(t, h.Reference())
}

func TestHandle_BaselineIsReferenceMean(t *testing.T) {
	h := createTestHandle(t)
	assert.InDelta(t, 0.45, h.Baseline(), 1e-12)
}

func TestHandle_AccessorsReturnCopies(t *testing.T) {
	h := createTestHandle(t)

	ref := h.Reference()
	ref[0]["age"] = 99.0
	assert.Equal(t, 40.0, h.Reference()[0]["age"])

	schema := h.Schema()
	schema[1].Categories[0] = "changed"
	assert.Equal(t, "no", h.Schema()[1].Categories[0])
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *Artifact)
		errMsg string
	}{
		{name: "no features", mutate: func(a *Artifact) { a.Features = nil }, errMsg: "no features"},
		{name: "duplicate feature", mutate: func(a *Artifact) { a.Features[1].Name = "age" }, errMsg: "duplicate feature"},
		{name: "bad type", mutate: func(a *Artifact) { a.Features[0].Type = "ordinal" }, errMsg: "unsupported type"},
		{name: "no trees", mutate: func(a *Artifact) { a.Trees = nil }, errMsg: "no trees"},
		{name: "unknown split feature", mutate: func(a *Artifact) { a.Trees[0].Nodes[0].Feature = "bmi" }, errMsg: "unknown feature"},
		{name: "backward child", mutate: func(a *Artifact) { a.Trees[0].Nodes[0].Left = 0 }, errMsg: "out of range"},
		{name: "child past end", mutate: func(a *Artifact) { a.Trees[0].Nodes[0].Right = 7 }, errMsg: "out of range"},
		{name: "numeric split without threshold", mutate: func(a *Artifact) { a.Trees[0].Nodes[0].Threshold = nil }, errMsg: "needs a threshold"},
		{name: "categorical split without category", mutate: func(a *Artifact) { a.Trees[1].Nodes[0].Category = nil }, errMsg: "needs a category"},
		{name: "empty reference", mutate: func(a *Artifact) { a.Reference = nil }, errMsg: "no reference set"},
		{name: "reference off schema", mutate: func(a *Artifact) { a.Reference[1] = FeatureVector{"age": 3.0} }, errMsg: "reference row 1"},
		{name: "bad aggregation", mutate: func(a *Artifact) { a.Aggregation = "median" }, errMsg: "unsupported aggregation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := createTestArtifact()
			tt.mutate(&a)
			_, err := Build(a)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrCodeModelLoadError))
			assert.Contains(t, errors.FromError(err).Details, tt.errMsg)
		})
	}
}

func TestLoad_CorruptInput(t *testing.T) {
	_, err := Load(strings.NewReader(`{"name": "x", "features": [`))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeModelLoadError))

	_, err = LoadFile("does-not-exist.json")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeModelLoadError))
}
