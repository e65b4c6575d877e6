package explain

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"risk-gateway/internal/common/errors"
	"risk-gateway/internal/common/logger"
	"risk-gateway/internal/common/observability"
	"risk-gateway/internal/riskmodel"
)

// ==========================
// Test Helper Functions
// ==========================

func f64(v float64) *float64 { return &v }
func str(v string) *string   { return &v }

// createAdditiveHandle returns f = g(age) + h(smoker), whose Shapley values
// are known in closed form.
func createAdditiveHandle(t testing.TB) *riskmodel.Handle {
	t.Helper()
	h, err := riskmodel.Build(riskmodel.Artifact{
		Name:        "additive",
		Version:     "t1",
		Aggregation: riskmodel.AggregateSum,
		Features: []riskmodel.Feature{
			{Name: "age", Type: riskmodel.Numeric},
			{Name: "smoker", Type: riskmodel.Categorical, Categories: []string{"no", "yes"}},
		},
		Trees: []riskmodel.TreeSpec{
			{Nodes: []riskmodel.NodeSpec{
				{Feature: "age", Threshold: f64(50), Left: 1, Right: 2},
				{Leaf: f64(0.2)},
				{Leaf: f64(0.6)},
			}},
			{Nodes: []riskmodel.NodeSpec{
				{Feature: "smoker", Category: str("yes"), Left: 1, Right: 2},
				{Leaf: f64(0.9)},
				{Leaf: f64(0.1)},
			}},
		},
		Reference: []riskmodel.FeatureVector{
			{"age": 40.0, "smoker": "no"},
			{"age": 60.0, "smoker": "yes"},
		},
	})
	require.NoError(t, err)
	return h
}

func loadShippedHandle(t testing.TB) *riskmodel.Handle {
	t.Helper()
	h, err := riskmodel.LoadFile("../../models/risk_model_v1.json")
	require.NoError(t, err)
	return h
}

func createTestEngine(t testing.TB, model Model, opts Options) *Engine {
	return NewEngine(model, opts, observability.Nop(), logger.NewNoOpLogger())
}

func sampleVector() riskmodel.FeatureVector {
	return riskmodel.FeatureVector{
		"age": 45.0, "sex": "M", "bmi": 30.5, "children": 2.0, "smoker": "yes", "region": "southeast",
	}
}

func sum(values map[string]float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

// ==========================
// Closed-form attributions
// ==========================

func TestEngine_AdditiveModel(t *testing.T) {
	h := createAdditiveHandle(t)

	for _, method := range []Method{MethodExact, MethodPermutation} {
		t.Run(string(method), func(t *testing.T) {
			e := createTestEngine(t, h, Options{Method: method, MaxConcurrentEvaluations: 4, Permutations: 8})

			attr, err := e.Explain(context.Background(),
				riskmodel.FeatureVector{"age": 40.0, "smoker": "yes"}, h.Reference(), 7)
			require.NoError(t, err)

			assert.Equal(t, method, attr.Method)
			assert.InDelta(t, -0.2, attr.Values["age"], 1e-12)
			assert.InDelta(t, 0.4, attr.Values["smoker"], 1e-12)
			assert.InDelta(t, 0.9, attr.BaseValue, 1e-12)
			assert.InDelta(t, 1.1, attr.Prediction, 1e-12)
		})
	}
}

func TestEngine_ResolveMethod(t *testing.T) {
	h := createAdditiveHandle(t)

	tests := []struct {
		name string
		opts Options
		m    int
		want Method
	}{
		{name: "auto small", opts: Options{Method: MethodAuto, ExactMaxFeatures: 10}, m: 6, want: MethodExact},
		{name: "auto at limit", opts: Options{Method: MethodAuto, ExactMaxFeatures: 6}, m: 6, want: MethodExact},
		{name: "auto large", opts: Options{Method: MethodAuto, ExactMaxFeatures: 5}, m: 6, want: MethodPermutation},
		{name: "forced exact", opts: Options{Method: MethodExact, ExactMaxFeatures: 2}, m: 6, want: MethodExact},
		{name: "forced permutation", opts: Options{Method: MethodPermutation}, m: 2, want: MethodPermutation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, createTestEngine(t, h, tt.opts).resolveMethod(tt.m))
		})
	}
}

// ==========================
// Additivity and reproducibility
// ==========================

func TestEngine_AdditivityProperty(t *testing.T) {
	h := loadShippedHandle(t)
	engines := map[Method]*Engine{
		MethodExact:       createTestEngine(t, h, Options{Method: MethodExact, MaxConcurrentEvaluations: 8}),
		MethodPermutation: createTestEngine(t, h, Options{Method: MethodPermutation, MaxConcurrentEvaluations: 8, Permutations: 16}),
	}
	background := h.Reference()

	rapid.Check(t, func(t *rapid.T) {
		vector := riskmodel.FeatureVector{
			"age":      rapid.Float64Range(18, 90).Draw(t, "age"),
			"sex":      rapid.SampledFrom([]string{"F", "M"}).Draw(t, "sex"),
			"bmi":      rapid.Float64Range(15, 50).Draw(t, "bmi"),
			"children": float64(rapid.IntRange(0, 5).Draw(t, "children")),
			"smoker":   rapid.SampledFrom([]string{"no", "yes"}).Draw(t, "smoker"),
			"region":   rapid.SampledFrom([]string{"northeast", "northwest", "southeast", "southwest"}).Draw(t, "region"),
		}
		seed := rapid.Uint64().Draw(t, "seed")
		method := rapid.SampledFrom([]Method{MethodExact, MethodPermutation}).Draw(t, "method")

		attr, err := engines[method].Explain(context.Background(), vector, background, seed)
		if err != nil {
			t.Fatalf("explain: %v", err)
		}
		prediction, err := h.Predict(vector)
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		if len(attr.Values) != 6 {
			t.Fatalf("want 6 attributions, got %d", len(attr.Values))
		}
		if gap := math.Abs(sum(attr.Values) - (prediction - attr.BaseValue)); gap > 1e-6 {
			t.Fatalf("additivity gap %g", gap)
		}
	})
}

func TestEngine_SeededRunsAreIdentical(t *testing.T) {
	h := loadShippedHandle(t)
	e := createTestEngine(t, h, Options{Method: MethodPermutation, MaxConcurrentEvaluations: 16, Permutations: 10})

	first, err := e.Explain(context.Background(), sampleVector(), h.Reference(), 42)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Attribution, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attr, err := e.Explain(context.Background(), sampleVector(), h.Reference(), 42)
			assert.NoError(t, err)
			results[i] = attr
		}()
	}
	wg.Wait()

	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, first.Values, r.Values)
		assert.Equal(t, first.BaseValue, r.BaseValue)
	}
}

func TestEngine_BaselineMatchesArtifact(t *testing.T) {
	h := loadShippedHandle(t)
	e := createTestEngine(t, h, Options{Method: MethodExact, MaxConcurrentEvaluations: 4})

	attr, err := e.Explain(context.Background(), sampleVector(), h.Reference(), 0)
	require.NoError(t, err)
	assert.InDelta(t, h.Baseline(), attr.BaseValue, 1e-9)
	assert.Equal(t, 64, attr.Evaluations)
}

// ==========================
// Failures
// ==========================

func TestEngine_Failures(t *testing.T) {
	h := createAdditiveHandle(t)
	e := createTestEngine(t, h, Options{MaxConcurrentEvaluations: 2})

	tests := []struct {
		name       string
		vector     riskmodel.FeatureVector
		background []riskmodel.FeatureVector
		wantCode   errors.ErrorCode
	}{
		{
			name:     "empty background",
			vector:   riskmodel.FeatureVector{"age": 40.0, "smoker": "yes"},
			wantCode: errors.ErrCodeExplanationFailed,
		},
		{
			name:       "instance misses a feature",
			vector:     riskmodel.FeatureVector{"age": 40.0},
			background: h.Reference(),
			wantCode:   errors.ErrCodeExplanationFailed,
		},
		{
			name:       "background row has extra key",
			vector:     riskmodel.FeatureVector{"age": 40.0, "smoker": "yes"},
			background: []riskmodel.FeatureVector{{"age": 40.0, "smoker": "no", "bmi": 1.0}},
			wantCode:   errors.ErrCodeExplanationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attr, err := e.Explain(context.Background(), tt.vector, tt.background, 1)
			require.Error(t, err)
			assert.Nil(t, attr)
			assert.True(t, errors.HasCode(err, tt.wantCode))
		})
	}
}

func TestEngine_CancelledContextReturnsNoAttribution(t *testing.T) {
	h := loadShippedHandle(t)
	e := createTestEngine(t, h, Options{Method: MethodExact, MaxConcurrentEvaluations: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attr, err := e.Explain(ctx, sampleVector(), h.Reference(), 1)

	require.Error(t, err)
	assert.Nil(t, attr)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRequestTimeout))
}

// ==========================
// Admission control
// ==========================

// slowModel tracks how many rows are evaluated at once.
type slowModel struct {
	Model
	inFlight atomic.Int64
	peak     atomic.Int64
}

func (s *slowModel) PredictRow(row riskmodel.Row) float64 {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(50 * time.Microsecond)
	return s.Model.PredictRow(row)
}

func TestEngine_AdmissionBoundIsProcessWide(t *testing.T) {
	h := loadShippedHandle(t)
	model := &slowModel{Model: h}
	e := createTestEngine(t, model, Options{Method: MethodExact, MaxConcurrentEvaluations: 3})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Explain(context.Background(), sampleVector(), h.Reference()[:4], 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, model.peak.Load(), int64(3))
	assert.Zero(t, model.inFlight.Load())
}

func TestBinomial(t *testing.T) {
	assert.Equal(t, 1.0, binomial(5, 0))
	assert.Equal(t, 10.0, binomial(5, 2))
	assert.Equal(t, 10.0, binomial(5, 3))
	assert.Equal(t, 0.0, binomial(3, 4))
}
