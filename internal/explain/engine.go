// Package explain computes per-feature Shapley attributions for single
// predictions against a background sample.
package explain

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/bits"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"risk-gateway/internal/common/config"
	"risk-gateway/internal/common/errors"
	"risk-gateway/internal/common/logger"
	"risk-gateway/internal/common/metrics"
	"risk-gateway/internal/common/observability"
	"risk-gateway/internal/riskmodel"
)

type Method string

const (
	MethodAuto        Method = "auto"
	MethodExact       Method = "exact"
	MethodPermutation Method = "permutation"
)

// maxPermutationFeatures bounds coalition masks to one machine word.
const maxPermutationFeatures = 64

// pcgStream is the fixed second half of the PCG state.
const pcgStream = 0x9e3779b97f4a7c15

// Model is the read-only view of the model handle the engine evaluates.
type Model interface {
	Encode(vector riskmodel.FeatureVector) (riskmodel.Row, error)
	PredictRow(row riskmodel.Row) float64
	FeatureNames() []string
}

// Attribution is one explanation. Values sums to Prediction - BaseValue.
type Attribution struct {
	Values      map[string]float64
	BaseValue   float64
	Prediction  float64
	Method      Method
	Evaluations int
}

type Options struct {
	Method                   Method
	MaxConcurrentEvaluations int64
	Permutations             int
	ExactMaxFeatures         int
}

// OptionsFromConfig maps the explain config section.
func OptionsFromConfig(cfg config.ExplainConfig) Options {
	return Options{
		Method:                   Method(cfg.Method),
		MaxConcurrentEvaluations: int64(cfg.MaxConcurrentEvaluations),
		Permutations:             cfg.Permutations,
		ExactMaxFeatures:         cfg.ExactMaxFeatures,
	}
}

// Engine is safe for concurrent use. All explanations share one admission
// semaphore, so the number of coalition evaluations in flight across the
// process never exceeds MaxConcurrentEvaluations.
type Engine struct {
	model  Model
	opts   Options
	sem    *semaphore.Weighted
	obs    *observability.Observability
	logger logger.Logger
}

func NewEngine(model Model, opts Options, obs *observability.Observability, log logger.Logger) *Engine {
	if opts.Method == "" {
		opts.Method = MethodAuto
	}
	if opts.MaxConcurrentEvaluations < 1 {
		opts.MaxConcurrentEvaluations = 1
	}
	if opts.Permutations < 1 {
		opts.Permutations = 64
	}
	if opts.ExactMaxFeatures < 1 {
		opts.ExactMaxFeatures = 10
	}
	return &Engine{
		model:  model,
		opts:   opts,
		sem:    semaphore.NewWeighted(opts.MaxConcurrentEvaluations),
		obs:    obs,
		logger: log.WithFields(map[string]interface{}{"component": "explain"}),
	}
}

// Explain attributes f(vector) - v(empty) across the features. The same
// (vector, background, seed) always yields the same Attribution.
func (e *Engine) Explain(ctx context.Context, vector riskmodel.FeatureVector, background []riskmodel.FeatureVector, seed uint64) (*Attribution, error) {
	start := time.Now()
	names := e.model.FeatureNames()
	method := e.resolveMethod(len(names))

	attr, err := e.explain(ctx, names, method, vector, background, seed)

	outcome := "ok"
	if err != nil {
		outcome = string(errors.FromError(err).Code)
	}
	metrics.ExplanationDuration.WithLabelValues(string(method), outcome).Observe(time.Since(start).Seconds())
	e.obs.RecordOperation(ctx, "explain", outcome, time.Since(start))

	log := logger.FromContext(ctx, e.logger)
	if err != nil {
		log.Warn("Explanation failed", map[string]interface{}{
			"method":    string(method),
			"errorCode": outcome,
			"error":     err,
		})
		return nil, err
	}
	log.Debug("Explanation computed", map[string]interface{}{
		"method":      string(method),
		"evaluations": attr.Evaluations,
		"background":  len(background),
		"duration":    time.Since(start).String(),
	})
	return attr, nil
}

func (e *Engine) resolveMethod(m int) Method {
	switch e.opts.Method {
	case MethodExact, MethodPermutation:
		return e.opts.Method
	}
	if m <= e.opts.ExactMaxFeatures {
		return MethodExact
	}
	return MethodPermutation
}

func (e *Engine) explain(ctx context.Context, names []string, method Method, vector riskmodel.FeatureVector, background []riskmodel.FeatureVector, seed uint64) (*Attribution, error) {
	if len(background) == 0 {
		return nil, errors.NewExplanationFailedError("background sample is empty")
	}
	x, err := e.model.Encode(vector)
	if err != nil {
		return nil, errors.NewExplanationFailedError("instance: " + errors.FromError(err).Details)
	}
	rows := make([]riskmodel.Row, len(background))
	for i, b := range background {
		row, err := e.model.Encode(b)
		if err != nil {
			return nil, errors.NewExplanationFailedError(fmt.Sprintf("background row %d: %s", i, errors.FromError(err).Details))
		}
		rows[i] = row
	}

	m := len(names)
	if m == 0 {
		return nil, errors.NewExplanationFailedError("model has no features")
	}

	c := &coalitions{model: e.model, x: x, background: rows}
	var phi []float64
	switch method {
	case MethodExact:
		if m > 20 {
			return nil, errors.NewExplanationFailedError(fmt.Sprintf("exact method refused for %d features", m))
		}
		phi, err = e.exact(ctx, c, m)
	default:
		if m > maxPermutationFeatures {
			return nil, errors.NewExplanationFailedError(fmt.Sprintf("at most %d features are supported", maxPermutationFeatures))
		}
		phi, err = e.permutation(ctx, c, m, seed)
	}
	if err != nil {
		return nil, err
	}

	values := make(map[string]float64, m)
	for j, name := range names {
		if math.IsNaN(phi[j]) || math.IsInf(phi[j], 0) {
			return nil, errors.NewExplanationFailedError(fmt.Sprintf("attribution for %s is not finite", name))
		}
		values[name] = phi[j]
	}
	return &Attribution{
		Values:      values,
		BaseValue:   c.empty,
		Prediction:  c.full,
		Method:      method,
		Evaluations: c.evaluations,
	}, nil
}

// exact enumerates all 2^m coalitions and applies the Shapley weights
// |S|!(m-|S|-1)!/m!.
func (e *Engine) exact(ctx context.Context, c *coalitions, m int) ([]float64, error) {
	n := 1 << m
	masks := make([]uint64, n)
	for i := range masks {
		masks[i] = uint64(i)
	}
	v, err := e.evaluate(ctx, c, masks)
	if err != nil {
		return nil, err
	}
	c.empty, c.full = v[0], v[n-1]

	weights := make([]float64, m)
	for s := 0; s < m; s++ {
		weights[s] = 1 / (float64(m) * binomial(m-1, s))
	}

	phi := make([]float64, m)
	for j := 0; j < m; j++ {
		bit := 1 << j
		sum := 0.0
		for s := 0; s < n; s++ {
			if s&bit != 0 {
				continue
			}
			sum += weights[bits.OnesCount64(uint64(s))] * (v[s|bit] - v[s])
		}
		phi[j] = sum
	}
	return phi, nil
}

// permutation averages marginal contributions along seeded random feature
// orderings, each paired with its reverse.
func (e *Engine) permutation(ctx context.Context, c *coalitions, m int, seed uint64) ([]float64, error) {
	rng := rand.New(rand.NewPCG(seed, pcgStream))
	pairs := (e.opts.Permutations + 1) / 2

	orders := make([][]int, 0, 2*pairs)
	for p := 0; p < pairs; p++ {
		perm := rng.Perm(m)
		rev := make([]int, m)
		for i := range perm {
			rev[m-1-i] = perm[i]
		}
		orders = append(orders, perm, rev)
	}

	index := map[uint64]int{}
	var masks []uint64
	slot := func(mask uint64) int {
		if i, ok := index[mask]; ok {
			return i
		}
		index[mask] = len(masks)
		masks = append(masks, mask)
		return len(masks) - 1
	}
	full := uint64(1)<<m - 1
	emptySlot, fullSlot := slot(0), slot(full)

	// paths[p][k] is the slot of the first k features of orders[p].
	paths := make([][]int, len(orders))
	for p, order := range orders {
		path := make([]int, m+1)
		var mask uint64
		path[0] = emptySlot
		for k, j := range order {
			mask |= 1 << j
			path[k+1] = slot(mask)
		}
		paths[p] = path
	}

	v, err := e.evaluate(ctx, c, masks)
	if err != nil {
		return nil, err
	}
	c.empty, c.full = v[emptySlot], v[fullSlot]

	phi := make([]float64, m)
	for p, order := range orders {
		path := paths[p]
		for k, j := range order {
			phi[j] += v[path[k+1]] - v[path[k]]
		}
	}
	for j := range phi {
		phi[j] /= float64(len(orders))
	}
	return phi, nil
}

// evaluate computes v(mask) for every mask. Each evaluation holds one slot
// of the shared semaphore. Results land at their mask's index, so the
// output does not depend on scheduling.
func (e *Engine) evaluate(ctx context.Context, c *coalitions, masks []uint64) ([]float64, error) {
	out := make([]float64, len(masks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(e.opts.MaxConcurrentEvaluations))

	for i, mask := range masks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := e.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			metrics.CoalitionEvaluationsInFlight.Inc()
			defer func() {
				metrics.CoalitionEvaluationsInFlight.Dec()
				e.sem.Release(1)
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = c.value(mask)
			metrics.CoalitionEvaluations.Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, abandoned(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, abandoned(err)
	}
	c.evaluations += len(masks)
	return out, nil
}

func abandoned(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.NewRequestTimeoutError("explain", err)
	}
	return errors.NewExplanationFailedError(err.Error())
}

// coalitions evaluates v(S) = mean over background rows b of f(x_S, b_notS).
type coalitions struct {
	model       Model
	x           riskmodel.Row
	background  []riskmodel.Row
	empty, full float64
	evaluations int
}

func (c *coalitions) value(mask uint64) float64 {
	z := make(riskmodel.Row, len(c.x))
	sum := 0.0
	for _, b := range c.background {
		for j := range z {
			if mask&(1<<j) != 0 {
				z[j] = c.x[j]
			} else {
				z[j] = b[j]
			}
		}
		sum += c.model.PredictRow(z)
	}
	return sum / float64(len(c.background))
}

func binomial(n, k int) float64 {
	if k < 0 || k > n {
		return 0
	}
	if k > n-k {
		k = n - k
	}
	r := 1.0
	for i := 1; i <= k; i++ {
		r = r * float64(n-k+i) / float64(i)
	}
	return r
}
