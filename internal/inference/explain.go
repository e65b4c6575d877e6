package inference

import (
	"context"

	"risk-gateway/internal/common/auth"
	"risk-gateway/internal/explain"
	"risk-gateway/internal/riskmodel"
)

// Explanation is a prediction together with its attribution.
type Explanation struct {
	Prediction   float64
	Baseline     float64
	Attribution  map[string]float64
	Method       explain.Method
	ModelVersion string
}

// Explainer is satisfied by *explain.Engine.
type Explainer interface {
	Explain(ctx context.Context, vector riskmodel.FeatureVector, background []riskmodel.FeatureVector, seed uint64) (*explain.Attribution, error)
}

// ExplainWithPipeline runs the vector through Run, so it is validated and
// predicted exactly as /predict would, then attributes the prediction
// against the source's background sample.
func (p *Pipeline) ExplainWithPipeline(ctx context.Context, identity auth.Identity, vector riskmodel.FeatureVector, source explain.BackgroundSource, explainer Explainer, seed uint64) (*Explanation, error) {
	result, err := p.Run(ctx, identity, vector)
	if err != nil {
		return nil, err
	}

	background, err := source.Sample(ctx)
	if err != nil {
		return nil, err
	}

	attr, err := explainer.Explain(ctx, vector, background, seed)
	if err != nil {
		return nil, err
	}

	return &Explanation{
		Prediction:   result.Prediction,
		Baseline:     attr.BaseValue,
		Attribution:  attr.Values,
		Method:       attr.Method,
		ModelVersion: result.ModelVersion,
	}, nil
}
