// Package inference validates feature vectors and runs them through the
// loaded risk model.
package inference

import (
	"context"
	"fmt"
	"time"

	"risk-gateway/internal/common/auth"
	"risk-gateway/internal/common/errors"
	"risk-gateway/internal/common/logger"
	"risk-gateway/internal/common/metrics"
	"risk-gateway/internal/common/observability"
	"risk-gateway/internal/riskmodel"
)

// State is the lifecycle position of one pipeline run.
type State string

const (
	StatePending   State = "pending"
	StateValidated State = "validated"
	StateCompleted State = "completed"
	StateRejected  State = "rejected"
)

// Model is the part of the model handle the pipeline depends on.
type Model interface {
	Predict(vector riskmodel.FeatureVector) (float64, error)
	Schema() []riskmodel.Feature
	Version() string
}

// Result is the outcome of a completed run.
type Result struct {
	Prediction   float64
	ModelVersion string
	State        State
}

type Pipeline struct {
	model     Model
	validator *Validator
	obs       *observability.Observability
	logger    logger.Logger
}

func NewPipeline(model Model, obs *observability.Observability, log logger.Logger) (*Pipeline, error) {
	v, err := NewValidator(model.Schema())
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}
	return &Pipeline{
		model:     model,
		validator: v,
		obs:       obs,
		logger:    log.WithFields(map[string]interface{}{"component": "inference"}),
	}, nil
}

// Validator exposes the compiled feature validator.
func (p *Pipeline) Validator() *Validator {
	return p.validator
}

// ModelVersion reports the version of the model behind the pipeline.
func (p *Pipeline) ModelVersion() string {
	return p.model.Version()
}

// Run validates vector and, if it conforms, predicts. The identity is used
// only to gate the call; it never changes the prediction.
func (p *Pipeline) Run(ctx context.Context, identity auth.Identity, vector riskmodel.FeatureVector) (*Result, error) {
	start := time.Now()
	log := logger.FromContext(ctx, p.logger)

	result, err := p.run(ctx, identity, vector)

	outcome := "ok"
	if err != nil {
		outcome = string(errors.FromError(err).Code)
	}
	state := StateRejected
	if result != nil {
		state = result.State
	}
	metrics.Predictions.WithLabelValues(string(state)).Inc()
	p.obs.RecordOperation(ctx, "predict", outcome, time.Since(start))

	fields := map[string]interface{}{
		"username": identity.Username,
		"state":    string(state),
		"duration": time.Since(start).String(),
	}
	if err != nil {
		fields["errorCode"] = outcome
		log.Warn("Inference rejected", fields)
		return nil, err
	}
	log.Info("Inference completed", fields)
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, identity auth.Identity, vector riskmodel.FeatureVector) (*Result, error) {
	if identity.Username == "" {
		return nil, errors.NewUnauthenticatedError("no caller identity")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewRequestTimeoutError("predict", err)
	}

	if err := p.validator.Validate(vector); err != nil {
		return nil, err
	}

	// Validated: only conforming vectors reach the model.
	prediction, err := p.model.Predict(vector)
	if err != nil {
		return nil, errors.NewInferenceFailedError(err)
	}
	return &Result{
		Prediction:   prediction,
		ModelVersion: p.model.Version(),
		State:        StateCompleted,
	}, nil
}
