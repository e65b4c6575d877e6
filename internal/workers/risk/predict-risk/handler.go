// internal/workers/risk/predict-risk/handler.go
package predictrisk

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"risk-gateway/internal/audit"
	"risk-gateway/internal/common/auth"
	"risk-gateway/internal/common/errors"
	"risk-gateway/internal/common/logger"
	"risk-gateway/internal/common/metrics"
	"risk-gateway/internal/inference"
	"risk-gateway/internal/riskmodel"
)

const (
	TaskType = "predict-risk"
)

// IdentityResolver is satisfied by *auth.AccessControl.
type IdentityResolver interface {
	RequireIdentity(ctx context.Context, token string) (auth.Identity, error)
}

// Predictor is satisfied by *inference.Pipeline.
type Predictor interface {
	Run(ctx context.Context, identity auth.Identity, vector riskmodel.FeatureVector) (*inference.Result, error)
}

type Handler struct {
	config       *Config
	access       IdentityResolver
	pipeline     Predictor
	audit        audit.Sink
	errorHandler *errors.ErrorHandler
	logger       logger.Logger
}

func NewHandler(config *Config, access IdentityResolver, pipeline Predictor, sink audit.Sink, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Handler{
		config:       config,
		access:       access,
		pipeline:     pipeline,
		audit:        sink,
		errorHandler: errors.NewErrorHandler(log),
		logger:       log,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	start := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer func() {
		metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()
		metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
	}()

	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	output, err := h.process(ctx, job)
	if err != nil {
		h.fail(client, job, err)
		return
	}

	h.completeJob(client, job, output)
}

// process parses and executes one job and audits the outcome.
func (h *Handler) process(ctx context.Context, job entities.Job) (*Output, error) {
	start := time.Now()

	var (
		identity auth.Identity
		output   *Output
	)
	input, err := ParseInput(job.Variables)
	if err == nil {
		output, identity, err = h.execute(ctx, input)
	}

	event := audit.Event{
		Timestamp:  start.UTC(),
		RequestID:  strconv.FormatInt(job.Key, 10),
		Username:   identity.Username,
		Role:       string(identity.Role),
		Operation:  TaskType,
		Outcome:    "ok",
		DurationMs: time.Since(start).Milliseconds(),
		Source:     "zeebe",
	}
	if err != nil {
		event.Outcome = "error"
		event.ErrorCode = string(errors.FromError(err).Code)
	} else {
		event.ModelVersion = output.ModelVersion
	}
	h.audit.Record(ctx, event)

	return output, err
}

// ParseInput decodes job variables, keeping numbers exact.
func ParseInput(variables string) (*Input, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(variables)))
	dec.UseNumber()
	var input Input
	if err := dec.Decode(&input); err != nil {
		return nil, errors.NewInvalidRequestError("parse job variables: " + err.Error())
	}
	return &input, nil
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, auth.Identity, error) {
	if input.AccessToken == "" {
		return nil, auth.Identity{}, errors.NewUnauthenticatedError("accessToken variable is missing")
	}
	identity, err := h.access.RequireIdentity(ctx, input.AccessToken)
	if err != nil {
		return nil, auth.Identity{}, err
	}

	result, err := h.pipeline.Run(ctx, identity, input.Features)
	if err != nil {
		return nil, identity, err
	}
	return &Output{Prediction: result.Prediction, ModelVersion: result.ModelVersion}, identity, nil
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if _, err = cmd.Send(context.Background()); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
}

func (h *Handler) fail(client worker.JobClient, job entities.Job, err error) {
	bpmnErr := h.errorHandler.HandleJobError(context.Background(), client, job, err)
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, bpmnErr.Code).Inc()
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	output, _, err := h.execute(ctx, input)
	return output, err
}
