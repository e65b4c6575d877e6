package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_attempts_total",
			Help: "Login attempts by outcome",
		},
		[]string{"outcome"},
	)

	Predictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_predictions_total",
			Help: "Inference pipeline runs by terminal state",
		},
		[]string{"state"},
	)

	ExplanationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_explanation_duration_seconds",
			Help:    "Time to compute one attribution",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "outcome"},
	)

	CoalitionEvaluations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_coalition_evaluations_total",
			Help: "Coalition value evaluations performed by the explanation engine",
		},
	)

	CoalitionEvaluationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_coalition_evaluations_in_flight",
			Help: "Coalition evaluations currently holding an admission slot",
		},
	)

	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of active jobs per worker",
		},
		[]string{"task_type"},
	)
)
