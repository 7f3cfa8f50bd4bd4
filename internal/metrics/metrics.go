// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rillation/enrichment-runtime/internal/domain"
)

var (
	initOnce sync.Once

	submissionsTotalCounter     *prometheus.CounterVec
	planStepsTotalCounter       *prometheus.CounterVec
	providerCallsTotalCounter   *prometheus.CounterVec
	providerCallDurationMetric  *prometheus.HistogramVec
	populationWarningsCounter   *prometheus.CounterVec
	stepExecutionDurationMetric prometheus.Histogram
	workerClaimLatencyMetric    prometheus.Histogram
	webhookDeliveriesCounter    *prometheus.CounterVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		submissionsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "record_submissions_total",
				Help: "Total number of execution record submissions by resulting status.",
			},
			[]string{"status"},
		)

		planStepsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plan_steps_total",
				Help: "Total number of plan steps reaching a terminal state, by type and state.",
			},
			[]string{"type", "state"},
		)

		providerCallsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_calls_total",
				Help: "Total number of provider calls by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		)

		providerCallDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_call_duration_seconds",
				Help:    "Duration of provider calls in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		)

		populationWarningsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "population_warnings_total",
				Help: "Total number of best-effort population attempts that did not succeed.",
			},
			[]string{"attempt"},
		)

		stepExecutionDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "step_execution_duration_seconds",
				Help:    "Duration of step executor calls in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		workerClaimLatencyMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "worker_claim_latency_seconds",
				Help:    "Latency of worker record claim queries in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		webhookDeliveriesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Total number of terminal webhook deliveries by outcome.",
			},
			[]string{"outcome"},
		)

		prometheus.MustRegister(
			submissionsTotalCounter,
			planStepsTotalCounter,
			providerCallsTotalCounter,
			providerCallDurationMetric,
			populationWarningsCounter,
			stepExecutionDurationMetric,
			workerClaimLatencyMetric,
			webhookDeliveriesCounter,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, status := range []domain.RecordStatus{
			domain.RecordSubmitted,
			domain.RecordFailed,
		} {
			submissionsTotalCounter.WithLabelValues(string(status))
		}
	})
}

func IncSubmission(status domain.RecordStatus) {
	Init()
	submissionsTotalCounter.WithLabelValues(string(status)).Inc()
}

func IncPlanStep(stepType domain.StepType, state domain.StepState) {
	Init()
	planStepsTotalCounter.WithLabelValues(string(stepType), string(state)).Inc()
}

func ObserveProviderCall(operation, outcome string, d time.Duration) {
	Init()
	providerCallsTotalCounter.WithLabelValues(operation, outcome).Inc()
	providerCallDurationMetric.WithLabelValues(operation).Observe(d.Seconds())
}

func IncPopulationWarning(attempt string) {
	Init()
	populationWarningsCounter.WithLabelValues(attempt).Inc()
}

func ObserveStepExecutionDuration(d time.Duration) {
	Init()
	stepExecutionDurationMetric.Observe(d.Seconds())
}

func ObserveWorkerClaimLatency(d time.Duration) {
	Init()
	workerClaimLatencyMetric.Observe(d.Seconds())
}

// IncWebhookDelivery counts one finished delivery: delivered, rejected,
// exhausted or canceled.
func IncWebhookDelivery(outcome string) {
	Init()
	webhookDeliveriesCounter.WithLabelValues(outcome).Inc()
}
