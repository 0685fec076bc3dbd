// Package observability exposes Prometheus metrics for the gateway's
// hot paths: workflow steps, provider calls, and the response cache.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// workflowExecutions tracks workflow runs by outcome
	workflowExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_workflow_executions_total",
			Help: "Total workflow executions by outcome",
		},
		[]string{"outcome"},
	)

	// stepDuration tracks per-step execution time by step type
	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_workflow_step_duration_seconds",
			Help:    "Workflow step execution time by step type and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step_type", "outcome"},
	)

	// providerCalls tracks routed provider calls by plugin and outcome
	providerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_calls_total",
			Help: "Total provider calls by plugin and outcome",
		},
		[]string{"plugin", "outcome"},
	)

	// providerFallbacks tracks router fallbacks between targets
	providerFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_fallbacks_total",
			Help: "Total router fallbacks by source plugin",
		},
		[]string{"from_plugin"},
	)

	// cacheLookups tracks response cache lookups by layer and result
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_response_cache_lookups_total",
			Help: "Total response cache lookups by layer and result",
		},
		[]string{"layer", "result"},
	)

	// operationsActive tracks operations currently pending or running
	operationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_operations_active",
			Help: "Operations currently in the pending or running state",
		},
	)
)

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordWorkflowExecution increments the workflow outcome counter.
func RecordWorkflowExecution(success bool) {
	workflowExecutions.WithLabelValues(outcomeLabel(success)).Inc()
}

// ObserveStep records one workflow step's duration. Shaped to plug into
// workflow.WithStepObserver.
func ObserveStep(stepType string, duration time.Duration, success bool) {
	stepDuration.WithLabelValues(stepType, outcomeLabel(success)).Observe(duration.Seconds())
}

// RecordProviderCall increments the provider call counter.
func RecordProviderCall(plugin string, success bool) {
	providerCalls.WithLabelValues(plugin, outcomeLabel(success)).Inc()
}

// RecordFallback increments the router fallback counter.
func RecordFallback(fromPlugin string) {
	providerFallbacks.WithLabelValues(fromPlugin).Inc()
}

// RecordCacheLookup increments the response cache lookup counter.
// layer is "exact" or "semantic"; hit reports the result.
func RecordCacheLookup(layer string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(layer, result).Inc()
}

// OperationStarted bumps the active-operations gauge.
func OperationStarted() { operationsActive.Inc() }

// OperationFinished drops the active-operations gauge.
func OperationFinished() { operationsActive.Dec() }
