// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SessionsTotal tracks sessions created.
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_total",
			Help: "Total sessions created",
		},
		[]string{"tenant_id"},
	)

	// EventsAppendedTotal tracks events written to session logs.
	EventsAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_events_appended_total",
			Help: "Total events appended to session logs",
		},
		[]string{"kind", "source"},
	)

	// EventsDeletedTotal tracks events removed by suffix deletes.
	EventsDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_events_deleted_total",
			Help: "Total events removed by suffix deletion",
		},
	)

	// AgentResponseDuration tracks the time from agent request to final status.
	AgentResponseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_response_duration_seconds",
			Help:    "Agent response generation duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"provider", "status"},
	)

	// AgentRequestsTotal counts handled agent requests by outcome.
	AgentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_requests_total",
			Help: "Agent requests by outcome (responded, failed, rejected, stale)",
		},
		[]string{"result"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// SyncFetchesTotal tracks synchronizer fetches by result.
	SyncFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_fetches_total",
			Help: "Synchronizer event fetches by result",
		},
		[]string{"result"},
	)

	// SyncFetchesDiscarded tracks fetch results thrown away before merging.
	SyncFetchesDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_fetches_discarded_total",
			Help: "Fetch results discarded by the synchronizer",
		},
		[]string{"reason"},
	)

	// SyncEventsMerged tracks events placed into merge buffers.
	SyncEventsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_events_merged_total",
			Help: "Events merged into local session buffers",
		},
	)

	// SyncInvariantViolations tracks conflicting records seen while merging.
	SyncInvariantViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_invariant_violations_total",
			Help: "Conflicting events observed while merging",
		},
	)

	// SyncOperationsTotal tracks user-initiated synchronizer operations.
	SyncOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_operations_total",
			Help: "Send, resend and regenerate operations by result",
		},
		[]string{"operation", "result"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordAgentResponse records metrics for a completed agent response.
func RecordAgentResponse(provider, model, status string, duration float64, tokensIn, tokensOut int) {
	AgentResponseDuration.WithLabelValues(provider, status).Observe(duration)
	if model != "" {
		LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
		LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
	}
}

// RecordSyncOperation records the outcome of a synchronizer operation.
func RecordSyncOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	SyncOperationsTotal.WithLabelValues(operation, result).Inc()
}
