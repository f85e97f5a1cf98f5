// Package metrics exposes prometheus counters and histograms for the core
// runtime: executions, tool calls, and LLM provider routing decisions.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ExecutionsTotal counts orchestrator runs by terminal status.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cratos",
			Subsystem: "orchestrator",
			Name:      "executions_total",
			Help:      "Orchestrator executions by terminal status.",
		},
		[]string{"status"},
	)

	// ExecutionDuration observes wall-clock execution time in seconds.
	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cratos",
			Subsystem: "orchestrator",
			Name:      "execution_duration_seconds",
			Help:      "Orchestrator execution duration.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// IterationsPerExecution observes the number of plan/act iterations an
	// execution took before reaching a final response.
	IterationsPerExecution = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cratos",
			Subsystem: "orchestrator",
			Name:      "iterations",
			Help:      "Plan/act iterations per execution.",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 15},
		},
	)

	// ToolCallsTotal counts tool invocations by tool name and outcome.
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cratos",
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Tool invocations by tool name and outcome.",
		},
		[]string{"tool", "outcome"},
	)

	// ToolCallDuration observes tool execution latency in seconds.
	ToolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cratos",
			Subsystem: "tools",
			Name:      "call_duration_seconds",
			Help:      "Tool execution duration by tool name.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// ApprovalsTotal counts approval requests by outcome.
	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cratos",
			Subsystem: "approvals",
			Name:      "total",
			Help:      "Approval requests by outcome.",
		},
		[]string{"outcome"},
	)

	// RouterDowngradesTotal counts LlmRouter sibling-model downgrades.
	RouterDowngradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cratos",
			Subsystem: "llm_router",
			Name:      "downgrades_total",
			Help:      "Auto-downgrade substitutions by tier.",
		},
		[]string{"tier"},
	)

	// RouterFallbacksTotal counts LlmRouter fallback-tier retries.
	RouterFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cratos",
			Subsystem: "llm_router",
			Name:      "fallbacks_total",
			Help:      "Fallback-tier retries by originating tier.",
		},
		[]string{"tier"},
	)
)

// Registry is the prometheus registry the metrics above are registered
// against. Callers mount it under /metrics with promhttp.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		ExecutionsTotal,
		ExecutionDuration,
		IterationsPerExecution,
		ToolCallsTotal,
		ToolCallDuration,
		ApprovalsTotal,
		RouterDowngradesTotal,
		RouterFallbacksTotal,
	)
}
