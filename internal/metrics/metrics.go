// Package metrics declares the Prometheus collectors exposed on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var ReconcilerTicksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pod_orchestrator",
		Subsystem: "reconciler",
		Name:      "ticks_total",
		Help:      "Total number of reconciler tick loop iterations.",
	},
	[]string{"outcome"},
)

var ReconcilerTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "pod_orchestrator",
		Subsystem: "reconciler",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one reconciler tick across all live analyses.",
		Buckets:   prometheus.DefBuckets,
	},
)

var ReconcilerActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pod_orchestrator",
		Subsystem: "reconciler",
		Name:      "actions_total",
		Help:      "Total number of reconciler actions applied, by action.",
	},
	[]string{"action"},
)

var RestartsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pod_orchestrator",
		Name:      "restarts_total",
		Help:      "Total number of analysis generation restarts, by analysis id.",
	},
	[]string{"analysis_id"},
)

var PermanentFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "pod_orchestrator",
		Name:      "permanent_failures_total",
		Help:      "Total number of analyses that exhausted their restart budget.",
	},
)

var APIRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pod_orchestrator",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total number of API requests, by route and status class.",
	},
	[]string{"route", "status"},
)

var APIRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "pod_orchestrator",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "API request duration in seconds, by route.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"route"},
)

// All returns every Pod Orchestrator metric for registration against a
// prometheus.Registerer.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ReconcilerTicksTotal,
		ReconcilerTickDuration,
		ReconcilerActionsTotal,
		RestartsTotal,
		PermanentFailuresTotal,
		APIRequestsTotal,
		APIRequestDuration,
	}
}
