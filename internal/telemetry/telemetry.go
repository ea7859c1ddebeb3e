// Package telemetry exposes the service's Prometheus metrics and OTel
// tracers.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

var (
	// ModelCalls counts model invocations by provider, model and outcome.
	ModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deepresearch",
		Name:      "model_calls_total",
		Help:      "Model invocations by provider, model and outcome.",
	}, []string{"provider", "model", "outcome"})

	// ModelCallDuration observes wall time of model invocations.
	ModelCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deepresearch",
		Name:      "model_call_duration_seconds",
		Help:      "Model invocation duration.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"provider", "model"})

	// RateLimitWait observes time spent blocked on quota admission.
	RateLimitWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deepresearch",
		Name:      "rate_limit_wait_seconds",
		Help:      "Time spent waiting for rate limiter admission.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider"})

	// SubagentTasks counts delegated research tasks by outcome.
	SubagentTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deepresearch",
		Name:      "subagent_tasks_total",
		Help:      "Delegated research tasks by outcome.",
	}, []string{"outcome"})

	// ActiveRuns tracks research runs currently streaming.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "deepresearch",
		Name:      "active_runs",
		Help:      "Research runs currently in flight.",
	})
)
