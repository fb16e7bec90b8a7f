package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromMetrics holds the service's own operational instrumentation — a
// side channel distinct from the business metrics-read API (MetricsForFlag /
// TenantSummary), which is served out of the Postgres-backed aggregation
// below. Each instance carries its own Registry rather than registering
// into promauto's global default, so a process (or a test file) can build
// more than one without a duplicate-registration panic.
type PromMetrics struct {
	Registry *prometheus.Registry

	EvaluationLatency *prometheus.HistogramVec
	EvaluationTotal   *prometheus.CounterVec
	CacheHits         *prometheus.CounterVec
	FlushTotal        prometheus.Counter
	FlushQueueDepth   prometheus.Gauge
}

// NewPromMetrics builds a fresh registry and registers the
// evaluation/flush instrumentation into it.
func NewPromMetrics() *PromMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PromMetrics{
		Registry: reg,
		EvaluationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flagforge_evaluation_duration_seconds",
				Help:    "Duration of a single flag evaluation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tenant"},
		),
		EvaluationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flagforge_evaluations_total",
				Help: "Total number of flag evaluations.",
			},
			[]string{"tenant", "result"}, // result: success, error
		),
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flagforge_cache_hits_total",
				Help: "Evaluation result cache hit/miss counts.",
			},
			[]string{"outcome"}, // hit, miss
		),
		FlushTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flagforge_metrics_flush_total",
				Help: "Total number of successful metrics bucket flushes.",
			},
		),
		FlushQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flagforge_metrics_buckets_pending",
				Help: "Number of in-memory metric buckets awaiting flush.",
			},
		),
	}
}
