package strategy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	catalogComponents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strikebot_catalog_components",
		Help: "Registered components by slot type",
	}, []string{"type"})

	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_strategy_evaluations_total",
		Help: "Completed pipeline evaluations by resulting action",
	}, []string{"action"})

	evaluationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strikebot_strategy_evaluation_seconds",
		Help:    "Wall time of a full pipeline evaluation",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	componentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_component_failures_total",
		Help: "Component evaluations that errored or produced no result",
	}, []string{"version_id"})
)
