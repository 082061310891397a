package window

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_window_transitions_total",
		Help: "Window lifecycle transitions by destination phase",
	}, []string{"symbol", "to"})

	discoveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_window_discovery_failures_total",
		Help: "Contract discovery attempts that failed for reasons other than the event not being listed yet",
	}, []string{"symbol"})

	phaseGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strikebot_window_phase",
		Help: "Current lifecycle phase ordinal, 0 idle through 5 settled",
	}, []string{"symbol"})
)
