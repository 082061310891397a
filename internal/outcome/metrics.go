package outcome

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_outcome_signals_settled_total",
		Help: "Signal rows stamped with a settlement outcome, by result.",
	}, []string{"result"})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strikebot_outcome_signals_pending",
		Help: "Unsettled signal rows whose window has already closed.",
	})

	sweepRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strikebot_outcome_sweep_recovered_total",
		Help: "Signal outcomes recovered by the catch-up sweep.",
	})
)
