package safety

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	trippedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strikebot_safety_tripped",
		Help: "Whether the auto-stop breaker currently blocks new entries.",
	})

	tripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_safety_trips_total",
		Help: "Auto-stop trips by reason.",
	}, []string{"reason"})

	exposureGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strikebot_safety_open_exposure_dollars",
		Help: "Summed entry cost of open and closing positions.",
	})

	realizedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strikebot_safety_realized_pnl_today_dollars",
		Help: "Realized P&L accumulated since UTC midnight.",
	})

	unrealizedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strikebot_safety_unrealized_pnl_dollars",
		Help: "Open positions marked at the current bid.",
	})

	drawdownGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strikebot_safety_drawdown_from_hwm",
		Help: "Equity drawdown from the high-water mark, as a fraction.",
	})

	stateWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_safety_state_writes_total",
		Help: "Last-known-state file writes by result.",
	}, []string{"result"})
)

func observeState(s State) {
	if s.Tripped {
		trippedGauge.Set(1)
	} else {
		trippedGauge.Set(0)
	}
	exposureGauge.Set(s.TotalExposure)
	realizedGauge.Set(s.RealizedPnLToday)
	unrealizedGauge.Set(s.UnrealizedPnL)
	drawdownGauge.Set(s.DrawdownFromHWM)
}
