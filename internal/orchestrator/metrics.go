package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strikebot_orchestrator_ticks_total",
		Help: "Evaluation ticks executed",
	})

	evalFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_orchestrator_eval_failures_total",
		Help: "Strategy evaluations dropped because the pipeline failed",
	}, []string{"strategy"})

	evalSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_orchestrator_eval_skips_total",
		Help: "Evaluations skipped because the key was busy or the pool was full",
	}, []string{"reason"})

	gateBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_orchestrator_gate_blocks_total",
		Help: "Entries refused, by the first gate that failed",
	}, []string{"gate"})

	entriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_orchestrator_entries_total",
		Help: "Positions opened",
	}, []string{"symbol", "direction"})

	exitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_orchestrator_exits_total",
		Help: "Positions closed before settlement, by reason",
	}, []string{"reason"})

	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_orchestrator_settlements_total",
		Help: "Windows settled, by outcome (none when no oracle print arrived)",
	}, []string{"outcome"})

	inflightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strikebot_orchestrator_inflight_orders",
		Help: "Orders submitted and not yet resolved",
	})

	inflightExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strikebot_orchestrator_inflight_expired_total",
		Help: "In-flight orders that hit their acknowledgement deadline",
	})

	exposureGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strikebot_orchestrator_exposure_dollars",
		Help: "Open position cost plus in-flight order cost at the last gate check",
	})
)
