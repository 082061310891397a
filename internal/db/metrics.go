package db

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

var (
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strikebot_db_breaker_state",
		Help: "Database circuit breaker state (0=closed, 1=open, 2=half_open)",
	})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_db_retries_total",
		Help: "Total transient database failures that triggered a retry",
	}, []string{"op"})

	ticksSampledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strikebot_db_ticks_sampled_total",
		Help: "Total sampled ticks persisted to the ticks table",
	})
)

func observeBreakerState(state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateClosed:
		v = 0
	case gobreaker.StateOpen:
		v = 1
	case gobreaker.StateHalfOpen:
		v = 2
	}
	breakerState.Set(v)
}

func observeRetry(op string) {
	retriesTotal.WithLabelValues(op).Inc()
}
