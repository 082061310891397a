package market

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_market_ticks_applied_total",
		Help: "Ticks and book messages applied to the market state, by source",
	}, []string{"source"})

	bookDeltasDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strikebot_market_book_deltas_dropped_total",
		Help: "Order book deltas dropped for arriving out of order or before a snapshot",
	})
)
