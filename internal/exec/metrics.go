package exec

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_exec_orders_placed_total",
		Help: "Orders accepted by the venue or the paper simulator",
	}, []string{"adapter", "side", "status"})

	ordersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_exec_orders_rejected_total",
		Help: "Orders refused before or at the venue, by reason",
	}, []string{"adapter", "reason"})

	cancels = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_exec_cancels_total",
		Help: "Orders cancelled",
	}, []string{"adapter"})

	orderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strikebot_exec_order_latency_seconds",
		Help:    "Round-trip latency of live order placement",
		Buckets: prometheus.DefBuckets,
	})
)
