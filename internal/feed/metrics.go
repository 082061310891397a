package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_feed_ticks_dropped_total",
		Help: "Ticks dropped because the feed buffer was full, by source",
	}, []string{"source"})

	feedUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strikebot_feed_up",
		Help: "Whether the feed connection is established (1) or down (0)",
	}, []string{"source"})

	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_feed_reconnects_total",
		Help: "Feed reconnection attempts after a disconnect",
	}, []string{"source"})
)
