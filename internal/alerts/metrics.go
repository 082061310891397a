package alerts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var alertsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "strikebot_alerts_total",
		Help: "Alerts sent, by severity and delivery result.",
	},
	[]string{"severity", "result"},
)
