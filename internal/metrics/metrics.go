package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strikebot_http_request_duration_ms",
		Help:    "Ops endpoint latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"method", "path", "status"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikebot_http_requests_total",
		Help: "Ops endpoint requests by method, path, and status.",
	}, []string{"method", "path", "status"})
)

func recordRequest(method, path, status string, durationMS float64) {
	requestDuration.WithLabelValues(method, path, status).Observe(durationMS)
	requestsTotal.WithLabelValues(method, path, status).Inc()
}
