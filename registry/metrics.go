package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricRequest = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "regfront_registry_request_duration_seconds",
		Help:    "HTTP requests to registries by method and response code, or \"error\" for connection failures, in seconds.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30},
	},
	[]string{
		"method",
		"code",
	},
)

var metricRetry = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "regfront_registry_request_retries_total",
		Help: "Number of retried HTTP requests to registries.",
	},
)

var metricCache = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "regfront_registry_cache_total",
		Help: "Lookups of registry responses in the cache, by result.",
	},
	[]string{
		"result", // hit, miss
	},
)

var metricCacheClear = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "regfront_registry_cache_clear_total",
		Help: "Number of times the response cache was cleared after a deletion.",
	},
)
