package mastodon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mastothread_upstream_requests_total",
	Help: "Requests to Mastodon API servers",
}, []string{"endpoint", "status"})

var upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "mastothread_upstream_request_duration",
	Help:    "Time to fetch from a Mastodon API server",
	Buckets: prometheus.ExponentialBucketsRange(0.001, 30, 20),
}, []string{"endpoint", "status"})
