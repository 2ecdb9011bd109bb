package thread

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var walkOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mastothread_thread_walks_total",
	Help: "Thread walks, by outcome",
}, []string{"outcome"})

var walkHops = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "mastothread_thread_walk_hops",
	Help:    "Context fetches needed to walk a thread",
	Buckets: prometheus.LinearBuckets(1, 2, 16),
})
