package resolve

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var identityCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_identity_cache_hits",
	Help: "The number of identity lookups served from a cache layer",
}, []string{"layer"})

var identityCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "push_identity_cache_misses",
	Help: "The number of identity lookups that required a network resolution",
})

var staleIdentitiesServed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "push_identity_stale_served",
	Help: "The number of identity lookups served from expired entries after a failed refresh",
})

var identityResolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "push_identity_resolution_duration_seconds",
	Help:    "The duration of network DID resolutions",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
})

var postCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_post_cache_hits",
	Help: "The number of post lookups served from a cache layer",
}, []string{"layer"})

var postCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "push_post_cache_misses",
	Help: "The number of post lookups that required a network fetch",
})

var stalePostsServed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "push_post_stale_served",
	Help: "The number of post lookups served from expired entries after a failed fetch",
})

var postResolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "push_post_resolution_duration_seconds",
	Help:    "The duration of network post fetches",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
})
