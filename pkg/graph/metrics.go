package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var suppressedChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_graph_suppressed_checks",
	Help: "The number of suppression checks that matched an edge by edge kind",
}, []string{"kind"})

var suppressionCheckErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "push_graph_suppression_check_errors",
	Help: "The number of suppression checks that failed to load edge sets",
})

var edgeCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "push_graph_edge_cache_hits",
	Help: "The number of edge set loads served from the in-memory cache",
})

var edgeCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "push_graph_edge_cache_misses",
	Help: "The number of edge set loads that hit the store",
})
