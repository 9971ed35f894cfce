package filter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_filter_events_processed",
	Help: "The number of decoded events seen by the filter by kind",
}, []string{"kind"})

var eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_filter_events_dropped",
	Help: "The number of candidate notifications dropped by reason",
}, []string{"reason"})

var intentsProduced = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_filter_intents_produced",
	Help: "The number of notification intents handed to the dispatcher by kind",
}, []string{"kind"})

var previewFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "push_filter_preview_failures",
	Help: "The number of notifications sent without a preview after a failed post fetch",
})

var registeredUsersGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "push_filter_registered_users",
	Help: "The number of DIDs with at least one valid device",
})
