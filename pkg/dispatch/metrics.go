package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var intentsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_dispatch_intents_enqueued",
	Help: "The number of notification intents accepted into the queue by kind",
}, []string{"kind"})

var intentsShed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_dispatch_intents_shed",
	Help: "The number of notification intents dropped because the queue was full",
}, []string{"kind"})

var intentsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_dispatch_intents_sent",
	Help: "The number of notifications delivered to the provider by kind",
}, []string{"kind"})

var sendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_dispatch_send_failures",
	Help: "The number of notification sends that ultimately failed by reason",
}, []string{"reason"})

var sendRetries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "push_dispatch_send_retries",
	Help: "The number of retry attempts against the provider",
})

var tokensInvalidated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "push_dispatch_tokens_invalidated",
	Help: "The number of device tokens marked invalid after provider rejection",
})

var queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "push_dispatch_queue_depth",
	Help: "The number of intents waiting in the dispatch queue",
})

var sendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "push_dispatch_send_duration_seconds",
	Help:    "The duration of a full send including retries",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
})

var breakerStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "push_dispatch_breaker_state",
	Help: "The provider circuit breaker state (0=closed, 1=open, 2=half-open)",
})

var breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_dispatch_breaker_transitions",
	Help: "The number of circuit breaker state transitions",
}, []string{"from", "to"})
