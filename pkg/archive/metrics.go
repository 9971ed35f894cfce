package archive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "push_archive_queue_depth",
	Help: "The current depth of the outcome buffer",
}, []string{"table"})

var outcomesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_archive_outcomes_processed",
	Help: "The number of delivery outcomes buffered for archival",
}, []string{"table"})

var batchSubmissionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "push_archive_batch_submission_duration",
	Help:    "The duration of time it takes to submit a batch of outcomes",
	Buckets: prometheus.DefBuckets,
}, []string{"table"})

var batchSizeHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "push_archive_batch_size",
	Help:    "The size of a batch of outcomes submitted for archival",
	Buckets: prometheus.ExponentialBuckets(1, 2, 20),
}, []string{"table"})
