package firehose

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_firehose_frames_received",
	Help: "The number of frames received from the relay by frame type",
}, []string{"type"})

var decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_firehose_decode_errors",
	Help: "The number of frames or records dropped due to decode failures",
}, []string{"reason"})

var recordsIgnored = promauto.NewCounter(prometheus.CounterOpts{
	Name: "push_firehose_records_ignored",
	Help: "The number of records recognized as irrelevant to notifications",
})

var eventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_firehose_events_emitted",
	Help: "The number of domain events handed to the filter by kind",
}, []string{"kind"})

var reconnectsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "push_firehose_reconnects",
	Help: "The number of relay reconnect attempts",
})

var lastSeqGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "push_firehose_last_seq",
	Help: "The last firehose seq handed off for processing",
})
