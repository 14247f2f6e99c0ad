package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTracked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_events_tracked_total",
		Help: "Total events accepted into the queue",
	}, []string{"type"})
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_events_dropped_total",
		Help: "Total events dropped because tracking was disabled",
	})
	batchesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_batches_sent_total",
		Help: "Total batches delivered to the remote sink",
	})
	batchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_batch_failures_total",
		Help: "Total batch deliveries that failed and were re-queued",
	})
	insightsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_insights_generated_total",
		Help: "Total insights produced by the analysis engine",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_queue_depth",
		Help: "Events currently buffered for delivery",
	})
	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_flush_duration_seconds",
		Help:    "Duration of flush attempts including the remote send",
		Buckets: prometheus.DefBuckets,
	})
)
