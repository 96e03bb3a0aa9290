package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TimelinePushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_timeline_pushes_total",
		Help: "Timeline push attempts by timeline kind and result.",
	}, []string{"kind", "result"})

	TimelineRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_timeline_removals_total",
		Help: "Entries removed from timelines by timeline kind.",
	}, []string{"kind"})

	Skipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_skipped_total",
		Help: "Candidate deliveries rejected by the eligibility filter, by reason.",
	}, []string{"reason"})

	Jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_jobs_total",
		Help: "Processed fan-out jobs by event type and result.",
	}, []string{"type", "result"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fanout_job_duration_seconds",
		Help:    "Fan-out job latency by event type.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"type"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Notification decisions by outcome.",
	}, []string{"outcome"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fanout_queue_depth",
		Help: "Sampled queue length by driver.",
	}, []string{"driver"})
)
