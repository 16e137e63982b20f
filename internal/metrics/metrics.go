// Package metrics exposes the processor's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "uploadq",
		Name:      "cycle_duration_seconds",
		Help:      "Wall-clock duration of one dispatch cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uploadq",
		Name:      "dispatch_total",
		Help:      "Dispatch outcomes by lane and result.",
	}, []string{"lane", "outcome"})

	RateLimitDeferrals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uploadq",
		Name:      "rate_limit_deferrals_total",
		Help:      "Dispatches deferred before the remote call by the rate accountant.",
	}, []string{"lane"})

	RecoveredJobs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "uploadq",
		Name:      "recovered_jobs_total",
		Help:      "Jobs requeued by the crash recovery sweep.",
	})

	ReclaimedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "uploadq",
		Name:      "retention_reclaimed_bytes_total",
		Help:      "Payload bytes deleted by the retention sweeper.",
	})

	TrimmedAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "uploadq",
		Name:      "trimmed_attempts_total",
		Help:      "Attempt-log rows deleted by the daily trim.",
	})
)
