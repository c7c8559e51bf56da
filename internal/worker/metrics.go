package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vps",
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Jobs processed, by type and outcome (completed, retried, failed, unknown_type).",
	}, []string{"type", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vps",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Wall-clock execution time per job type.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"type"})

	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vps",
		Subsystem: "jobs",
		Name:      "in_flight",
		Help:      "Jobs currently executing in this worker process.",
	})

	staleRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vps",
		Subsystem: "jobs",
		Name:      "stale_recovered_total",
		Help:      "Running jobs reset or failed by the stale-lock recovery goroutine.",
	})
)

func (p *Pool) observe(jobType, outcome string, start time.Time) {
	jobsProcessed.WithLabelValues(jobType, outcome).Inc()
	jobDuration.WithLabelValues(jobType).Observe(time.Since(start).Seconds())
}
