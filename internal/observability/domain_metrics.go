package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snowpoll_jobs_submitted_total",
			Help: "Total number of jobs accepted by the warehouse.",
		},
	)
	jobOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowpoll_job_outcomes_total",
			Help: "Total number of finished job runs by terminal state.",
		},
		[]string{"state"},
	)
	jobPollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snowpoll_job_polls_total",
			Help: "Total number of job status polls issued.",
		},
	)
	jobCancelsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snowpoll_job_cancels_total",
			Help: "Total number of cancel requests sent to the warehouse.",
		},
	)
	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snowpoll_job_duration_seconds",
			Help:    "Wall-clock duration of job runs from submission to terminal state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"state"},
	)
	resultRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snowpoll_result_rows",
			Help:    "Number of rows materialized per successful job.",
			Buckets: prometheus.ExponentialBuckets(1, 10, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(
		jobsSubmittedTotal,
		jobOutcomesTotal,
		jobPollsTotal,
		jobCancelsTotal,
		jobDurationSeconds,
		resultRows,
	)
}

func IncrementJobSubmitted() {
	jobsSubmittedTotal.Inc()
}

func IncrementJobPoll() {
	jobPollsTotal.Inc()
}

func IncrementJobCancel() {
	jobCancelsTotal.Inc()
}

func ObserveJobOutcome(state string, elapsed time.Duration, rows int) {
	jobOutcomesTotal.WithLabelValues(state).Inc()
	if elapsed > 0 {
		jobDurationSeconds.WithLabelValues(state).Observe(elapsed.Seconds())
	}
	if rows > 0 {
		resultRows.Observe(float64(rows))
	}
}
