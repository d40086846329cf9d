package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	reaperCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowpoll_reaper_cycles_total",
			Help: "Total number of reaper cycles by status.",
		},
		[]string{"status"},
	)
	reaperRunsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowpoll_reaper_runs_closed_total",
			Help: "Total number of abandoned runs closed by the reaper, by final state.",
		},
		[]string{"state"},
	)
	reaperCancelsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowpoll_reaper_cancels_total",
			Help: "Total number of cancel requests issued for abandoned jobs by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		reaperCyclesTotal,
		reaperRunsClosedTotal,
		reaperCancelsTotal,
	)
}
