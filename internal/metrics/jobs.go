package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(jobTransitionsTotal, jobsCapturedTotal, activePolls) }

var (
	jobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsaconvert_job_transitions_total",
			Help: "Job status transitions, labeled by the status entered.",
		},
		[]string{"status"},
	)

	jobsCapturedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsaconvert_jobs_created_total",
			Help: "Jobs created from captured files.",
		},
	)

	activePolls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dsaconvert_active_polls",
			Help: "Jobs currently being polled against the processing service.",
		},
	)
)

func IncJobTransition(status string) {
	jobTransitionsTotal.WithLabelValues(norm(status)).Inc()
}

func IncJobCreated() {
	jobsCapturedTotal.Inc()
}

func PollStarted() { activePolls.Inc() }
func PollStopped() { activePolls.Dec() }
