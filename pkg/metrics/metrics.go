package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	ChallengesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "challengectl_challenges_total",
			Help: "Total number of challenges by status",
		},
		[]string{"status"},
	)

	RunnersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "challengectl_runners_total",
			Help: "Total number of runners by status",
		},
		[]string{"status"},
	)

	TransmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challengectl_transmissions_total",
			Help: "Total number of completed transmissions by outcome",
		},
		[]string{"outcome"},
	)

	AssignmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "challengectl_assignments_total",
			Help: "Total number of challenge assignments handed to runners",
		},
	)

	StaleReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "challengectl_stale_reports_total",
			Help: "Completion reports rejected because the assignment was no longer held",
		},
	)

	AssignmentLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "challengectl_assignment_duration_seconds",
			Help:    "Time spent inside the assignment transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	FileBytesServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "challengectl_file_bytes_served_total",
			Help: "Bytes of blob content streamed to runners and admins",
		},
	)

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "challengectl_sweep_duration_seconds",
			Help:    "Duration of liveness monitor sweeps",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "challengectl_event_subscribers",
			Help: "Currently connected event stream subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ChallengesTotal,
		RunnersTotal,
		TransmissionsTotal,
		AssignmentsTotal,
		StaleReportsTotal,
		AssignmentLatency,
		FileBytesServed,
		SweepDuration,
		EventSubscribers,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for observing durations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
