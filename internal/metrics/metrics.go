package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Integration counters, mirrored from presence.Integration.
	APICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "person_location_api_calls_total",
			Help: "Geocode cycles by outcome: requested, skipped or throttled",
		},
		[]string{"outcome"},
	)

	APIExceptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "person_location_api_exceptions_total",
			Help: "Unexpected errors raised during a geocode cycle",
		},
	)

	WazeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "person_location_waze_errors_total",
			Help: "Waze routes that failed on every tier",
		},
	)

	ThrottleWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "person_location_throttle_wait_seconds",
			Help:    "Time a geocode cycle waited for the throttle",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	Triggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "person_location_triggers_total",
			Help: "Trigger arbitration results by decision",
		},
		[]string{"decision"},
	)

	// Provider health.
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "person_location_provider_calls_total",
			Help: "Provider call outcomes",
		},
		[]string{"provider", "result"},
	)

	ProviderEnabled = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "person_location_provider_enabled",
			Help: "1 when the provider switch is on",
		},
		[]string{"provider"},
	)

	// Worker pool.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "person_location_queue_depth",
			Help: "Jobs waiting in the worker queue",
		},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "person_location_jobs_total",
			Help: "Worker jobs by source and result",
		},
		[]string{"source", "result"},
	)
)

var jobsSucceeded int64
var jobsFailed int64

func IncSucceeded(source string) {
	atomic.AddInt64(&jobsSucceeded, 1)
	JobsProcessed.WithLabelValues(source, "ok").Inc()
}

func IncFailed(source string) {
	atomic.AddInt64(&jobsFailed, 1)
	JobsProcessed.WithLabelValues(source, "error").Inc()
}

// Snapshot reports worker totals for the ops endpoint.
func Snapshot() map[string]int64 {
	return map[string]int64{
		"jobs_succeeded": atomic.LoadInt64(&jobsSucceeded),
		"jobs_failed":    atomic.LoadInt64(&jobsFailed),
	}
}
