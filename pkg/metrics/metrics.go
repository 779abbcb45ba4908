package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth reports the number of task records in a queue, broken
	// down by lifecycle state (spec.md §4.1's TaskState vocabulary).
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "desipipe_queue_depth",
			Help: "Number of task records per queue, by state",
		},
		[]string{"queue", "state"},
	)

	InFlightWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "desipipe_inflight_workers",
			Help: "Number of worker slots currently occupied, per queue",
		},
		[]string{"queue"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "desipipe_scheduling_latency_seconds",
			Help:    "Time from a task entering PENDING to being dispatched to a provider",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "desipipe_task_dispatch_duration_seconds",
			Help:    "Time taken to materialize arguments and hand a task to a provider",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	TasksDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desipipe_tasks_dispatched_total",
			Help: "Total number of tasks handed to a provider",
		},
		[]string{"queue"},
	)

	TasksFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desipipe_tasks_finalized_total",
			Help: "Total number of tasks that reached a terminal state, by outcome",
		},
		[]string{"queue", "state"},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "desipipe_cache_hits_total",
			Help: "Total number of result cache lookups that found a cached payload",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "desipipe_cache_misses_total",
			Help: "Total number of result cache lookups that found nothing",
		},
	)

	// PromoteReadyDuration times the dependency-satisfaction sweep
	// (spec.md §4.1's WAITING -> PENDING promotion) each scheduling cycle.
	PromoteReadyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "desipipe_promote_ready_duration_seconds",
			Help:    "Time taken to sweep WAITING tasks for newly-satisfied dependencies",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(InFlightWorkers)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(TaskDispatchDuration)
	prometheus.MustRegister(TasksDispatchedTotal)
	prometheus.MustRegister(TasksFinalizedTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(PromoteReadyDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
