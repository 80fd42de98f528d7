package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_queue_depth",
			Help: "Number of unscheduled tasks currently in the queue",
		},
	)

	TasksQueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_tasks_queued_total",
			Help: "Total number of tasks added to the queue",
		},
	)

	TasksRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_tasks_removed_total",
			Help: "Total number of tasks removed from the queue",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_scheduling_latency_seconds",
			Help:    "Time taken to assign a task to a machine, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_tasks_scheduled_total",
			Help: "Total number of tasks assigned to a machine",
		},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_tasks_failed_total",
			Help: "Total number of tasks that ended in failure, by reason",
		},
		[]string{"reason"},
	)

	// Machinery metrics
	MachinesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandboxd_machines_total",
			Help: "Total number of known machines by locked/disabled state",
		},
		[]string{"state"},
	)

	MachineryWorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_machinery_workers_busy",
			Help: "Number of machinery worker pool goroutines currently executing an action",
		},
	)

	MachineActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_machine_action_duration_seconds",
			Help:    "Time taken for a machine action to reach its expected state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Processing worker pool metrics
	ProcessingWorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandboxd_processing_workers_total",
			Help: "Number of processing workers by state",
		},
		[]string{"state"},
	)

	ProcessingJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_processing_jobs_total",
			Help: "Total number of processing jobs completed, by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	// Task state transitions
	TaskStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_task_state_transitions_total",
			Help: "Total number of task state transitions, by resulting state",
		},
		[]string{"state"},
	)

	AnalysisStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_analysis_state_transitions_total",
			Help: "Total number of analysis state transitions, by resulting state",
		},
		[]string{"state"},
	)

	// Retriever metrics
	RetrieverFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_retriever_fetch_duration_seconds",
			Help:    "Time taken to fetch and unpack a result bundle, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetrieverFetchesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_retriever_fetches_failed_total",
			Help: "Total number of result bundle fetches that failed",
		},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TasksQueuedTotal)
	prometheus.MustRegister(TasksRemovedTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(TasksScheduledTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(MachinesTotal)
	prometheus.MustRegister(MachineryWorkersBusy)
	prometheus.MustRegister(MachineActionDuration)
	prometheus.MustRegister(ProcessingWorkersTotal)
	prometheus.MustRegister(ProcessingJobsTotal)
	prometheus.MustRegister(TaskStateTransitionsTotal)
	prometheus.MustRegister(AnalysisStateTransitionsTotal)
	prometheus.MustRegister(RetrieverFetchDuration)
	prometheus.MustRegister(RetrieverFetchesFailed)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and observing the result into a
// histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
