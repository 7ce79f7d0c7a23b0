package task

import (
	"github.com/phrazzld/runqueue/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	submitted         *prometheus.CounterVec
	claimed           prometheus.Counter
	outcomes          *prometheus.CounterVec
	admissionDenied   prometheus.Counter
	stalledRecovered  *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	busyWorkers       prometheus.Gauge
	tasksByState      *prometheus.GaugeVec
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "runqueue_tasks_submitted_total",
			Help: "Total number of tasks accepted into the queue",
		}, []string{"task_type"}),
		claimed: f.NewCounter(prometheus.CounterOpts{
			Name: "runqueue_tasks_claimed_total",
			Help: "Total number of successful claims",
		}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "runqueue_task_outcomes_total",
			Help: "Task attempts by type and outcome (completed, failed, requeued, cancelled)",
		}, []string{"task_type", "outcome"}),
		admissionDenied: f.NewCounter(prometheus.CounterOpts{
			Name: "runqueue_admission_denied_total",
			Help: "Claims released because host resources were insufficient",
		}),
		stalledRecovered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "runqueue_stalled_tasks_total",
			Help: "Tasks reclaimed from stalled workers by resulting state",
		}, []string{"state"}),
		executionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runqueue_task_duration_seconds",
			Help:    "Histogram of task execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
		}, []string{"task_type"}),
		busyWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "runqueue_busy_workers",
			Help: "Workers currently executing a task in this process",
		}),
		tasksByState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runqueue_tasks",
			Help: "Tasks per state as of the last stats or health scan",
		}, []string{"state"}),
	}
}

func (m *Metrics) taskSubmitted(taskType string) {
	if m != nil {
		m.submitted.WithLabelValues(taskType).Inc()
	}
}

func (m *Metrics) taskClaimed() {
	if m != nil {
		m.claimed.Inc()
	}
}

func (m *Metrics) taskOutcome(taskType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(taskType, outcome).Inc()
	if seconds >= 0 {
		m.executionDuration.WithLabelValues(taskType).Observe(seconds)
	}
}

func (m *Metrics) admissionDeniedInc() {
	if m != nil {
		m.admissionDenied.Inc()
	}
}

func (m *Metrics) stalledRecoveredInc(state domain.TaskState) {
	if m != nil {
		m.stalledRecovered.WithLabelValues(string(state)).Inc()
	}
}

func (m *Metrics) busyDelta(delta float64) {
	if m != nil {
		m.busyWorkers.Add(delta)
	}
}

func (m *Metrics) observeCounts(counts map[domain.TaskState]int) {
	if m == nil {
		return
	}
	for _, s := range domain.AllTaskStates() {
		m.tasksByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
