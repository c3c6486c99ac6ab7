package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the task counters exposed on /metrics. A nil *Metrics records
// nothing.
type Metrics struct {
	submitted prometheus.Counter
	finished  *prometheus.CounterVec
	retries   prometheus.Counter
	duration  prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "markedit_tasks_submitted_total",
			Help: "Tasks accepted for processing, including resubmissions.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "markedit_tasks_finished_total",
			Help: "Tasks that reached a terminal status.",
		}, []string{"status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "markedit_upstream_retries_total",
			Help: "Attempts restarted after a retryable upstream failure.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "markedit_task_duration_seconds",
			Help:    "Time from processing start to a terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.submitted, m.finished, m.retries, m.duration)
	}
	return m
}

func (m *Metrics) taskSubmitted() {
	if m != nil {
		m.submitted.Inc()
	}
}

func (m *Metrics) retryScheduled() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) taskFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(status).Inc()
	m.duration.Observe(elapsed.Seconds())
}
