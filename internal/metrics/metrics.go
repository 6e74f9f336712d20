package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors recorded by the research components. A nil
// *Metrics is valid and records nothing, which keeps tests free of registries.
type Metrics struct {
	JobsStarted       prometheus.Counter
	JobsFinished      *prometheus.CounterVec
	StepDuration      prometheus.Histogram
	ModelRequests     *prometheus.CounterVec
	ModelRetries      *prometheus.CounterVec
	ModelLatency      prometheus.Histogram
	ToolCalls         *prometheus.CounterVec
	Subscribers       prometheus.Gauge
	EventsDelivered   prometheus.Counter
	EventsDropped     prometheus.Counter
	PersistenceErrors prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bletchley", Name: "jobs_started_total",
			Help: "Research jobs whose loop was started.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bletchley", Name: "jobs_finished_total",
			Help: "Research jobs that reached a terminal status.",
		}, []string{"status"}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bletchley", Name: "job_step_duration_seconds",
			Help:    "Duration of one research loop step (model call plus tools).",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		ModelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bletchley", Name: "model_requests_total",
			Help: "Completed model client calls by outcome.",
		}, []string{"outcome"}),
		ModelRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bletchley", Name: "model_retries_total",
			Help: "Model client retries by reason.",
		}, []string{"reason"}),
		ModelLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bletchley", Name: "model_request_duration_seconds",
			Help:    "Latency of single model HTTP attempts.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bletchley", Name: "tool_calls_total",
			Help: "Tool executions by tool and outcome.",
		}, []string{"tool", "outcome"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bletchley", Name: "broadcast_subscribers",
			Help: "Live realtime subscribers across all jobs.",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bletchley", Name: "broadcast_events_delivered_total",
			Help: "Events handed to subscribers.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bletchley", Name: "broadcast_subscribers_dropped_total",
			Help: "Subscribers removed after a failed delivery.",
		}),
		PersistenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bletchley", Name: "persistence_errors_total",
			Help: "Store calls that failed after all attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.JobsStarted, m.JobsFinished, m.StepDuration,
			m.ModelRequests, m.ModelRetries, m.ModelLatency,
			m.ToolCalls, m.Subscribers, m.EventsDelivered, m.EventsDropped,
			m.PersistenceErrors,
		)
	}
	return m
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsStarted.Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveStep(d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.Observe(d.Seconds())
}

func (m *Metrics) ModelRequest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ModelRequests.WithLabelValues(outcome).Inc()
	m.ModelLatency.Observe(d.Seconds())
}

func (m *Metrics) ModelRetry(reason string) {
	if m == nil {
		return
	}
	m.ModelRetries.WithLabelValues(reason).Inc()
}

func (m *Metrics) ToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved(dropped bool) {
	if m == nil {
		return
	}
	m.Subscribers.Dec()
	if dropped {
		m.EventsDropped.Inc()
	}
}

func (m *Metrics) Delivered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.EventsDelivered.Add(float64(n))
}

func (m *Metrics) PersistenceFailed() {
	if m == nil {
		return
	}
	m.PersistenceErrors.Inc()
}
