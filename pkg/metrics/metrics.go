// Package metrics exposes pipeline counters through prometheus. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Step outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomePermanent = "permanent"
)

// Drop reasons.
const (
	DropMalformed      = "malformed"
	DropStale          = "stale"
	DropUnreconcilable = "unreconcilable"
	DropFailed         = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	stepOutcomes *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	dropped      *prometheus.CounterVec
	rollbacks    *prometheus.CounterVec
	retries      *prometheus.CounterVec
	completed    prometheus.Counter
	enqueued     *prometheus.CounterVec
	resumed      prometheus.Counter
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		stepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_invocations_total",
			Help:      "Step handler invocations by step and outcome.",
		}, []string{"step", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step handler duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"step"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Queue messages dropped without running a handler.",
		}, []string{"step", "reason"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_rollbacks_total",
			Help:      "Pipelines rolled back one step to match a redelivered message.",
		}, []string{"step"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_retried_total",
			Help:      "Messages handed back to the queue for redelivery.",
		}, []string{"step"}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_completed_total",
			Help:      "Pipelines that ran their last step.",
		}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_enqueued_total",
			Help:      "Pointers enqueued per step.",
		}, []string{"step"}),
		resumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_resumed_total",
			Help:      "Stalled pipelines re-enqueued by the reconciler.",
		}),
	}
	reg.MustRegister(
		m.stepOutcomes, m.stepDuration, m.dropped, m.rollbacks,
		m.retries, m.completed, m.enqueued, m.resumed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveStep(step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepOutcomes.WithLabelValues(step, outcome).Inc()
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) Dropped(step, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(step, reason).Inc()
}

func (m *Metrics) RolledBack(step string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(step).Inc()
}

func (m *Metrics) Retried(step string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(step).Inc()
}

func (m *Metrics) Enqueued(step string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(step).Inc()
}

func (m *Metrics) Completed() {
	if m == nil {
		return
	}
	m.completed.Inc()
}

func (m *Metrics) Resumed() {
	if m == nil {
		return
	}
	m.resumed.Inc()
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
