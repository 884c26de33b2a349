// Package metrics holds the prometheus instruments of the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transitions      *prometheus.CounterVec
	ApprovalOutcomes *prometheus.CounterVec
	AllocationsOpen  prometheus.Counter
	AllocationsFreed *prometheus.CounterVec
	SweepItems       *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	ErrorsCount      *prometheus.CounterVec
}

// NewMetrics creates metrics registered on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_transitions_total",
			Help:      "Service request status transitions",
		}, []string{"from", "to"}),
		ApprovalOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_outcomes_total",
			Help:      "Approval attempts by outcome",
		}, []string{"outcome"}),
		AllocationsOpen: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_created_total",
			Help:      "Allocations created on approval",
		}),
		AllocationsFreed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_released_total",
			Help:      "Allocations released, by reason",
		}, []string{"reason"}),
		SweepItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_items_total",
			Help:      "Items handled by the expiration sweep",
		}, []string{"step", "result"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Time taken by one expiration sweep run",
			Buckets:   prometheus.DefBuckets,
		}),
		ErrorsCount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "The total number of errors",
		}, []string{"operation"}),
	}
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ApprovalOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ApprovalOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AllocationCreated() {
	if m == nil {
		return
	}
	m.AllocationsOpen.Inc()
}

func (m *Metrics) AllocationReleased(reason string) {
	if m == nil {
		return
	}
	m.AllocationsFreed.WithLabelValues(reason).Inc()
}

func (m *Metrics) SweepItem(step string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.SweepItems.WithLabelValues(step, result).Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
}

func (m *Metrics) Error(operation string) {
	if m == nil {
		return
	}
	m.ErrorsCount.WithLabelValues(operation).Inc()
}
