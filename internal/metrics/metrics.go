// Package metrics holds the scheduler's Prometheus counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	enqueued      *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	decisionFails *prometheus.CounterVec
	revived       *prometheus.CounterVec
	unmatched     prometheus.Counter
	reviveFails   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotguard_periodic_enqueued_total",
			Help: "Periodic tasks enqueued by this scheduler.",
		}, []string{"definition"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotguard_periodic_skipped_total",
			Help: "Periodic tasks skipped because their slot was already enqueued.",
		}, []string{"definition"}),
		decisionFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotguard_periodic_decision_failures_total",
			Help: "Periodic tasks skipped because eligibility could not be determined.",
		}, []string{"definition"}),
		revived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotguard_dead_tasks_revived_total",
			Help: "Dead task instances resubmitted.",
		}, []string{"task_type"}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slotguard_dead_tasks_unmatched_total",
			Help: "Dead task instances with no restartable rule.",
		}),
		reviveFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotguard_dead_tasks_revive_failures_total",
			Help: "Dead task instances that could not be revoked or resubmitted.",
		}, []string{"task_type"}),
	}
	if reg != nil {
		reg.MustRegister(m.enqueued, m.skipped, m.decisionFails, m.revived, m.unmatched, m.reviveFails)
	}
	return m
}

func (m *Metrics) Enqueued(def string) {
	if m != nil {
		m.enqueued.WithLabelValues(def).Inc()
	}
}

func (m *Metrics) Skipped(def string) {
	if m != nil {
		m.skipped.WithLabelValues(def).Inc()
	}
}

func (m *Metrics) DecisionFailed(def string) {
	if m != nil {
		m.decisionFails.WithLabelValues(def).Inc()
	}
}

func (m *Metrics) Revived(taskType string) {
	if m != nil {
		m.revived.WithLabelValues(taskType).Inc()
	}
}

func (m *Metrics) Unmatched() {
	if m != nil {
		m.unmatched.Inc()
	}
}

func (m *Metrics) ReviveFailed(taskType string) {
	if m != nil {
		m.reviveFails.WithLabelValues(taskType).Inc()
	}
}
