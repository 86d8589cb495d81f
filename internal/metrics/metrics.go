package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stockroom"

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeNoop    = "noop"
)

// Metrics groups the collectors the ledger and order service report to.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions     *prometheus.CounterVec
	ledgerOps       *prometheus.CounterVec
	conflictRetries prometheus.Counter
	compensations   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Order lifecycle transitions by outcome.",
		}, []string{"transition", "outcome"}),
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Stock ledger operations by outcome.",
		}, []string{"operation", "outcome"}),
		conflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_conflict_retries_total",
			Help:      "Conditional item updates retried after losing a version race.",
		}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Ledger steps undone after a failed transition.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.ledgerOps, m.conflictRetries, m.compensations)
	}
	return m
}

func (m *Metrics) Transition(transition, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(transition, outcome).Inc()
}

func (m *Metrics) LedgerOp(op, outcome string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ConflictRetry() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}

func (m *Metrics) Compensation(outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(outcome).Inc()
}
