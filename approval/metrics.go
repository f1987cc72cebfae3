package approval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "purchase_approval"

// Metrics 审批引擎的指标, reg 为空时只创建不注册
type Metrics struct {
	Decisions            *prometheus.CounterVec
	Transitions          *prometheus.CounterVec
	Conflicts            prometheus.Counter
	NotificationFailures prometheus.Counter
	SweepActions         *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decisions_total",
			Help:      "Approval decisions by outcome and action method.",
		}, []string{"decision", "method"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "request_transitions_total",
			Help:      "Purchase request status transitions by target status.",
		}, []string{"status"}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "conflicts_total",
			Help:      "Lock or optimistic version conflicts that triggered a retry.",
		}),
		NotificationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notification_failures_total",
			Help:      "Notifications that could not be delivered.",
		}),
		SweepActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_actions_total",
			Help:      "Actions taken on overdue approvals by timeout policy.",
		}, []string{"policy"}),
	}
}

func (m *Metrics) decision(decision string, method string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(decision, method).Inc()
}

func (m *Metrics) transition(status RequestStatus) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

func (m *Metrics) notificationFailed() {
	if m == nil {
		return
	}
	m.NotificationFailures.Inc()
}

func (m *Metrics) sweepAction(policy TimeoutPolicy) {
	if m == nil {
		return
	}
	m.SweepActions.WithLabelValues(policy).Inc()
}
