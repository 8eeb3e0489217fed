package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus instruments.
type Metrics struct {
	Actions *prometheus.CounterVec
	Latency *prometheus.HistogramVec
	Refunds *prometheus.CounterVec
	Billing *prometheus.CounterVec
}

// NewMetrics creates and registers the orchestrator metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Actions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luna_orchestrator_actions_total",
				Help: "Metered action pipeline runs by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		Latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "luna_orchestrator_action_seconds",
				Help:    "End-to-end metered action latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		Refunds: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luna_orchestrator_refunds_total",
				Help: "Refund pipeline outcomes",
			},
			[]string{"outcome"},
		),
		Billing: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luna_orchestrator_billing_total",
				Help: "Billing pipeline steps",
			},
			[]string{"step"},
		),
	}
}

func (m *Metrics) countAction(action, outcome string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) observeLatency(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.Latency.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) countRefundOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Refunds.WithLabelValues(outcome).Inc()
}

func (m *Metrics) countBilling(step string) {
	if m == nil {
		return
	}
	m.Billing.WithLabelValues(step).Inc()
}
