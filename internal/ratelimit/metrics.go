package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the limiter's Prometheus instruments.
type Metrics struct {
	Decisions *prometheus.CounterVec
	Degraded  *prometheus.CounterVec
}

// NewMetrics creates and registers the limiter metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Decisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luna_ratelimit_decisions_total",
				Help: "Rate-limit decisions by scope and outcome",
			},
			[]string{"scope", "outcome"},
		),
		Degraded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luna_ratelimit_degraded_total",
				Help: "Checks served without the hot-path cache",
			},
			[]string{"scope"},
		),
	}
}

func (m *Metrics) countDecision(scope, outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(scope, outcome).Inc()
}

func (m *Metrics) countDegraded(scope string) {
	if m == nil {
		return
	}
	m.Degraded.WithLabelValues(scope).Inc()
}
