package energy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the ledger's Prometheus instruments.
type Metrics struct {
	ConsumeTotal  *prometheus.CounterVec
	RefundTotal   *prometheus.CounterVec
	PurchaseTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the ledger metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ConsumeTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luna_energy_consume_total",
				Help: "Committed energy consume operations",
			},
			[]string{"action", "unlimited"},
		),
		RefundTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luna_energy_refund_total",
				Help: "Committed energy refunds",
			},
			[]string{"reason"},
		),
		PurchaseTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luna_energy_purchase_total",
				Help: "Committed energy pack purchases",
			},
			[]string{"pack"},
		),
	}
}

func (m *Metrics) countConsume(action string, unlimited bool) {
	if m == nil {
		return
	}
	label := "false"
	if unlimited {
		label = "true"
	}
	m.ConsumeTotal.WithLabelValues(action, label).Inc()
}

func (m *Metrics) countRefund(reason string) {
	if m == nil {
		return
	}
	m.RefundTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) countPurchase(pack string) {
	if m == nil {
		return
	}
	m.PurchaseTotal.WithLabelValues(pack).Inc()
}
