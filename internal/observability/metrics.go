// Package observability holds the Prometheus collectors shared by the ledger,
// the settlement service and the reconciler.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is nil-safe: a nil *Metrics records nothing.
type Metrics struct {
	adjustments      *prometheus.CounterVec
	retries          *prometheus.CounterVec
	stockAlerts      *prometheus.CounterVec
	settlements      *prometheus.CounterVec
	unappliedEffects *prometheus.CounterVec
	reconciled       *prometheus.CounterVec
	pricingDuration  prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		adjustments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_adjustments_total",
			Help: "Stock ledger adjustments by reason and whether they mutated the record",
		}, []string{"reason", "applied"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_retries_total",
			Help: "Retries of storage operations after transient failures",
		}, []string{"operation"}),
		stockAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_alerts_total",
			Help: "Negative-stock and below-reorder signals raised by adjustments",
		}, []string{"kind"}),
		settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Sales, returns and purchase-order receipts settled",
		}, []string{"kind"}),
		unappliedEffects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_effects_unapplied_total",
			Help: "Stock effects left pending after their document was written",
		}, []string{"source"}),
		reconciled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_effects_reconciled_total",
			Help: "Pending stock effects processed by the reconciler by outcome",
		}, []string{"result"}),
		pricingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricing_duration_seconds",
			Help:    "Time spent pricing a cart",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

func (m *Metrics) Adjustment(reason string, applied bool) {
	if m == nil {
		return
	}
	label := "false"
	if applied {
		label = "true"
	}
	m.adjustments.WithLabelValues(reason, label).Inc()
}

func (m *Metrics) Retry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

func (m *Metrics) StockAlert(kind string) {
	if m == nil {
		return
	}
	m.stockAlerts.WithLabelValues(kind).Inc()
}

func (m *Metrics) Settled(kind string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(kind).Inc()
}

func (m *Metrics) EffectUnapplied(source string) {
	if m == nil {
		return
	}
	m.unappliedEffects.WithLabelValues(source).Inc()
}

func (m *Metrics) Reconciled(result string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePricing(started time.Time) {
	if m == nil {
		return
	}
	m.pricingDuration.Observe(time.Since(started).Seconds())
}
