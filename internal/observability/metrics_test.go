package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCountByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Adjustment("sale", true)
	m.Adjustment("sale", true)
	m.Adjustment("sale", false)
	m.StockAlert("negative_stock")
	m.EffectUnapplied("sale")
	m.ObservePricing(time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.adjustments.WithLabelValues("sale", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adjustments.WithLabelValues("sale", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stockAlerts.WithLabelValues("negative_stock")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unappliedEffects.WithLabelValues("sale")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Adjustment("manual", true)
		m.Retry("adjust")
		m.Settled("sale")
		m.Reconciled("applied")
		m.ObservePricing(time.Now())
	})
}
