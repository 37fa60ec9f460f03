package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSagaMetrics_Counters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSagaMetricsWithRegisterer(registry)

	m.RecordOrderCreated()
	m.RecordOrderCreated()
	m.RecordOrderPlaced("success")
	m.RecordOrderPlaced("stock_shortage")
	m.RecordOrderConfirmed()
	m.RecordOrderCancelled("timeout")
	m.RecordStockDeduction("success")
	m.RecordStockRelease()
	m.RecordPermitsIssued(3)
	m.RecordDuplicateDelivery("stock-deduction")
	m.RecordPlacementDuration(150 * time.Millisecond)

	if got := testutil.ToFloat64(m.ordersCreated); got != 2 {
		t.Fatalf("expected 2 created orders, got %v", got)
	}
	if got := testutil.ToFloat64(m.ordersPlaced.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected 1 success placement, got %v", got)
	}
	if got := testutil.ToFloat64(m.permitsIssued); got != 3 {
		t.Fatalf("expected 3 permits issued, got %v", got)
	}
}

func TestSagaMetrics_DoubleRegistrationReusesCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewSagaMetricsWithRegisterer(registry)
	second := NewSagaMetricsWithRegisterer(registry)

	first.RecordOrderCreated()
	second.RecordOrderCreated()

	if got := testutil.ToFloat64(first.ordersCreated); got != 2 {
		t.Fatalf("expected shared collector with value 2, got %v", got)
	}
}
