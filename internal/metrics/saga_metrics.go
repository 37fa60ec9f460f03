package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics содержит метрики саги заказа на квоту вызовов.
type SagaMetrics struct {
	// Счётчики операций Security-стороны
	ordersCreated   prometheus.Counter
	ordersPlaced    *prometheus.CounterVec
	ordersConfirmed prometheus.Counter
	ordersCancelled *prometheus.CounterVec

	// Счётчики Facade-стороны
	stockDeductions *prometheus.CounterVec
	stockReleases   prometheus.Counter
	permitsIssued   prometheus.Counter

	// Идемпотентность и доставка
	duplicateDeliveries *prometheus.CounterVec

	// Гистограмма времени размещения (создание → статус от Facade)
	placementDuration prometheus.Histogram
}

// NewSagaMetrics создаёт метрики с default-регистратором.
func NewSagaMetrics() *SagaMetrics {
	return NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSagaMetricsWithRegisterer создаёт метрики с заданным регистратором;
// один экземпляр разделяется всеми компонентами сервиса.
func NewSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "quota_orders_created_total",
			Help: "Total number of quantity usage orders created",
		}),
		ordersPlaced: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "quota_orders_placed_total",
			Help: "Total number of placement outcomes reported by facade",
		}, []string{"outcome"}),
		ordersConfirmed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "quota_orders_confirmed_total",
			Help: "Total number of orders confirmed by clients",
		}),
		ordersCancelled: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "quota_orders_cancelled_total",
			Help: "Total number of cancelled orders grouped by reason",
		}, []string{"reason"}),
		stockDeductions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "quota_stock_deductions_total",
			Help: "Total number of stock deduction attempts grouped by outcome",
		}, []string{"outcome"}),
		stockReleases: registerCounter(registerer, prometheus.CounterOpts{
			Name: "quota_stock_releases_total",
			Help: "Total number of stock releases applied",
		}),
		permitsIssued: registerCounter(registerer, prometheus.CounterOpts{
			Name: "quota_permits_issued_total",
			Help: "Total number of call permits added to the semaphore",
		}),
		duplicateDeliveries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "quota_duplicate_deliveries_total",
			Help: "Total number of duplicate message deliveries skipped by the idempotency gate",
		}, []string{"listener"}),
		placementDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "quota_order_placement_duration_seconds",
			Help:    "Time from order creation to the placement status update",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *SagaMetrics) RecordOrderCreated() {
	m.ordersCreated.Inc()
}

// RecordOrderPlaced учитывает исход размещения (success / stock_shortage).
func (m *SagaMetrics) RecordOrderPlaced(outcome string) {
	m.ordersPlaced.WithLabelValues(outcome).Inc()
}

// RecordOrderConfirmed увеличивает счётчик подтверждённых заказов.
func (m *SagaMetrics) RecordOrderConfirmed() {
	m.ordersConfirmed.Inc()
}

// RecordOrderCancelled учитывает отмену (user / timeout).
func (m *SagaMetrics) RecordOrderCancelled(reason string) {
	m.ordersCancelled.WithLabelValues(reason).Inc()
}

// RecordStockDeduction учитывает попытку списания квоты.
func (m *SagaMetrics) RecordStockDeduction(outcome string) {
	m.stockDeductions.WithLabelValues(outcome).Inc()
}

// RecordStockRelease увеличивает счётчик возвратов резерва.
func (m *SagaMetrics) RecordStockRelease() {
	m.stockReleases.Inc()
}

// RecordPermitsIssued увеличивает счётчик выданных разрешений.
func (m *SagaMetrics) RecordPermitsIssued(n int64) {
	m.permitsIssued.Add(float64(n))
}

// RecordDuplicateDelivery учитывает дубликат, отсечённый шлюзом идемпотентности.
func (m *SagaMetrics) RecordDuplicateDelivery(listener string) {
	m.duplicateDeliveries.WithLabelValues(listener).Inc()
}

// RecordPlacementDuration записывает время от создания заказа до исхода размещения.
func (m *SagaMetrics) RecordPlacementDuration(duration time.Duration) {
	m.placementDuration.Observe(duration.Seconds())
}
