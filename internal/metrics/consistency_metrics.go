package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Значения label result для резервирования и сверки.
const (
	ResultOK           = "ok"
	ResultInsufficient = "insufficient"
	ResultApplied      = "applied"
	ResultNoop         = "noop"
	ResultIgnored      = "ignored"
	ResultExhausted    = "exhausted"
)

// ConsistencyMetrics содержит метрики резервирования, оплаты и сверки.
// Все методы допускают nil-получатель, чтобы сервисы работали без метрик в тестах.
type ConsistencyMetrics struct {
	// Резервирование остатков
	reservations       *prometheus.CounterVec
	reservationRollbks prometheus.Counter
	rollbackFailures   prometheus.Counter
	stockRestores      prometheus.Counter

	// Платежи
	payments        *prometheus.CounterVec
	paymentsExpired prometheus.Counter

	// Сверка исходов платежей
	reconciliations      *prometheus.CounterVec
	reconcileRetries     prometheus.Counter
	reconcileDuration    prometheus.Histogram
	reconcileInFlight    prometheus.Gauge
	failedReconcilesOpen prometheus.Gauge

	// Жизненный цикл заказа
	orderTransitions *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	timelineEvents   prometheus.Counter
	outboxEvents     prometheus.Counter
}

// NewConsistencyMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewConsistencyMetrics() *ConsistencyMetrics {
	return NewConsistencyMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewConsistencyMetricsWithRegisterer позволяет передать отдельный реестр (тесты).
func NewConsistencyMetricsWithRegisterer(registerer prometheus.Registerer) *ConsistencyMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ConsistencyMetrics{
		reservations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_reservations_total",
			Help: "Total number of stock reservation attempts by result",
		}, []string{"result"}),
		reservationRollbks: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_reservation_rollbacks_total",
			Help: "Total number of reservations rolled back after a partial failure",
		}),
		rollbackFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_reservation_rollback_failures_total",
			Help: "Total number of rollbacks that could not restore every item",
		}),
		stockRestores: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_stock_restores_total",
			Help: "Total number of stock restorations on order cancellation",
		}),
		payments: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_payment_outcomes_total",
			Help: "Total number of terminal payment outcomes",
		}, []string{"outcome"}),
		paymentsExpired: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_payments_expired_total",
			Help: "Total number of payments cancelled by the expiry sweep",
		}),
		reconciliations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_reconciliations_total",
			Help: "Total number of handled payment outcome events by result",
		}, []string{"outcome", "result"}),
		reconcileRetries: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_reconciliation_retries_total",
			Help: "Total number of reconciliation retry attempts",
		}),
		reconcileDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "shop_reconciliation_duration_seconds",
			Help:    "Duration of payment outcome reconciliation in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		reconcileInFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "shop_reconciliations_in_flight",
			Help: "Number of payment outcome events currently being reconciled",
		}),
		failedReconcilesOpen: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "shop_failed_reconciliations_pending",
			Help: "Number of failed reconciliations awaiting compensation",
		}),
		orderTransitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_order_transitions_total",
			Help: "Total number of applied order status transitions",
		}, []string{"to"}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "shop_step_duration_seconds",
			Help:    "Duration of individual order flow steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_outbox_events_total",
			Help: "Total number of outbox events enqueued",
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

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
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

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordReservation учитывает попытку резервирования с результатом ok/insufficient.
func (m *ConsistencyMetrics) RecordReservation(result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(result).Inc()
}

// RecordRollback учитывает откат частично выполненного резервирования.
func (m *ConsistencyMetrics) RecordRollback(failed bool) {
	if m == nil {
		return
	}
	m.reservationRollbks.Inc()
	if failed {
		m.rollbackFailures.Inc()
	}
}

// RecordStockRestore учитывает возврат остатков при отмене заказа.
func (m *ConsistencyMetrics) RecordStockRestore() {
	if m == nil {
		return
	}
	m.stockRestores.Inc()
}

// RecordPaymentOutcome учитывает конечный исход платежа.
func (m *ConsistencyMetrics) RecordPaymentOutcome(outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(outcome).Inc()
}

// RecordPaymentExpired учитывает платёж, отменённый по таймауту.
func (m *ConsistencyMetrics) RecordPaymentExpired() {
	if m == nil {
		return
	}
	m.paymentsExpired.Inc()
}

// RecordReconciliation учитывает обработанное событие исхода и его длительность.
func (m *ConsistencyMetrics) RecordReconciliation(outcome, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(outcome, result).Inc()
	m.reconcileDuration.Observe(duration.Seconds())
}

// RecordReconciliationRetry учитывает повторную попытку сверки.
func (m *ConsistencyMetrics) RecordReconciliationRetry() {
	if m == nil {
		return
	}
	m.reconcileRetries.Inc()
}

// ReconciliationStarted увеличивает число событий в обработке.
func (m *ConsistencyMetrics) ReconciliationStarted() {
	if m == nil {
		return
	}
	m.reconcileInFlight.Inc()
}

// ReconciliationFinished уменьшает число событий в обработке.
func (m *ConsistencyMetrics) ReconciliationFinished() {
	if m == nil {
		return
	}
	m.reconcileInFlight.Dec()
}

// SetFailedReconciliationsPending выставляет текущий размер backlog компенсаций.
func (m *ConsistencyMetrics) SetFailedReconciliationsPending(count int) {
	if m == nil {
		return
	}
	m.failedReconcilesOpen.Set(float64(count))
}

// RecordOrderTransition учитывает применённый переход статуса заказа.
func (m *ConsistencyMetrics) RecordOrderTransition(to string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(to).Inc()
}

// RecordStepDuration записывает время выполнения шага (reserve, persist, restore).
func (m *ConsistencyMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *ConsistencyMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *ConsistencyMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}
