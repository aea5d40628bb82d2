// Package reconcile применяет исходы платежей к заказам: идемпотентно,
// с ограниченным числом повторов и durable-записью неудач для компенсации.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/clock"
	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/metrics"
	"github.com/vladislavdragonenkov/shopcore/internal/service/events"
)

const reasonPaidAfterCancel = "payment succeeded for cancelled order: refund required"

// ErrRecordFailed означает, что событие не удалось сохранить как FailedReconciliation.
// Такое событие нельзя подтверждать у источника доставки.
var ErrRecordFailed = errors.New("failed reconciliation was not recorded")

// Result: итог применения события исхода.
type Result int

const (
	// ResultApplied: заказ переведён PENDING→PAID этим вызовом.
	ResultApplied Result = iota
	// ResultAlreadyApplied: заказ уже не PENDING, ничего не делаем.
	ResultAlreadyApplied
	// ResultRefundRequired: SUCCESS пришёл для отменённого заказа.
	ResultRefundRequired
	// ResultIgnored: FAILED/CANCELLED: заказ остаётся PENDING.
	ResultIgnored
)

func (r Result) String() string {
	switch r {
	case ResultApplied:
		return metrics.ResultApplied
	case ResultAlreadyApplied:
		return metrics.ResultNoop
	case ResultRefundRequired:
		return "refund_required"
	default:
		return metrics.ResultIgnored
	}
}

// Coordinator: единственное место, где исход платежа меняет статус заказа.
type Coordinator struct {
	orders   domain.OrderRepository
	failures domain.ReconciliationFailureRepository
	events   *events.Recorder
	retry    RetryConfig
	clock    clock.Clock
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *log.Entry
	metrics  *metrics.ConsistencyMetrics
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics включает метрики.
func WithMetrics(m *metrics.ConsistencyMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithRetryConfig задаёт бюджет повторов.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *Coordinator) { c.retry = cfg.normalized() }
}

// WithEvents задаёт запись outbox/timeline.
func WithEvents(r *events.Recorder) Option {
	return func(c *Coordinator) { c.events = r }
}

// WithClock подменяет источник времени.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// NewCoordinator создаёт координатор сверки.
func NewCoordinator(orders domain.OrderRepository, failures domain.ReconciliationFailureRepository, opts ...Option) *Coordinator {
	c := &Coordinator{
		orders:   orders,
		failures: failures,
		retry:    DefaultRetryConfig(),
		clock:    clock.NewSystem(),
		sleep:    sleepContext,
		logger:   log.New().WithField("component", "reconcile"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle применяет событие исхода. Повторная доставка безопасна.
//
// Если SUCCESS не удалось применить за отведённые попытки, событие durable
// записывается как FailedReconciliation и возвращается
// *domain.ReconciliationExhaustedError. SUCCESS для отменённого заказа тоже
// записывается (нужен возврат денег), но ошибкой не считается.
func (c *Coordinator) Handle(ctx context.Context, event domain.PaymentOutcomeEvent) error {
	start := time.Now()
	c.metrics.ReconciliationStarted()
	defer c.metrics.ReconciliationFinished()

	result, err := c.Apply(ctx, event)
	if err != nil {
		var exhausted *domain.ReconciliationExhaustedError
		if !errors.As(err, &exhausted) {
			return err
		}
		c.metrics.RecordReconciliation(string(event.Outcome), metrics.ResultExhausted, time.Since(start))
		if recErr := c.record(ctx, event, exhausted.Attempts, exhausted.Cause.Error()); recErr != nil {
			return errors.Join(err, recErr)
		}
		return err
	}

	c.metrics.RecordReconciliation(string(event.Outcome), result.String(), time.Since(start))
	if result == ResultRefundRequired {
		return c.record(ctx, event, 1, reasonPaidAfterCancel)
	}
	return nil
}

// Apply применяет событие без записи неудач: используется Handle и Replayer.
func (c *Coordinator) Apply(ctx context.Context, event domain.PaymentOutcomeEvent) (Result, error) {
	if err := event.Validate(); err != nil {
		return ResultIgnored, err
	}

	logger := c.logger.WithFields(log.Fields{
		"order_id":       event.OrderID,
		"payment_number": event.PaymentNumber,
		"outcome":        event.Outcome,
		"event_id":       event.EventID,
	})

	if event.Outcome != domain.PaymentOutcomeSuccess {
		timelineType := domain.TimelinePaymentFailed
		if event.Outcome == domain.PaymentOutcomeCancelled {
			timelineType = domain.TimelinePaymentCancelled
		}
		c.events.Timeline(event.OrderID, timelineType, event.Reason, c.clock.Now())
		logger.WithField("reason", event.Reason).Info("payment not successful, order stays pending")
		return ResultIgnored, nil
	}

	var lastErr error
	attempt := 1
	for ; attempt <= c.retry.MaxAttempts; attempt++ {
		result, err := c.trySuccess(ctx, event)
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("reconciliation succeeded after retry")
			}
			return result, nil
		}
		lastErr = err

		if !shouldRetry(err) {
			logger.WithError(err).Warn("reconciliation failed with non-retryable error")
			break
		}
		if attempt == c.retry.MaxAttempts {
			break
		}

		delay := c.retry.delay(attempt)
		logger.WithError(err).WithFields(log.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("reconciliation failed, retrying")
		c.metrics.RecordReconciliationRetry()

		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			lastErr = errors.Join(lastErr, sleepErr)
			break
		}
	}

	logger.WithError(lastErr).WithField("attempts", attempt).Error("reconciliation failed after all retry attempts")
	return ResultIgnored, &domain.ReconciliationExhaustedError{
		OrderID:       event.OrderID,
		PaymentNumber: event.PaymentNumber,
		Attempts:      attempt,
		Cause:         lastErr,
	}
}

// trySuccess: одна попытка: перечитать заказ и применить PENDING→PAID условной записью.
func (c *Coordinator) trySuccess(ctx context.Context, event domain.PaymentOutcomeEvent) (Result, error) {
	order, err := c.orders.Get(ctx, event.OrderID)
	if err != nil {
		return ResultIgnored, err
	}

	switch order.Status {
	case domain.OrderStatusPending:
	case domain.OrderStatusCancelled:
		c.logger.WithFields(log.Fields{
			"order_id":       order.ID,
			"payment_number": event.PaymentNumber,
			"transaction_id": event.TransactionID,
		}).Warn("payment succeeded for cancelled order")
		return ResultRefundRequired, nil
	default:
		return ResultAlreadyApplied, nil
	}

	now := c.clock.Now()
	applied, err := c.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusPaid, order.Version, now)
	if err != nil {
		return ResultIgnored, fmt.Errorf("update order status: %w", err)
	}
	if !applied {
		return ResultIgnored, domain.ErrOrderStatusConflict
	}

	order.Status = domain.OrderStatusPaid
	order.Version++
	order.UpdatedAt = now

	c.metrics.RecordOrderTransition(string(domain.OrderStatusPaid))
	c.events.Emit(order, domain.OutboxEventOrderPaid, map[string]any{
		"payment_number": event.PaymentNumber,
		"transaction_id": event.TransactionID,
	})
	c.events.Timeline(order.ID, domain.TimelineOrderStatusChanged, "PENDING -> PAID", now)

	c.logger.WithFields(log.Fields{
		"order_id":       order.ID,
		"payment_number": event.PaymentNumber,
	}).Info("order paid")
	return ResultApplied, nil
}

// record durable сохраняет событие для компенсации. Если записать не удалось,
// все поля события попадают в лог уровня error.
func (c *Coordinator) record(ctx context.Context, event domain.PaymentOutcomeEvent, attempts int, reason string) error {
	failure := domain.FailedReconciliation{
		OrderID:       event.OrderID,
		PaymentNumber: event.PaymentNumber,
		Outcome:       event.Outcome,
		TransactionID: event.TransactionID,
		Reason:        reason,
		Attempts:      attempts,
		FailedAt:      c.clock.Now(),
	}

	ctx = context.WithoutCancel(ctx)
	saved, err := c.failures.Record(ctx, failure)
	if err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"order_id":       event.OrderID,
			"payment_number": event.PaymentNumber,
			"outcome":        event.Outcome,
			"transaction_id": event.TransactionID,
			"event_id":       event.EventID,
			"occurred_at":    event.OccurredAt,
			"attempts":       attempts,
			"reason":         reason,
		}).Error("failed to record failed reconciliation")
		return fmt.Errorf("%w: %w", ErrRecordFailed, err)
	}

	c.events.Timeline(event.OrderID, domain.TimelineReconciliationError, reason, failure.FailedAt)
	c.logger.WithFields(log.Fields{
		"reconciliation_id": saved.ID,
		"order_id":          event.OrderID,
		"payment_number":    event.PaymentNumber,
		"attempts":          attempts,
	}).Warn("failed reconciliation recorded for compensation")

	if count, err := c.failures.CountPending(ctx); err == nil {
		c.metrics.SetFailedReconciliationsPending(count)
	}
	return nil
}
