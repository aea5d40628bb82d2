package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shopcore/internal/clock"
	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/service/events"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/memory"
)

func loggerForTests() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("component", "reconcile-test")
}

// conflictingOrders всегда отклоняет условную запись, как будто заказ постоянно меняют.
type conflictingOrders struct {
	domain.OrderRepository
	updates int
	mu      sync.Mutex
}

func (r *conflictingOrders) UpdateStatus(context.Context, string, domain.OrderStatus, domain.OrderStatus, int64, time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	return false, nil
}

type failingFailures struct {
	domain.ReconciliationFailureRepository
}

func (failingFailures) Record(context.Context, domain.FailedReconciliation) (domain.FailedReconciliation, error) {
	return domain.FailedReconciliation{}, errors.New("disk full")
}

type fixture struct {
	coord    *Coordinator
	orders   domain.OrderRepository
	failures domain.ReconciliationFailureRepository
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	sleeps   []time.Duration
}

func newFixture(t *testing.T, wrap func(domain.OrderRepository) domain.OrderRepository) *fixture {
	t.Helper()

	base := memory.NewOrderRepository()
	require.NoError(t, base.Create(context.Background(), domain.Order{
		ID:               "order-1",
		OrderNumber:      "ORD-20260310-0000000001",
		UserID:           "user-1",
		Status:           domain.OrderStatusPending,
		Currency:         "USD",
		TotalAmountMinor: 3500,
		Items:            []domain.OrderItem{{ProductID: "1", Quantity: 2, UnitPriceMinor: 1000}, {ProductID: "2", Quantity: 1, UnitPriceMinor: 1500}},
		Version:          1,
	}))

	f := &fixture{
		orders:   base,
		failures: memory.NewReconciliationFailureRepository(),
		outbox:   memory.NewOutboxRepository(),
		timeline: memory.NewTimelineRepository(),
	}
	orders := domain.OrderRepository(base)
	if wrap != nil {
		orders = wrap(base)
	}

	f.coord = NewCoordinator(orders, f.failures,
		WithLogger(loggerForTests()),
		WithClock(clock.NewFixed(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))),
		WithEvents(events.NewRecorder(f.outbox, f.timeline, loggerForTests(), nil)),
	)
	f.coord.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

func successEvent() domain.PaymentOutcomeEvent {
	return domain.PaymentOutcomeEvent{
		EventID:       "evt-1",
		OrderID:       "order-1",
		PaymentNumber: "PAY-1",
		Outcome:       domain.PaymentOutcomeSuccess,
		TransactionID: "txn-1",
		OccurredAt:    time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) paidMessages(t *testing.T) int {
	t.Helper()
	pending, err := f.outbox.PullPending(100)
	require.NoError(t, err)
	count := 0
	for _, msg := range pending {
		if msg.EventType == domain.OutboxEventOrderPaid {
			count++
		}
	}
	return count
}

func TestCoordinatorSuccessMarksOrderPaid(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.coord.Handle(context.Background(), successEvent()))

	order, err := f.orders.Get(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, order.Status)
	assert.Equal(t, int64(2), order.Version)
	assert.Equal(t, 1, f.paidMessages(t))
}

func TestCoordinatorDuplicateSuccessAppliesOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.coord.Handle(ctx, successEvent()))
	require.NoError(t, f.coord.Handle(ctx, successEvent()))

	result, err := f.coord.Apply(ctx, successEvent())
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyApplied, result)

	order, err := f.orders.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, order.Status)
	assert.Equal(t, int64(2), order.Version)
	assert.Equal(t, 1, f.paidMessages(t))
}

func TestCoordinatorConcurrentDuplicatesApplyOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.sleep = func(context.Context, time.Duration) error { return nil }
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.coord.Apply(ctx, successEvent())
			assert.NoError(t, err)
			if result == ResultApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, f.paidMessages(t))
}

func TestCoordinatorFailedOutcomeKeepsOrderPending(t *testing.T) {
	f := newFixture(t, nil)
	event := successEvent()
	event.Outcome = domain.PaymentOutcomeFailed
	event.Reason = "card declined"

	require.NoError(t, f.coord.Handle(context.Background(), event))

	order, err := f.orders.Get(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, 0, f.paidMessages(t))

	timeline, err := f.timeline.List("order-1")
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, domain.TimelinePaymentFailed, timeline[0].Type)
	assert.Equal(t, "card declined", timeline[0].Reason)
}

func TestCoordinatorRejectsInvalidEvent(t *testing.T) {
	f := newFixture(t, nil)
	event := successEvent()
	event.Outcome = "REFUNDED"

	err := f.coord.Handle(context.Background(), event)
	require.ErrorIs(t, err, domain.ErrOutcomeInvalid)

	count, err := f.failures.CountPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCoordinatorExhaustedRecordsFailure(t *testing.T) {
	var conflicting *conflictingOrders
	f := newFixture(t, func(base domain.OrderRepository) domain.OrderRepository {
		conflicting = &conflictingOrders{OrderRepository: base}
		return conflicting
	})

	err := f.coord.Handle(context.Background(), successEvent())

	var exhausted *domain.ReconciliationExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 5, exhausted.Attempts)
	assert.ErrorIs(t, err, domain.ErrOrderStatusConflict)
	assert.Equal(t, 5, conflicting.updates)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, f.sleeps)

	pending, err := f.failures.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "PAY-1", pending[0].PaymentNumber)
	assert.Equal(t, domain.PaymentOutcomeSuccess, pending[0].Outcome)
	assert.Equal(t, "txn-1", pending[0].TransactionID)
	assert.Equal(t, 5, pending[0].Attempts)

	order, err := f.orders.Get(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
}

func TestCoordinatorRedeliveryAfterExhaustionDoesNotDuplicateRecord(t *testing.T) {
	f := newFixture(t, func(base domain.OrderRepository) domain.OrderRepository {
		return &conflictingOrders{OrderRepository: base}
	})
	ctx := context.Background()

	require.Error(t, f.coord.Handle(ctx, successEvent()))
	require.Error(t, f.coord.Handle(ctx, successEvent()))

	count, err := f.failures.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCoordinatorMissingOrderIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	event := successEvent()
	event.OrderID = "missing"

	err := f.coord.Handle(context.Background(), event)

	var exhausted *domain.ReconciliationExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Attempts)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.Empty(t, f.sleeps)

	count, err := f.failures.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCoordinatorSuccessForCancelledOrderRequiresRefund(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	applied, err := f.orders.UpdateStatus(ctx, "order-1", domain.OrderStatusPending, domain.OrderStatusCancelled, 1, time.Now())
	require.NoError(t, err)
	require.True(t, applied)

	require.NoError(t, f.coord.Handle(ctx, successEvent()))

	order, err := f.orders.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)

	pending, err := f.failures.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, reasonPaidAfterCancel, pending[0].Reason)
}

func TestCoordinatorContextCancelledDuringBackoff(t *testing.T) {
	f := newFixture(t, func(base domain.OrderRepository) domain.OrderRepository {
		return &conflictingOrders{OrderRepository: base}
	})
	ctx, cancel := context.WithCancel(context.Background())
	f.coord.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := f.coord.Handle(ctx, successEvent())

	var exhausted *domain.ReconciliationExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Attempts)
	assert.ErrorIs(t, err, context.Canceled)

	// запись не зависит от отменённого ctx
	count, err := f.failures.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCoordinatorRecordFailureIsReturned(t *testing.T) {
	orders := &conflictingOrders{OrderRepository: memory.NewOrderRepository()}
	require.NoError(t, orders.Create(context.Background(), domain.Order{ID: "order-1", Status: domain.OrderStatusPending, Version: 1}))

	coord := NewCoordinator(orders, failingFailures{}, WithLogger(loggerForTests()),
		WithRetryConfig(RetryConfig{MaxAttempts: 2}))
	coord.sleep = func(context.Context, time.Duration) error { return nil }

	err := coord.Handle(context.Background(), successEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.ErrorIs(t, err, ErrRecordFailed)

	var exhausted *domain.ReconciliationExhaustedError
	assert.ErrorAs(t, err, &exhausted)
}

func TestRetryConfigDelay(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, time.Second, cfg.delay(1))
	assert.Equal(t, 2*time.Second, cfg.delay(2))
	assert.Equal(t, 8*time.Second, cfg.delay(4))

	capped := RetryConfig{MaxAttempts: 10, InitialDelay: 10 * time.Second, MaxDelay: 15 * time.Second, BackoffFactor: 2}
	assert.Equal(t, 15*time.Second, capped.delay(3))
}

func TestSleepContextStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sleepContext(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
