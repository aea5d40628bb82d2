package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

func seedProduct(t *testing.T, store *Store, id string, stock int32) domain.Product {
	t.Helper()
	p, err := NewProductStore(store).Upsert(context.Background(), domain.Product{
		ID: id, Name: "Product " + id, PriceMinor: 1000, Stock: stock, Version: 1, Active: true,
	})
	require.NoError(t, err)
	return p
}

func seedOrder(t *testing.T, store *Store, id string) domain.Order {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	order := domain.Order{
		ID:               id,
		OrderNumber:      "ORD-20260310-" + id,
		UserID:           "user-1",
		Status:           domain.OrderStatusPending,
		Currency:         "USD",
		TotalAmountMinor: 3500,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
		Items: []domain.OrderItem{
			{ProductID: "p-1", ProductName: "Mug", UnitPriceMinor: 1000, Quantity: 2},
			{ProductID: "p-2", ProductName: "Pen", UnitPriceMinor: 1500, Quantity: 1},
		},
	}
	require.NoError(t, NewOrderRepository(store).Create(context.Background(), order))
	return order
}

func TestProductStoreConditionalWrites(t *testing.T) {
	store := openMigratedStore(t)
	products := NewProductStore(store)
	ctx := context.Background()
	p := seedProduct(t, store, "p-1", 10)

	ok, err := products.TryDecrement(ctx, p.ID, 3, p.Version)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = products.TryDecrement(ctx, p.ID, 3, p.Version)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must not apply")

	current, err := products.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(7), current.Stock)
	assert.Equal(t, p.Version+1, current.Version)

	ok, err = products.TryDecrement(ctx, p.ID, 8, current.Version)
	require.NoError(t, err)
	assert.False(t, ok, "insufficient stock must not apply")

	ok, err = products.Increment(ctx, p.ID, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = products.Increment(ctx, "missing", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = products.GetProduct(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrProductNotFound)

	_, err = products.TryDecrement(ctx, p.ID, 0, current.Version)
	assert.ErrorIs(t, err, domain.ErrQuantityInvalid)
}

func TestProductStoreUpsertKeepsStock(t *testing.T) {
	store := openMigratedStore(t)
	products := NewProductStore(store)
	seedProduct(t, store, "p-1", 10)

	updated, err := products.Upsert(context.Background(), domain.Product{ID: "p-1", Name: "Renamed", PriceMinor: 1200, Stock: 999, Active: false})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, int32(10), updated.Stock)
	assert.False(t, updated.Active)
}

func TestProductStoreConcurrentDecrementNeverOversells(t *testing.T) {
	store := openMigratedStore(t)
	products := NewProductStore(store)
	seedProduct(t, store, "p-1", 5)
	ctx := context.Background()

	var wg sync.WaitGroup
	var sold atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 10; attempt++ {
				p, err := products.GetProduct(ctx, "p-1")
				if err != nil || p.Stock < 1 {
					return
				}
				ok, err := products.TryDecrement(ctx, "p-1", 1, p.Version)
				if err == nil && ok {
					sold.Add(1)
					return
				}
			}
		}()
	}
	wg.Wait()

	p, err := products.GetProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int32(5), sold.Load())
	assert.Zero(t, p.Stock)
}

func TestOrderRepositoryCreateGetAndConditionalUpdate(t *testing.T) {
	store := openMigratedStore(t)
	orders := NewOrderRepository(store)
	ctx := context.Background()
	order := seedOrder(t, store, "order-1")

	got, err := orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, got.OrderNumber)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "p-1", got.Items[0].ProductID)
	assert.Equal(t, int64(3500), got.TotalAmountMinor)

	byNumber, err := orders.GetByNumber(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, order.ID, byNumber.ID)

	assert.ErrorIs(t, orders.Create(ctx, order), domain.ErrOrderAlreadyExists)

	applied, err := orders.UpdateStatus(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusPaid, 1, time.Now())
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = orders.UpdateStatus(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusCancelled, 1, time.Now())
	require.NoError(t, err)
	assert.False(t, applied)

	got, err = orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, got.Status)
	assert.Equal(t, int64(2), got.Version)

	list, err := orders.ListByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = orders.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	applied, err = orders.UpdateStatus(ctx, "missing", domain.OrderStatusPending, domain.OrderStatusPaid, 0, time.Now())
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.False(t, applied)
}

func TestPaymentRepositoryLifecycle(t *testing.T) {
	store := openMigratedStore(t)
	payments := NewPaymentRepository(store)
	ctx := context.Background()
	order := seedOrder(t, store, "order-1")
	now := time.Now().UTC()

	payment := domain.Payment{
		PaymentNumber: "PAY-1",
		OrderID:       order.ID,
		AmountMinor:   3500,
		Method:        domain.PaymentMethodCard,
		Status:        domain.PaymentStatusPending,
		ExpiresAt:     now.Add(-time.Minute),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, payments.Create(ctx, payment))
	assert.ErrorIs(t, payments.Create(ctx, payment), domain.ErrPaymentAlreadyExists)

	expired, err := payments.ListExpiredPending(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	applied, err := payments.UpdateStatus(ctx, domain.PaymentStatusUpdate{PaymentNumber: "PAY-1", Status: domain.PaymentStatusProcessing})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = payments.UpdateStatus(ctx, domain.PaymentStatusUpdate{PaymentNumber: "PAY-1", Status: domain.PaymentStatusPending})
	require.NoError(t, err)
	assert.False(t, applied, "PROCESSING does not go back to PENDING")

	applied, err = payments.UpdateStatus(ctx, domain.PaymentStatusUpdate{PaymentNumber: "PAY-1", Status: domain.PaymentStatusSuccess, TransactionID: "txn-1"})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = payments.UpdateStatus(ctx, domain.PaymentStatusUpdate{PaymentNumber: "PAY-1", Status: domain.PaymentStatusFailed})
	require.NoError(t, err)
	assert.False(t, applied, "terminal payment is immutable")

	got, err := payments.GetByNumber(ctx, "PAY-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, got.Status)
	assert.Equal(t, "txn-1", got.TransactionID)

	_, err = payments.UpdateStatus(ctx, domain.PaymentStatusUpdate{PaymentNumber: "missing", Status: domain.PaymentStatusFailed})
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)

	list, err := payments.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReconciliationRepositoryUpsertAndResolve(t *testing.T) {
	store := openMigratedStore(t)
	failures := NewReconciliationFailureRepository(store)
	ctx := context.Background()

	failure := domain.FailedReconciliation{
		OrderID: "order-1", PaymentNumber: "PAY-1", Outcome: domain.PaymentOutcomeSuccess,
		TransactionID: "txn-1", Reason: "conflict", Attempts: 5, FailedAt: time.Now().UTC(),
	}
	first, err := failures.Record(ctx, failure)
	require.NoError(t, err)

	failure.Attempts = 6
	second, err := failures.Record(ctx, failure)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 6, second.Attempts)

	count, err := failures.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, failures.MarkResolved(ctx, first.ID, time.Now()))
	pending, err := failures.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, failures.MarkResolved(ctx, "missing", time.Now()), domain.ErrReconciliationNotFound)

	_, err = failures.Record(ctx, domain.FailedReconciliation{OrderID: "order-1"})
	assert.ErrorIs(t, err, domain.ErrPaymentNumberRequired)
}

func TestOutboxRepositoryOrderingAndStats(t *testing.T) {
	store := openMigratedStore(t)
	outbox := NewOutboxRepository(store)

	first, err := outbox.Enqueue(domain.OutboxMessage{AggregateType: "order", AggregateID: "order-1", EventType: domain.OutboxEventOrderCreated, Payload: []byte(`{"a":1}`)})
	require.NoError(t, err)
	second, err := outbox.Enqueue(domain.OutboxMessage{AggregateType: "order", AggregateID: "order-1", EventType: domain.OutboxEventOrderPaid})
	require.NoError(t, err)

	pending, err := outbox.PullPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	stats, err := outbox.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount)
	assert.False(t, stats.OldestPendingAt.IsZero())

	require.NoError(t, outbox.MarkSent(first.ID))
	require.NoError(t, outbox.MarkFailed(second.ID))
	assert.ErrorIs(t, outbox.MarkSent("missing"), domain.ErrOutboxPublish)

	stats, err = outbox.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
}

func TestTimelineRepositoryAppendAndList(t *testing.T) {
	store := openMigratedStore(t)
	timeline := NewTimelineRepository(store)
	base := time.Now().UTC()

	require.NoError(t, timeline.Append(domain.TimelineEvent{OrderID: "order-1", Type: domain.TimelineOrderCreated, Occurred: base}))
	require.NoError(t, timeline.Append(domain.TimelineEvent{OrderID: "order-1", Type: domain.TimelineOrderCancelled, Reason: "customer", Occurred: base.Add(time.Second)}))
	require.NoError(t, timeline.Append(domain.TimelineEvent{OrderID: "order-2", Type: domain.TimelineOrderCreated}))

	events, err := timeline.List("order-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.TimelineOrderCreated, events[0].Type)
	assert.Equal(t, "customer", events[1].Reason)
}

func TestIdempotencyRepositoryLifecycle(t *testing.T) {
	store := openMigratedStore(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := repo.CreateProcessing(ctx, "key-1", "hash-a", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	_, err = repo.CreateProcessing(ctx, "key-1", "hash-a", now.Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	_, err = repo.CreateProcessing(ctx, "key-1", "hash-b", now.Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)

	require.NoError(t, repo.MarkDone(ctx, "key-1", []byte(`{"ok":true}`), 0))
	got, err := repo.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusDone, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.ResponseBody))

	_, err = repo.CreateProcessing(ctx, "old", "hash", now.Add(-time.Minute))
	require.NoError(t, err)
	deleted, err := repo.DeleteExpired(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	assert.ErrorIs(t, repo.MarkFailed(ctx, "missing", nil, 13), domain.ErrIdempotencyKeyNotFound)
}
