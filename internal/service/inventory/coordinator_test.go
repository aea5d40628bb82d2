package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/memory"
)

func loggerForTests() *log.Entry {
	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("component", "inventory-test")
}

func newStore(t *testing.T, products ...domain.Product) domain.ProductStore {
	t.Helper()
	store := memory.NewProductStore()
	for _, p := range products {
		p.Active = true
		_, err := store.Upsert(context.Background(), p)
		require.NoError(t, err)
	}
	return store
}

func stockOf(t *testing.T, ledger domain.StockLedger, id string) int32 {
	t.Helper()
	p, err := ledger.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

// faultyLedger позволяет сломать отдельные операции склада.
type faultyLedger struct {
	domain.StockLedger
	mu             sync.Mutex
	failIncrement  map[string]bool
	failDecrement  map[string]error
	incrementCalls int
}

func (l *faultyLedger) Increment(ctx context.Context, productID string, qty int32) (bool, error) {
	l.mu.Lock()
	l.incrementCalls++
	fail := l.failIncrement[productID]
	l.mu.Unlock()
	if fail {
		return false, errors.New("ledger unavailable")
	}
	return l.StockLedger.Increment(ctx, productID, qty)
}

func (l *faultyLedger) TryDecrement(ctx context.Context, productID string, qty int32, expectedVersion int64) (bool, error) {
	if err := l.failDecrement[productID]; err != nil {
		return false, err
	}
	return l.StockLedger.TryDecrement(ctx, productID, qty, expectedVersion)
}

func TestReserve_SucceedsForAllItems(t *testing.T) {
	store := newStore(t,
		domain.Product{ID: "1", PriceMinor: 1000, Stock: 100, Version: 5},
		domain.Product{ID: "2", PriceMinor: 1500, Stock: 50, Version: 3},
	)
	c := NewCoordinator(store, WithLogger(loggerForTests()))

	result, err := c.Reserve(context.Background(), []domain.ReservationItem{
		{ProductID: "1", Quantity: 2},
		{ProductID: "2", Quantity: 1},
	})
	require.NoError(t, err)
	require.True(t, result.OK)
	require.NoError(t, result.Err())
	require.Len(t, result.Reserved, 2)
	assert.Equal(t, int64(5), result.Reserved[0].ObservedVersion)
	assert.Equal(t, int64(3), result.Reserved[1].ObservedVersion)

	assert.Equal(t, int32(98), stockOf(t, store, "1"))
	assert.Equal(t, int32(49), stockOf(t, store, "2"))
}

func TestReserve_RollsBackOnShortage(t *testing.T) {
	store := newStore(t,
		domain.Product{ID: "1", Stock: 100, Version: 5},
		domain.Product{ID: "2", Stock: 0, Version: 3},
	)
	c := NewCoordinator(store, WithLogger(loggerForTests()))

	result, err := c.Reserve(context.Background(), []domain.ReservationItem{
		{ProductID: "1", Quantity: 2},
		{ProductID: "2", Quantity: 1},
	})
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Len(t, result.Shortages, 1)
	assert.Equal(t, domain.StockShortage{ProductID: "2", Required: 1, Available: 0}, result.Shortages[0])
	assert.ErrorIs(t, result.Err(), domain.ErrInsufficientStock)

	assert.Equal(t, int32(100), stockOf(t, store, "1"))
	assert.Equal(t, int32(0), stockOf(t, store, "2"))
}

func TestReserve_ReportsEveryShortage(t *testing.T) {
	store := newStore(t,
		domain.Product{ID: "a", Stock: 1},
		domain.Product{ID: "b", Stock: 10},
		domain.Product{ID: "c", Stock: 3},
	)
	c := NewCoordinator(store, WithLogger(loggerForTests()))

	result, err := c.Reserve(context.Background(), []domain.ReservationItem{
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 5},
		{ProductID: "c", Quantity: 4},
		{ProductID: "missing", Quantity: 1},
	})
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Len(t, result.Shortages, 3)
	assert.Equal(t, "a", result.Shortages[0].ProductID)
	assert.Equal(t, "c", result.Shortages[1].ProductID)
	assert.Equal(t, int32(3), result.Shortages[1].Available)
	assert.Equal(t, reasonProductNotFound, result.Shortages[2].Reason)

	// после первого отказа ничего не списывается
	assert.Equal(t, int32(10), stockOf(t, store, "b"))
}

func TestReserve_InactiveProductFails(t *testing.T) {
	store := memory.NewProductStore()
	_, err := store.Upsert(context.Background(), domain.Product{ID: "1", Stock: 10, Active: false})
	require.NoError(t, err)
	c := NewCoordinator(store, WithLogger(loggerForTests()))

	result, err := c.Reserve(context.Background(), []domain.ReservationItem{{ProductID: "1", Quantity: 1}})
	require.NoError(t, err)
	require.False(t, result.OK)
	assert.Equal(t, reasonProductInactive, result.Shortages[0].Reason)
}

func TestReserve_RejectsInvalidInputBeforeLedger(t *testing.T) {
	ledger := &faultyLedger{StockLedger: newStore(t, domain.Product{ID: "1", Stock: 10})}
	c := NewCoordinator(ledger, WithLogger(loggerForTests()))

	_, err := c.Reserve(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrQuantityInvalid)

	_, err = c.Reserve(context.Background(), []domain.ReservationItem{
		{ProductID: "1", Quantity: 1},
		{ProductID: "1", Quantity: 0},
	})
	require.ErrorIs(t, err, domain.ErrQuantityInvalid)
	assert.Equal(t, int32(10), stockOf(t, ledger, "1"))
}

func TestReserve_RollbackErrorIsReturned(t *testing.T) {
	store := newStore(t,
		domain.Product{ID: "1", Stock: 10},
		domain.Product{ID: "2", Stock: 0},
	)
	ledger := &faultyLedger{StockLedger: store, failIncrement: map[string]bool{"1": true}}
	c := NewCoordinator(ledger, WithLogger(loggerForTests()))

	result, err := c.Reserve(context.Background(), []domain.ReservationItem{
		{ProductID: "1", Quantity: 3},
		{ProductID: "2", Quantity: 1},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollback product 1")
	assert.False(t, result.OK)
}

func TestReserve_StorageErrorRollsBackReserved(t *testing.T) {
	store := newStore(t,
		domain.Product{ID: "1", Stock: 10},
		domain.Product{ID: "2", Stock: 10},
	)
	boom := errors.New("connection reset")
	ledger := &faultyLedger{StockLedger: store, failDecrement: map[string]error{"2": boom}}
	c := NewCoordinator(ledger, WithLogger(loggerForTests()))

	_, err := c.Reserve(context.Background(), []domain.ReservationItem{
		{ProductID: "1", Quantity: 4},
		{ProductID: "2", Quantity: 1},
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(10), stockOf(t, store, "1"))
}

func TestReserve_ConcurrentNeverOversells(t *testing.T) {
	store := newStore(t, domain.Product{ID: "hot", Stock: 20})
	c := NewCoordinator(store, WithLogger(loggerForTests()))

	const workers = 64
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// повторяем, пока остаток не кончится: отказ из-за конфликта версии не повторяется внутри Reserve
			for {
				result, err := c.Reserve(context.Background(), []domain.ReservationItem{{ProductID: "hot", Quantity: 1}})
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if result.OK {
					mu.Lock()
					granted++
					mu.Unlock()
					return
				}
				if result.Shortages[0].Available == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), granted)
	assert.Equal(t, int32(0), stockOf(t, store, "hot"))
}

func TestReserve_ConcurrentAllOrNothing(t *testing.T) {
	// каждый заказ берёт по одной единице a и b; b заканчивается раньше
	store := newStore(t,
		domain.Product{ID: "a", Stock: 100},
		domain.Product{ID: "b", Stock: 30},
	)
	c := NewCoordinator(store, WithLogger(loggerForTests()))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int32
	)
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := c.Reserve(context.Background(), []domain.ReservationItem{
				{ProductID: "a", Quantity: 1},
				{ProductID: "b", Quantity: 1},
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if result.OK {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	a := stockOf(t, store, "a")
	b := stockOf(t, store, "b")
	assert.Equal(t, int32(100)-granted, a, "a must only be decremented by fully granted orders")
	assert.Equal(t, int32(30)-granted, b)
	assert.GreaterOrEqual(t, b, int32(0))
}

func TestRestore_IsExactInverse(t *testing.T) {
	store := newStore(t,
		domain.Product{ID: "1", Stock: 100},
		domain.Product{ID: "2", Stock: 50},
	)
	c := NewCoordinator(store, WithLogger(loggerForTests()))
	items := []domain.ReservationItem{{ProductID: "1", Quantity: 2}, {ProductID: "2", Quantity: 1}}

	result, err := c.Reserve(context.Background(), items)
	require.NoError(t, err)
	require.True(t, result.OK)

	require.NoError(t, c.Restore(context.Background(), items))
	assert.Equal(t, int32(100), stockOf(t, store, "1"))
	assert.Equal(t, int32(50), stockOf(t, store, "2"))
}

func TestRestore_FailureRetakesRestoredItems(t *testing.T) {
	store := newStore(t,
		domain.Product{ID: "1", Stock: 8},
		domain.Product{ID: "2", Stock: 4},
	)
	ledger := &faultyLedger{StockLedger: store, failIncrement: map[string]bool{"2": true}}
	c := NewCoordinator(ledger, WithLogger(loggerForTests()))

	err := c.Restore(context.Background(), []domain.ReservationItem{
		{ProductID: "1", Quantity: 2},
		{ProductID: "2", Quantity: 1},
	})
	require.Error(t, err)
	assert.Equal(t, int32(8), stockOf(t, store, "1"))
	assert.Equal(t, int32(4), stockOf(t, store, "2"))
}

func TestRestore_MissingProduct(t *testing.T) {
	store := newStore(t, domain.Product{ID: "1", Stock: 1})
	c := NewCoordinator(store, WithLogger(loggerForTests()))

	err := c.Restore(context.Background(), []domain.ReservationItem{
		{ProductID: "1", Quantity: 1},
		{ProductID: "gone", Quantity: 1},
	})
	require.ErrorIs(t, err, domain.ErrProductNotFound)
	assert.Equal(t, int32(1), stockOf(t, store, "1"))
}

func ExampleCoordinator_Reserve() {
	store := memory.NewProductStore()
	_, _ = store.Upsert(context.Background(), domain.Product{ID: "1", Stock: 1, Active: true})
	c := NewCoordinator(store, WithLogger(loggerForTests()))

	result, _ := c.Reserve(context.Background(), []domain.ReservationItem{{ProductID: "1", Quantity: 2}})
	fmt.Println(result.Err())
	// Output: insufficient stock: product 1: required 2, available 1
}
