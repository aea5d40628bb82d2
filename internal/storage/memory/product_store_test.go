package memory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/memory"
)

func seedProduct(t *testing.T, store domain.ProductStore, id string, stock int32) {
	t.Helper()
	_, err := store.Upsert(context.Background(), domain.Product{ID: id, Name: id, PriceMinor: 1000, Stock: stock, Active: true})
	require.NoError(t, err)
}

func TestProductStore_TryDecrementConditions(t *testing.T) {
	ctx := context.Background()
	store := memory.NewProductStore()
	seedProduct(t, store, "p-1", 10)

	ok, err := store.TryDecrement(ctx, "p-1", 11, 0)
	require.NoError(t, err)
	assert.False(t, ok, "stock below quantity")

	ok, err = store.TryDecrement(ctx, "p-1", 3, 7)
	require.NoError(t, err)
	assert.False(t, ok, "stale version")

	ok, err = store.TryDecrement(ctx, "p-1", 3, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	product, err := store.GetProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int32(7), product.Stock)
	assert.Equal(t, int64(1), product.Version)

	ok, err = store.TryDecrement(ctx, "missing", 1, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.TryDecrement(ctx, "p-1", 0, 1)
	assert.True(t, errors.Is(err, domain.ErrQuantityInvalid))
}

func TestProductStore_InactiveIsNotDecremented(t *testing.T) {
	ctx := context.Background()
	store := memory.NewProductStore()
	_, err := store.Upsert(ctx, domain.Product{ID: "p-1", Stock: 5, Active: false})
	require.NoError(t, err)

	ok, err := store.TryDecrement(ctx, "p-1", 1, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProductStore_IncrementBumpsVersion(t *testing.T) {
	ctx := context.Background()
	store := memory.NewProductStore()
	seedProduct(t, store, "p-1", 1)

	ok, err := store.Increment(ctx, "p-1", 4)
	require.NoError(t, err)
	assert.True(t, ok)

	product, _ := store.GetProduct(ctx, "p-1")
	assert.Equal(t, int32(5), product.Stock)
	assert.Equal(t, int64(1), product.Version)

	ok, err = store.Increment(ctx, "missing", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProductStore_UpsertKeepsStock(t *testing.T) {
	ctx := context.Background()
	store := memory.NewProductStore()
	seedProduct(t, store, "p-1", 8)

	updated, err := store.Upsert(ctx, domain.Product{ID: "p-1", Name: "renamed", PriceMinor: 1500, Stock: 100, Active: true})
	require.NoError(t, err)
	assert.Equal(t, int32(8), updated.Stock)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, int64(1500), updated.PriceMinor)
}

func TestProductStore_ConcurrentDecrementNeverOversells(t *testing.T) {
	ctx := context.Background()
	store := memory.NewProductStore()
	seedProduct(t, store, "p-1", 50)

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				product, err := store.GetProduct(ctx, "p-1")
				if err != nil || product.Stock < 1 {
					return
				}
				ok, err := store.TryDecrement(ctx, "p-1", 1, product.Version)
				if err != nil {
					return
				}
				if ok {
					success.Add(1)
					return
				}
			}
		}()
	}
	wg.Wait()

	product, _ := store.GetProduct(ctx, "p-1")
	assert.Equal(t, int32(50), success.Load())
	assert.Equal(t, int32(0), product.Stock)
}
