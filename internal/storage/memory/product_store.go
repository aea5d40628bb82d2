package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

// productStoreInMemory: склад в памяти. Каждая операция выполняется под мьютексом,
// что даёт ту же атомарность условной записи, что и UPDATE ... WHERE в Postgres.
type productStoreInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Product
}

// NewProductStore возвращает in-memory реализацию ProductStore.
func NewProductStore() domain.ProductStore {
	return &productStoreInMemory{items: make(map[string]domain.Product)}
}

func (s *productStoreInMemory) GetProduct(_ context.Context, productID string) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.items[productID]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product, nil
}

func (s *productStoreInMemory) TryDecrement(_ context.Context, productID string, qty int32, expectedVersion int64) (bool, error) {
	if qty <= 0 {
		return false, domain.ErrQuantityInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.items[productID]
	if !ok {
		return false, nil
	}
	if !product.Active || product.Version != expectedVersion || product.Stock < qty {
		return false, nil
	}

	product.Stock -= qty
	product.Version++
	product.UpdatedAt = time.Now().UTC()
	s.items[productID] = product
	return true, nil
}

func (s *productStoreInMemory) Increment(_ context.Context, productID string, qty int32) (bool, error) {
	if qty <= 0 {
		return false, domain.ErrQuantityInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.items[productID]
	if !ok {
		return false, nil
	}

	product.Stock += qty
	product.Version++
	product.UpdatedAt = time.Now().UTC()
	s.items[productID] = product
	return true, nil
}

// Upsert создаёт товар; для существующего обновляет только название, цену и активность.
func (s *productStoreInMemory) Upsert(_ context.Context, product domain.Product) (domain.Product, error) {
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" {
		return domain.Product{}, domain.ErrProductIDRequired
	}
	if product.PriceMinor < 0 {
		return domain.Product{}, domain.ErrItemPriceInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	current, ok := s.items[product.ID]
	if !ok {
		if product.Stock < 0 {
			product.Stock = 0
		}
		product.UpdatedAt = now
		s.items[product.ID] = product
		return product, nil
	}

	current.Name = product.Name
	current.PriceMinor = product.PriceMinor
	current.Active = product.Active
	current.UpdatedAt = now
	s.items[product.ID] = current
	return current, nil
}

var _ domain.ProductStore = (*productStoreInMemory)(nil)
