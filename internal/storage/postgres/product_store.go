package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type productStore struct {
	db *sql.DB
}

// NewProductStore создаёт PostgreSQL-реализацию ProductStore.
// TryDecrement и Increment: одиночные условные UPDATE без транзакций и блокировок.
func NewProductStore(store *Store) domain.ProductStore {
	return &productStore{db: store.DB()}
}

func (s *productStore) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, price_minor, stock, version, active, updated_at
		FROM products
		WHERE id = $1
	`, productID).Scan(&p.ID, &p.Name, &p.PriceMinor, &p.Stock, &p.Version, &p.Active, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	return p, nil
}

func (s *productStore) TryDecrement(ctx context.Context, productID string, qty int32, expectedVersion int64) (bool, error) {
	if qty <= 0 {
		return false, domain.ErrQuantityInvalid
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		  AND version = $3
		  AND active
		  AND stock >= $2
	`, productID, qty, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}
	return affectedOne(res)
}

func (s *productStore) Increment(ctx context.Context, productID string, qty int32) (bool, error) {
	if qty <= 0 {
		return false, domain.ErrQuantityInvalid
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
	`, productID, qty)
	if err != nil {
		return false, fmt.Errorf("increment stock: %w", err)
	}
	return affectedOne(res)
}

// Upsert не трогает stock и version существующего товара.
func (s *productStore) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" {
		return domain.Product{}, domain.ErrProductIDRequired
	}
	if product.PriceMinor < 0 {
		return domain.Product{}, domain.ErrItemPriceInvalid
	}
	if product.Stock < 0 {
		product.Stock = 0
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var saved domain.Product
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (id, name, price_minor, stock, version, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    price_minor = EXCLUDED.price_minor,
		    active = EXCLUDED.active,
		    updated_at = NOW()
		RETURNING id, name, price_minor, stock, version, active, updated_at
	`, product.ID, product.Name, product.PriceMinor, product.Stock, product.Version, product.Active).Scan(
		&saved.ID, &saved.Name, &saved.PriceMinor, &saved.Stock, &saved.Version, &saved.Active, &saved.UpdatedAt,
	)
	if err != nil {
		return domain.Product{}, fmt.Errorf("upsert product: %w", err)
	}
	return saved, nil
}

func affectedOne(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

var _ domain.ProductStore = (*productStore)(nil)
