package domain

import (
	"context"
	"time"
)

// StockLedger: единственный путь изменения остатков.
// Обе операции: одиночные атомарные условные записи; false означает несовпадение условия, а не ошибку.
type StockLedger interface {
	// GetProduct возвращает текущий снимок товара или ErrProductNotFound.
	GetProduct(ctx context.Context, productID string) (Product, error)
	// TryDecrement: stock >= qty AND version == expectedVersion AND active → stock -= qty, version += 1.
	TryDecrement(ctx context.Context, productID string, qty int32, expectedVersion int64) (bool, error)
	// Increment возвращает остаток без проверки версии; требует только существования товара.
	Increment(ctx context.Context, productID string, qty int32) (bool, error)
}

// ProductCatalog: то, что ядру нужно от каталога: чтение снимков товара.
type ProductCatalog interface {
	GetProduct(ctx context.Context, productID string) (Product, error)
}

// ProductStore добавляет к складу заведение товаров (используется каталогом и сидированием).
type ProductStore interface {
	StockLedger
	// Upsert создаёт товар или обновляет его описательные поля; остаток задаётся только при создании.
	Upsert(ctx context.Context, product Product) (Product, error)
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create атомарно сохраняет заказ вместе с позициями.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// GetByNumber ищет заказ по публичному номеру.
	GetByNumber(ctx context.Context, orderNumber string) (Order, error)
	// ListByUser возвращает заказы пользователя, новые первыми.
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	// UpdateStatus: условная запись: применяется, только если статус и версия совпадают.
	// Возвращает false, если затронуто ноль строк.
	UpdateStatus(ctx context.Context, id string, from, to OrderStatus, expectedVersion int64, at time.Time) (bool, error)
}

// PaymentRepository хранит попытки оплаты.
type PaymentRepository interface {
	Create(ctx context.Context, payment Payment) error
	GetByNumber(ctx context.Context, paymentNumber string) (Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]Payment, error)
	// UpdateStatus применяется только к нетерминальному платежу; false: платёж уже терминален.
	UpdateStatus(ctx context.Context, update PaymentStatusUpdate) (bool, error)
	// ListExpiredPending возвращает нетерминальные платежи с истёкшим ExpiresAt.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Payment, error)
}

// ReconciliationFailureRepository хранит неприменённые исходы платежей.
type ReconciliationFailureRepository interface {
	// Record сохраняет запись; повтор по тем же (PaymentNumber, Outcome) обновляет существующую.
	Record(ctx context.Context, failure FailedReconciliation) (FailedReconciliation, error)
	ListPending(ctx context.Context, limit int) ([]FailedReconciliation, error)
	MarkResolved(ctx context.Context, id string, at time.Time) error
	CountPending(ctx context.Context) (int, error)
}
