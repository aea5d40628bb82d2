// Package inventory резервирует остатки по принципу «всё или ничего»
// поверх условных записей StockLedger.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/metrics"
)

const (
	reasonProductNotFound = "product not found"
	reasonProductInactive = "product is inactive"

	// retakeAttempts ограничивает попытки вернуть уже восстановленный остаток при неудачном Restore.
	retakeAttempts = 3
)

// Coordinator резервирует и возвращает остатки для набора позиций.
type Coordinator struct {
	ledger  domain.StockLedger
	logger  *log.Entry
	metrics *metrics.ConsistencyMetrics
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

// WithMetrics включает метрики резервирования.
func WithMetrics(m *metrics.ConsistencyMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator создаёт координатор резервирования поверх склада.
func NewCoordinator(ledger domain.StockLedger, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger: ledger,
		logger: log.New().WithField("component", "inventory"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reserve списывает остатки по всем позициям либо не списывает ничего.
//
// Каждая позиция читается непосредственно перед попыткой и списывается условной
// записью с наблюдённой версией. Отказ условной записи не повторяется: это
// бизнес-отказ резервирования. После первого отказа оставшиеся позиции только
// проверяются на чтение, чтобы вернуть полный список нехваток, а уже списанное
// возвращается через Increment. Ошибка отката возвращается вызывающему.
func (c *Coordinator) Reserve(ctx context.Context, items []domain.ReservationItem) (domain.ReservationResult, error) {
	if err := validateItems(items); err != nil {
		return domain.ReservationResult{}, err
	}

	start := time.Now()
	defer func() {
		c.metrics.RecordStepDuration("reserve", time.Since(start))
	}()

	reserved := make([]domain.Reservation, 0, len(items))
	var shortages []domain.StockShortage

	for _, item := range items {
		if len(shortages) > 0 {
			shortage, ok, err := c.inspect(ctx, item)
			if err != nil {
				return c.abort(ctx, reserved, shortages, err)
			}
			if !ok {
				shortages = append(shortages, shortage)
			}
			continue
		}

		reservation, shortage, err := c.reserveOne(ctx, item)
		if err != nil {
			return c.abort(ctx, reserved, shortages, err)
		}
		if shortage != nil {
			shortages = append(shortages, *shortage)
			continue
		}
		reserved = append(reserved, reservation)
	}

	if len(shortages) > 0 {
		result := domain.ReservationResult{Shortages: shortages}
		c.metrics.RecordReservation(metrics.ResultInsufficient)
		if err := c.rollback(ctx, reserved); err != nil {
			return result, err
		}
		c.logger.WithFields(log.Fields{
			"items":     len(items),
			"shortages": len(shortages),
		}).Info("reservation rejected: insufficient stock")
		return result, nil
	}

	c.metrics.RecordReservation(metrics.ResultOK)
	return domain.ReservationResult{OK: true, Reserved: reserved}, nil
}

// reserveOne выполняет одну попытку списания. Ненулевой shortage означает бизнес-отказ.
func (c *Coordinator) reserveOne(ctx context.Context, item domain.ReservationItem) (domain.Reservation, *domain.StockShortage, error) {
	product, err := c.ledger.GetProduct(ctx, item.ProductID)
	if errors.Is(err, domain.ErrProductNotFound) {
		return domain.Reservation{}, &domain.StockShortage{
			ProductID: item.ProductID,
			Required:  item.Quantity,
			Reason:    reasonProductNotFound,
		}, nil
	}
	if err != nil {
		return domain.Reservation{}, nil, fmt.Errorf("read product %s: %w", item.ProductID, err)
	}
	if !product.Active {
		return domain.Reservation{}, &domain.StockShortage{
			ProductID: item.ProductID,
			Required:  item.Quantity,
			Available: product.Stock,
			Reason:    reasonProductInactive,
		}, nil
	}

	ok, err := c.ledger.TryDecrement(ctx, item.ProductID, item.Quantity, product.Version)
	if err != nil {
		return domain.Reservation{}, nil, fmt.Errorf("decrement product %s: %w", item.ProductID, err)
	}
	if !ok {
		return domain.Reservation{}, c.shortageAfterConflict(ctx, item, product), nil
	}

	return domain.Reservation{
		ProductID:       item.ProductID,
		Quantity:        item.Quantity,
		ObservedVersion: product.Version,
	}, nil, nil
}

// shortageAfterConflict перечитывает товар, чтобы сообщить актуальный доступный остаток.
func (c *Coordinator) shortageAfterConflict(ctx context.Context, item domain.ReservationItem, observed domain.Product) *domain.StockShortage {
	available := observed.Stock
	if fresh, err := c.ledger.GetProduct(ctx, item.ProductID); err == nil {
		available = fresh.Stock
	}
	return &domain.StockShortage{
		ProductID: item.ProductID,
		Required:  item.Quantity,
		Available: available,
	}
}

// inspect проверяет позицию только на чтение; ok=false означает нехватку.
func (c *Coordinator) inspect(ctx context.Context, item domain.ReservationItem) (domain.StockShortage, bool, error) {
	product, err := c.ledger.GetProduct(ctx, item.ProductID)
	if errors.Is(err, domain.ErrProductNotFound) {
		return domain.StockShortage{ProductID: item.ProductID, Required: item.Quantity, Reason: reasonProductNotFound}, false, nil
	}
	if err != nil {
		return domain.StockShortage{}, false, fmt.Errorf("read product %s: %w", item.ProductID, err)
	}
	if !product.Active {
		return domain.StockShortage{ProductID: item.ProductID, Required: item.Quantity, Available: product.Stock, Reason: reasonProductInactive}, false, nil
	}
	if product.Stock < item.Quantity {
		return domain.StockShortage{ProductID: item.ProductID, Required: item.Quantity, Available: product.Stock}, false, nil
	}
	return domain.StockShortage{}, true, nil
}

// abort откатывает списанное после ошибки хранилища и возвращает обе ошибки.
func (c *Coordinator) abort(ctx context.Context, reserved []domain.Reservation, shortages []domain.StockShortage, cause error) (domain.ReservationResult, error) {
	result := domain.ReservationResult{Shortages: shortages}
	if rbErr := c.rollback(ctx, reserved); rbErr != nil {
		return result, errors.Join(cause, rbErr)
	}
	return result, cause
}

// rollback возвращает всё списанное в рамках вызова, в обратном порядке.
func (c *Coordinator) rollback(ctx context.Context, reserved []domain.Reservation) error {
	if len(reserved) == 0 {
		return nil
	}

	// откат не должен прерываться отменой запроса
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for i := len(reserved) - 1; i >= 0; i-- {
		r := reserved[i]
		ok, err := c.ledger.Increment(ctx, r.ProductID, r.Quantity)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("rollback product %s: %w", r.ProductID, err))
		case !ok:
			errs = append(errs, fmt.Errorf("rollback product %s: %w", r.ProductID, domain.ErrProductNotFound))
		}
	}

	failed := len(errs) > 0
	c.metrics.RecordRollback(failed)
	if failed {
		err := errors.Join(errs...)
		c.logger.WithError(err).WithField("reserved", len(reserved)).Error("reservation rollback incomplete")
		return err
	}
	return nil
}

// Restore возвращает остатки по всем позициям. Если какую-то позицию вернуть
// не удалось, уже возвращённые в этом вызове списываются обратно (best effort)
// и возвращается ошибка.
func (c *Coordinator) Restore(ctx context.Context, items []domain.ReservationItem) error {
	if err := validateItems(items); err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		c.metrics.RecordStepDuration("restore", time.Since(start))
	}()

	restored := make([]domain.ReservationItem, 0, len(items))
	var errs []error
	for _, item := range items {
		ok, err := c.ledger.Increment(ctx, item.ProductID, item.Quantity)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("restore product %s: %w", item.ProductID, err))
		case !ok:
			errs = append(errs, fmt.Errorf("restore product %s: %w", item.ProductID, domain.ErrProductNotFound))
		default:
			restored = append(restored, item)
		}
	}

	if len(errs) == 0 {
		c.metrics.RecordStockRestore()
		return nil
	}

	for _, item := range restored {
		if err := c.retake(context.WithoutCancel(ctx), item); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	c.logger.WithError(err).WithFields(log.Fields{
		"items":    len(items),
		"restored": len(restored),
	}).Error("stock restore failed")
	return err
}

// retake снова списывает позицию, возвращённую неудачным Restore.
func (c *Coordinator) retake(ctx context.Context, item domain.ReservationItem) error {
	for attempt := 0; attempt < retakeAttempts; attempt++ {
		product, err := c.ledger.GetProduct(ctx, item.ProductID)
		if err != nil {
			return fmt.Errorf("retake product %s: %w", item.ProductID, err)
		}
		ok, err := c.ledger.TryDecrement(ctx, item.ProductID, item.Quantity, product.Version)
		if err != nil {
			return fmt.Errorf("retake product %s: %w", item.ProductID, err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("retake product %s: %w", item.ProductID, domain.ErrInsufficientStock)
}

func validateItems(items []domain.ReservationItem) error {
	if len(items) == 0 {
		return domain.ErrQuantityInvalid
	}
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return err
		}
	}
	return nil
}
