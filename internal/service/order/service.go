// Package order управляет жизненным циклом заказа: создание с резервированием,
// отмена с возвратом остатков и переходы доставки.
package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/clock"
	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/metrics"
	"github.com/vladislavdragonenkov/shopcore/internal/service/events"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	// transitionAttempts: сколько раз перечитываем заказ при конкурентном изменении статуса.
	transitionAttempts = 3
)

// Reserver: то, что сервису заказов нужно от координатора резервирования.
type Reserver interface {
	Reserve(ctx context.Context, items []domain.ReservationItem) (domain.ReservationResult, error)
	Restore(ctx context.Context, items []domain.ReservationItem) error
}

// ItemInput: позиция запроса на создание заказа.
type ItemInput struct {
	ProductID string
	Quantity  int32
}

// CreateOrderInput описывает запрос на создание заказа.
type CreateOrderInput struct {
	UserID   string
	Currency string
	Items    []ItemInput
}

// Service: сервис заказов.
type Service struct {
	orders    domain.OrderRepository
	catalog   domain.ProductCatalog
	inventory Reserver
	events    *events.Recorder
	timeline  domain.TimelineRepository
	clock     clock.Clock
	logger    *log.Entry
	metrics   *metrics.ConsistencyMetrics
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics включает метрики.
func WithMetrics(m *metrics.ConsistencyMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithEvents задаёт запись outbox/timeline.
func WithEvents(r *events.Recorder) Option {
	return func(s *Service) { s.events = r }
}

// WithTimeline подключает чтение истории заказа.
func WithTimeline(timeline domain.TimelineRepository) Option {
	return func(s *Service) { s.timeline = timeline }
}

// NewService создаёт сервис заказов.
func NewService(orders domain.OrderRepository, catalog domain.ProductCatalog, inventory Reserver, opts ...Option) *Service {
	s := &Service{
		orders:    orders,
		catalog:   catalog,
		inventory: inventory,
		clock:     clock.NewSystem(),
		logger:    log.New().WithField("component", "order-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create резервирует остатки и сохраняет заказ в статусе PENDING.
// При нехватке возвращается *domain.InsufficientStockError, заказ не создаётся.
func (s *Service) Create(ctx context.Context, in CreateOrderInput) (domain.Order, error) {
	items, err := normalizeInput(in)
	if err != nil {
		return domain.Order{}, err
	}

	snapshots := make(map[string]domain.Product, len(items))
	for _, item := range items {
		product, err := s.catalog.GetProduct(ctx, item.ProductID)
		if errors.Is(err, domain.ErrProductNotFound) {
			// отсутствие товара сообщит резервирование в общем списке нехваток
			continue
		}
		if err != nil {
			return domain.Order{}, fmt.Errorf("read product %s: %w", item.ProductID, err)
		}
		snapshots[item.ProductID] = product
	}

	result, err := s.inventory.Reserve(ctx, items)
	if err != nil {
		return domain.Order{}, fmt.Errorf("reserve stock: %w", err)
	}
	if !result.OK {
		return domain.Order{}, result.Err()
	}

	now := s.clock.Now()
	order := domain.Order{
		ID:          uuid.NewString(),
		OrderNumber: newOrderNumber(now),
		UserID:      strings.TrimSpace(in.UserID),
		Status:      domain.OrderStatusPending,
		Currency:    strings.ToUpper(strings.TrimSpace(in.Currency)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, item := range items {
		product, ok := snapshots[item.ProductID]
		if !ok {
			// товар появился между чтением снимка и резервированием
			product, err = s.catalog.GetProduct(ctx, item.ProductID)
			if err != nil {
				return domain.Order{}, s.releaseAfterFailure(ctx, items, fmt.Errorf("read product %s: %w", item.ProductID, err))
			}
		}
		order.Items = append(order.Items, domain.OrderItem{
			ID:             uuid.NewString(),
			ProductID:      product.ID,
			ProductName:    product.Name,
			UnitPriceMinor: product.PriceMinor,
			Quantity:       item.Quantity,
		})
	}
	order.TotalAmountMinor = order.ItemsTotal()

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, s.releaseAfterFailure(ctx, items, errors.Join(errs...))
	}

	persistStart := time.Now()
	if err := s.orders.Create(ctx, order); err != nil {
		return domain.Order{}, s.releaseAfterFailure(ctx, items, fmt.Errorf("persist order: %w", err))
	}
	s.metrics.RecordStepDuration("persist", time.Since(persistStart))

	s.events.Emit(order, domain.OutboxEventOrderCreated, map[string]any{
		"user_id":      order.UserID,
		"total_amount": order.TotalAmountMinor,
		"currency":     order.Currency,
		"items":        len(order.Items),
	})
	s.events.Timeline(order.ID, domain.TimelineOrderCreated, "", now)

	s.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"user_id":      order.UserID,
		"total_minor":  order.TotalAmountMinor,
	}).Info("order created")

	return order, nil
}

// releaseAfterFailure возвращает зарезервированное, если заказ не удалось сохранить.
func (s *Service) releaseAfterFailure(ctx context.Context, items []domain.ReservationItem, cause error) error {
	if err := s.inventory.Restore(context.WithoutCancel(ctx), items); err != nil {
		s.logger.WithError(err).WithField("cause", cause.Error()).Error("failed to release stock after order persistence failure")
		return errors.Join(cause, fmt.Errorf("release reserved stock: %w", err))
	}
	return cause
}

// Cancel отменяет заказ и возвращает остатки ровно один раз.
//
// Сначала заказ «захватывается» условной записью статуса: из нескольких
// конкурентных отмен выигрывает одна. Если вернуть остатки не удалось,
// захват откатывается второй условной записью и возвращается ошибка.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (domain.Order, error) {
	order, previous, err := s.claim(ctx, orderID, domain.OrderStatusCancelled)
	if err != nil {
		return domain.Order{}, err
	}

	if err := s.inventory.Restore(ctx, order.ReservationItems()); err != nil {
		revertErr := s.revertClaim(ctx, order, previous)
		if revertErr != nil {
			return domain.Order{}, errors.Join(fmt.Errorf("restore stock: %w", err), revertErr)
		}
		return domain.Order{}, fmt.Errorf("restore stock: %w", err)
	}

	s.metrics.RecordOrderTransition(string(domain.OrderStatusCancelled))
	s.events.Emit(order, domain.OutboxEventOrderCancelled, map[string]any{
		"reason":          reason,
		"previous_status": string(previous),
	})
	s.events.Timeline(order.ID, domain.TimelineOrderCancelled, reason, order.UpdatedAt)
	s.events.Timeline(order.ID, domain.TimelineStockRestored, "", order.UpdatedAt)

	s.logger.WithFields(log.Fields{
		"order_id":        order.ID,
		"previous_status": previous,
		"reason":          reason,
	}).Info("order cancelled, stock restored")

	return order, nil
}

// revertClaim возвращает заказ в статус до захвата, если он всё ещё наш.
func (s *Service) revertClaim(ctx context.Context, claimed domain.Order, previous domain.OrderStatus) error {
	ctx = context.WithoutCancel(ctx)
	applied, err := s.orders.UpdateStatus(ctx, claimed.ID, claimed.Status, previous, claimed.Version, s.clock.Now())
	if err == nil && !applied {
		err = domain.ErrOrderStatusConflict
	}
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id":        claimed.ID,
			"claimed_status":  claimed.Status,
			"previous_status": previous,
		}).Error("failed to revert order status after restore failure")
		return fmt.Errorf("revert order status: %w", err)
	}
	return nil
}

// Ship переводит оплаченный заказ в доставку.
func (s *Service) Ship(ctx context.Context, orderID string) (domain.Order, error) {
	return s.advance(ctx, orderID, domain.OrderStatusShipping, domain.OutboxEventOrderShipped)
}

// Deliver отмечает заказ доставленным.
func (s *Service) Deliver(ctx context.Context, orderID string) (domain.Order, error) {
	return s.advance(ctx, orderID, domain.OrderStatusDelivered, domain.OutboxEventOrderDelivered)
}

func (s *Service) advance(ctx context.Context, orderID string, target domain.OrderStatus, eventType string) (domain.Order, error) {
	order, previous, err := s.claim(ctx, orderID, target)
	if err != nil {
		return domain.Order{}, err
	}

	s.metrics.RecordOrderTransition(string(target))
	s.events.Emit(order, eventType, map[string]any{"previous_status": string(previous)})
	s.events.Timeline(order.ID, domain.TimelineOrderStatusChanged, fmt.Sprintf("%s -> %s", previous, target), order.UpdatedAt)
	return order, nil
}

// claim проверяет переход и применяет его условной записью.
// При конкурентном изменении заказ перечитывается и переход проверяется заново.
func (s *Service) claim(ctx context.Context, orderID string, target domain.OrderStatus) (domain.Order, domain.OrderStatus, error) {
	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, "", domain.ErrOrderIDRequired
	}

	for attempt := 1; attempt <= transitionAttempts; attempt++ {
		order, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return domain.Order{}, "", err
		}
		if err := domain.ValidateTransition(order.Status, target); err != nil {
			return domain.Order{}, "", err
		}

		now := s.clock.Now()
		applied, err := s.orders.UpdateStatus(ctx, order.ID, order.Status, target, order.Version, now)
		if err != nil {
			return domain.Order{}, "", fmt.Errorf("update order status: %w", err)
		}
		if applied {
			previous := order.Status
			order.Status = target
			order.Version++
			order.UpdatedAt = now
			return order, previous, nil
		}

		s.logger.WithFields(log.Fields{
			"order_id": orderID,
			"target":   target,
			"attempt":  attempt,
		}).Debug("order changed concurrently, reloading")
	}

	return domain.Order{}, "", fmt.Errorf("order %s -> %s: %w", orderID, target, domain.ErrOrderStatusConflict)
}

// Get возвращает заказ по идентификатору.
func (s *Service) Get(ctx context.Context, orderID string) (domain.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	return s.orders.Get(ctx, orderID)
}

// GetByNumber возвращает заказ по публичному номеру.
func (s *Service) GetByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	return s.orders.GetByNumber(ctx, strings.TrimSpace(orderNumber))
}

// ListByUser возвращает последние заказы пользователя.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrUserRequired
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.orders.ListByUser(ctx, userID, limit)
}

// Timeline возвращает историю заказа.
func (s *Service) Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if _, err := s.Get(ctx, orderID); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return []domain.TimelineEvent{}, nil
	}
	return s.timeline.List(orderID)
}

// normalizeInput проверяет запрос и склеивает повторяющиеся товары в одну позицию.
func normalizeInput(in CreateOrderInput) ([]domain.ReservationItem, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, domain.ErrUserRequired
	}
	if strings.TrimSpace(in.Currency) == "" {
		return nil, domain.ErrCurrencyRequired
	}
	if len(in.Items) == 0 {
		return nil, domain.ErrItemsRequired
	}

	index := make(map[string]int, len(in.Items))
	items := make([]domain.ReservationItem, 0, len(in.Items))
	for _, raw := range in.Items {
		item := domain.ReservationItem{ProductID: strings.TrimSpace(raw.ProductID), Quantity: raw.Quantity}
		if err := item.Validate(); err != nil {
			return nil, err
		}
		if pos, ok := index[item.ProductID]; ok {
			total := int64(items[pos].Quantity) + int64(item.Quantity)
			if total > math.MaxInt32 {
				return nil, fmt.Errorf("%w: product %s quantity overflows", domain.ErrQuantityInvalid, item.ProductID)
			}
			items[pos].Quantity = int32(total)
			continue
		}
		index[item.ProductID] = len(items)
		items = append(items, item)
	}
	return items, nil
}

func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), suffix)
}
