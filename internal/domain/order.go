package domain

import "time"

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending: заказ создан, остатки зарезервированы, ждём оплату.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusPaid: оплата подтверждена.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusShipping: заказ передан в доставку.
	OrderStatusShipping OrderStatus = "SHIPPING"
	// OrderStatusDelivered: заказ доставлен (конечный статус).
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelled: заказ отменён (конечный статус).
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// orderTransitions: единственный источник правды о допустимых переходах.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:  {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:     {OrderStatusShipping, OrderStatusCancelled},
	OrderStatusShipping: {OrderStatusDelivered},
}

// OrderStatuses возвращает все известные статусы заказа.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusPaid,
		OrderStatusShipping,
		OrderStatusDelivered,
		OrderStatusCancelled,
	}
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusShipping, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal: из конечного статуса переходов нет.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// CanTransition: чистая функция таблицы переходов, без побочных эффектов.
func CanTransition(current, target OrderStatus) bool {
	for _, next := range orderTransitions[current] {
		if next == target {
			return true
		}
	}
	return false
}

// ValidateTransition возвращает *InvalidTransitionError для запрещённого перехода.
func ValidateTransition(current, target OrderStatus) error {
	if !CanTransition(current, target) {
		return &InvalidTransitionError{Current: current, Target: target}
	}
	return nil
}

// OrderItem: снимок товара на момент создания заказа.
// Не связан с живой записью Product: последующие изменения цены и названия его не трогают.
type OrderItem struct {
	ID             string
	ProductID      string
	ProductName    string
	UnitPriceMinor int64
	Quantity       int32
}

// Subtotal возвращает стоимость позиции в минимальных единицах.
func (i OrderItem) Subtotal() int64 {
	return int64(i.Quantity) * i.UnitPriceMinor
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID               string
	OrderNumber      string
	UserID           string
	Status           OrderStatus
	Currency         string
	TotalAmountMinor int64
	Items            []OrderItem
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ReservationItems переводит позиции заказа в единицы работы резервирования.
func (o *Order) ReservationItems() []ReservationItem {
	items := make([]ReservationItem, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, ReservationItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return items
}

// ItemsTotal считает сумму позиций.
func (o *Order) ItemsTotal() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.Subtotal()
	}
	return total
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrQuantityInvalid)
		}
		if item.UnitPriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}
	if o.ItemsTotal() != o.TotalAmountMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}
