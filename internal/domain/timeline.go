package domain

import "time"

const (
	TimelineOrderCreated        = "OrderCreated"
	TimelineOrderStatusChanged  = "OrderStatusChanged"
	TimelineOrderCancelled      = "OrderCancelled"
	TimelineStockRestored       = "StockRestored"
	TimelinePaymentInitiated    = "PaymentInitiated"
	TimelinePaymentFailed       = "PaymentFailed"
	TimelinePaymentCancelled    = "PaymentCancelled"
	TimelineReconciliationError = "ReconciliationFailed"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}
