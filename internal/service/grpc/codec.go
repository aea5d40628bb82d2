package grpcsvc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

// minorUnitExp: сколько знаков после запятой у минимальной единицы (центы).
const minorUnitExp = 2

// decodeRequest разбирает google.protobuf.Struct в типизированный запрос.
func decodeRequest(in *structpb.Struct, dst any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request struct: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// encodeResponse превращает ответ в google.protobuf.Struct.
func encodeResponse(src any) (*structpb.Struct, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode response struct: %w", err)
	}
	return out, nil
}

// toMinor переводит сумму «35.00» в минимальные единицы (3500).
// Дробная часть мельче цента: ошибка, а не округление.
func toMinor(amount decimal.Decimal) (int64, error) {
	shifted := amount.Shift(minorUnitExp)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount.String(), minorUnitExp)
	}
	if shifted.IsNegative() {
		return 0, domain.ErrPaymentAmountNegative
	}
	return shifted.IntPart(), nil
}

// formatMinor: обратное преобразование: 3500 -> "35.00".
func formatMinor(minor int64) string {
	return decimal.New(minor, -minorUnitExp).StringFixed(minorUnitExp)
}

type itemInput struct {
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
}

type createOrderRequest struct {
	UserID   string      `json:"user_id"`
	Currency string      `json:"currency"`
	Items    []itemInput `json:"items"`
}

type orderRefRequest struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type listOrdersRequest struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit,omitempty"`
}

type initiatePaymentRequest struct {
	OrderID string           `json:"order_id"`
	Amount  *decimal.Decimal `json:"amount,omitempty"`
	Method  string           `json:"method"`
}

type paymentCallbackRequest struct {
	PaymentNumber string           `json:"payment_number"`
	Outcome       string           `json:"outcome"`
	TransactionID string           `json:"transaction_id,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
}

type itemView struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int32  `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Subtotal    string `json:"subtotal"`
}

type timelineView struct {
	Type       string    `json:"type"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type paymentView struct {
	PaymentNumber string    `json:"payment_number"`
	OrderID       string    `json:"order_id"`
	Amount        string    `json:"amount"`
	Method        string    `json:"method"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transaction_id,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type orderView struct {
	ID          string         `json:"id"`
	OrderNumber string         `json:"order_number"`
	UserID      string         `json:"user_id"`
	Status      string         `json:"status"`
	Currency    string         `json:"currency"`
	Total       string         `json:"total"`
	TotalMinor  int64          `json:"total_minor"`
	Version     int64          `json:"version"`
	Items       []itemView     `json:"items"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Timeline    []timelineView `json:"timeline,omitempty"`
	Payments    []paymentView  `json:"payments,omitempty"`
}

type orderListView struct {
	Orders []orderView `json:"orders"`
}

type callbackView struct {
	PaymentNumber string `json:"payment_number"`
	Accepted      bool   `json:"accepted"`
}

func toOrderView(order domain.Order) orderView {
	items := make([]itemView, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, itemView{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   formatMinor(item.UnitPriceMinor),
			Subtotal:    formatMinor(item.Subtotal()),
		})
	}
	return orderView{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Currency:    order.Currency,
		Total:       formatMinor(order.TotalAmountMinor),
		TotalMinor:  order.TotalAmountMinor,
		Version:     order.Version,
		Items:       items,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
	}
}

func toPaymentView(p domain.Payment) paymentView {
	return paymentView{
		PaymentNumber: p.PaymentNumber,
		OrderID:       p.OrderID,
		Amount:        formatMinor(p.AmountMinor),
		Method:        string(p.Method),
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		FailureReason: p.FailureReason,
		ExpiresAt:     p.ExpiresAt,
	}
}

func toTimelineViews(events []domain.TimelineEvent) []timelineView {
	out := make([]timelineView, 0, len(events))
	for _, e := range events {
		out = append(out, timelineView{Type: e.Type, Reason: e.Reason, OccurredAt: e.Occurred})
	}
	return out
}
