package domain

import "time"

// PaymentOutcome: исход платежа, сообщаемый шлюзом или sweep'ом.
type PaymentOutcome string

const (
	PaymentOutcomeSuccess   PaymentOutcome = "SUCCESS"
	PaymentOutcomeFailed    PaymentOutcome = "FAILED"
	PaymentOutcomeCancelled PaymentOutcome = "CANCELLED"
)

// Valid проверяет, что исход известен.
func (o PaymentOutcome) Valid() bool {
	switch o {
	case PaymentOutcomeSuccess, PaymentOutcomeFailed, PaymentOutcomeCancelled:
		return true
	default:
		return false
	}
}

// PaymentStatus отображает исход на конечный статус платежа.
func (o PaymentOutcome) PaymentStatus() PaymentStatus {
	switch o {
	case PaymentOutcomeSuccess:
		return PaymentStatusSuccess
	case PaymentOutcomeFailed:
		return PaymentStatusFailed
	default:
		return PaymentStatusCancelled
	}
}

// PaymentOutcomeEvent доставляется координатору как минимум один раз.
type PaymentOutcomeEvent struct {
	EventID       string         `json:"event_id"`
	OrderID       string         `json:"order_id"`
	PaymentNumber string         `json:"payment_number"`
	Outcome       PaymentOutcome `json:"outcome"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// Validate проверяет обязательные поля события.
func (e PaymentOutcomeEvent) Validate() error {
	if e.OrderID == "" {
		return ErrOrderIDRequired
	}
	if e.PaymentNumber == "" {
		return ErrPaymentNumberRequired
	}
	if !e.Outcome.Valid() {
		return ErrOutcomeInvalid
	}
	return nil
}

// ReconciliationStatus: состояние записи о неудачной сверке.
type ReconciliationStatus string

const (
	ReconciliationStatusPending  ReconciliationStatus = "pending"
	ReconciliationStatusResolved ReconciliationStatus = "resolved"
)

// FailedReconciliation: durable-запись для компенсации вне основного потока.
// Уникальна по (PaymentNumber, Outcome): повторная доставка не плодит дубликаты.
type FailedReconciliation struct {
	ID            string
	OrderID       string
	PaymentNumber string
	Outcome       PaymentOutcome
	TransactionID string
	Reason        string
	Attempts      int
	Status        ReconciliationStatus
	FailedAt      time.Time
	ResolvedAt    time.Time
}

// Event восстанавливает исходное событие для повторной обработки.
func (f FailedReconciliation) Event() PaymentOutcomeEvent {
	return PaymentOutcomeEvent{
		EventID:       f.ID,
		OrderID:       f.OrderID,
		PaymentNumber: f.PaymentNumber,
		Outcome:       f.Outcome,
		TransactionID: f.TransactionID,
		Reason:        f.Reason,
		OccurredAt:    f.FailedAt,
	}
}
