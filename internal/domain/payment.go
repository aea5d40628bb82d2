package domain

import "time"

// PaymentStatus описывает состояние попытки оплаты.
type PaymentStatus string

const (
	// PaymentStatusPending: платёж создан, шлюз ещё не принял запрос.
	PaymentStatusPending PaymentStatus = "PENDING"
	// PaymentStatusProcessing: запрос передан шлюзу, ждём асинхронный исход.
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	// PaymentStatusSuccess: шлюз подтвердил списание.
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
	// PaymentStatusFailed: шлюз отклонил платёж.
	PaymentStatusFailed PaymentStatus = "FAILED"
	// PaymentStatusCancelled: платёж отменён (в том числе по истечении срока).
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

// IsTerminal: конечный статус платежа изменить нельзя.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusSuccess || s == PaymentStatusFailed || s == PaymentStatusCancelled
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionPayment: любой нетерминальный статус может перейти вперёд, терминальный: никуда.
func CanTransitionPayment(current, target PaymentStatus) bool {
	if current.IsTerminal() || current == target {
		return false
	}
	if current == PaymentStatusProcessing && target == PaymentStatusPending {
		return false
	}
	return target.Valid()
}

// PaymentMethod: способ оплаты, прозрачный для ядра.
type PaymentMethod string

const (
	PaymentMethodCard         PaymentMethod = "CARD"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentMethodWallet       PaymentMethod = "WALLET"
)

// Payment: одна попытка оплаты заказа (many-to-one с Order).
type Payment struct {
	ID            string
	PaymentNumber string
	OrderID       string
	AmountMinor   int64
	Method        PaymentMethod
	Status        PaymentStatus
	// TransactionID заполняется только при успехе.
	TransactionID string
	FailureReason string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Expired сообщает, истёк ли срок ожидания нетерминального платежа.
func (p *Payment) Expired(now time.Time) bool {
	return !p.Status.IsTerminal() && !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Validate проверяет корректность полей платежа.
func (p *Payment) Validate() []error {
	var errs []error

	if p.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if p.PaymentNumber == "" {
		errs = append(errs, ErrPaymentNumberRequired)
	}
	if p.Method == "" {
		errs = append(errs, ErrPaymentMethodRequired)
	}
	if p.AmountMinor < 0 {
		errs = append(errs, ErrPaymentAmountNegative)
	}

	return errs
}

// PaymentStatusUpdate: условная запись статуса платежа.
type PaymentStatusUpdate struct {
	PaymentNumber string
	Status        PaymentStatus
	TransactionID string
	FailureReason string
	UpdatedAt     time.Time
}
