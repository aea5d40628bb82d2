package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrQuantityInvalid = errors.New("quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order total does not match items sum")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка отсутствующего идентификатора товара.
	ErrProductIDRequired = errors.New("product_id is required")

	// ErrProductNotFound возвращается, если товара нет в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrProductInactive: товар снят с продажи и не может быть зарезервирован.
	ErrProductInactive = errors.New("product is inactive")
	// ErrInsufficientStock: бизнес-ошибка резервирования; конкретика в InsufficientStockError.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists: заказ с таким ID или номером уже сохранён.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrOrderStatusConflict: условная запись статуса не применилась (конкурентное изменение).
	ErrOrderStatusConflict = errors.New("order status conflict")
	// ErrInvalidTransition: переход запрещён таблицей статусов; конкретика в InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid order status transition")

	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrPaymentAlreadyExists: платёж с таким номером уже существует.
	ErrPaymentAlreadyExists = errors.New("payment already exists")
	// ErrPaymentAmountMismatch: сумма платежа не совпадает с суммой заказа.
	ErrPaymentAmountMismatch = errors.New("payment amount does not match order total")
	// ErrPaymentAmountNegative: отрицательная сумма платежа.
	ErrPaymentAmountNegative = errors.New("payment amount must be non-negative")
	// ErrAlreadyPaid: повторная попытка оплатить уже оплаченный заказ.
	ErrAlreadyPaid = errors.New("order is already paid")
	// ErrPaymentTerminal: платёж уже в конечном статусе, изменить его нельзя.
	ErrPaymentTerminal = errors.New("payment is in terminal status")
	// ErrPaymentMethodRequired: не указан способ оплаты.
	ErrPaymentMethodRequired = errors.New("payment method is required")
	// ErrPaymentNumberRequired: в событии или колбэке нет номера платежа.
	ErrPaymentNumberRequired = errors.New("payment_number is required")
	// ErrOutcomeInvalid: неизвестный исход платежа.
	ErrOutcomeInvalid = errors.New("payment outcome is invalid")
	// ErrGatewayUnavailable: платёжный шлюз не принял запрос.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrReconciliationExhausted: все попытки сверки исчерпаны, событие записано для компенсации.
	ErrReconciliationExhausted = errors.New("payment reconciliation exhausted")
	// ErrReconciliationNotFound: запись о неудачной сверке не найдена.
	ErrReconciliationNotFound = errors.New("failed reconciliation not found")

	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// StockShortage описывает одну позицию, которую не удалось зарезервировать.
type StockShortage struct {
	ProductID string
	Required  int32
	Available int32
	// Reason заполняется для случаев, когда дело не в количестве (товар удалён или неактивен).
	Reason string
}

func (s StockShortage) String() string {
	if s.Reason != "" {
		return fmt.Sprintf("product %s: %s", s.ProductID, s.Reason)
	}
	return fmt.Sprintf("product %s: required %d, available %d", s.ProductID, s.Required, s.Available)
}

// InsufficientStockError: поштучный отчёт о нехватке остатков.
type InsufficientStockError struct {
	Shortages []StockShortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, s.String())
	}
	return ErrInsufficientStock.Error() + ": " + strings.Join(parts, "; ")
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InvalidTransitionError называет текущий и запрошенный статус.
type InvalidTransitionError struct {
	Current OrderStatus
	Target  OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition.Error(), e.Current, e.Target)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ReconciliationExhaustedError возвращается координатором, когда исход платежа
// не удалось применить к заказу и он записан для ручной компенсации.
type ReconciliationExhaustedError struct {
	OrderID       string
	PaymentNumber string
	Attempts      int
	Cause         error
}

func (e *ReconciliationExhaustedError) Error() string {
	return fmt.Sprintf("%s: order=%s payment=%s attempts=%d: %v",
		ErrReconciliationExhausted.Error(), e.OrderID, e.PaymentNumber, e.Attempts, e.Cause)
}

func (e *ReconciliationExhaustedError) Is(target error) bool {
	return target == ErrReconciliationExhausted
}

func (e *ReconciliationExhaustedError) Unwrap() error {
	return e.Cause
}

// IsStatusConflict проверяет, является ли ошибка конфликтом условной записи статуса.
func IsStatusConflict(err error) bool {
	return errors.Is(err, ErrOrderStatusConflict)
}
