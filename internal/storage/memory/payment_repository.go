package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type paymentRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Payment
}

// NewPaymentRepository создаёт in-memory реализацию PaymentRepository.
func NewPaymentRepository() domain.PaymentRepository {
	return &paymentRepositoryInMemory{items: make(map[string]domain.Payment)}
}

func (r *paymentRepositoryInMemory) Create(_ context.Context, payment domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[payment.PaymentNumber]; exists {
		return domain.ErrPaymentAlreadyExists
	}
	r.items[payment.PaymentNumber] = payment
	return nil
}

func (r *paymentRepositoryInMemory) GetByNumber(_ context.Context, paymentNumber string) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	payment, ok := r.items[paymentNumber]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return payment, nil
}

// ListByOrder возвращает попытки оплаты заказа в порядке создания.
func (r *paymentRepositoryInMemory) ListByOrder(_ context.Context, orderID string) ([]domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Payment, 0)
	for _, payment := range r.items {
		if payment.OrderID == orderID {
			result = append(result, payment)
		}
	}
	sortPayments(result)
	return result, nil
}

// UpdateStatus не трогает платёж в терминальном статусе.
func (r *paymentRepositoryInMemory) UpdateStatus(_ context.Context, update domain.PaymentStatusUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	payment, ok := r.items[update.PaymentNumber]
	if !ok {
		return false, domain.ErrPaymentNotFound
	}
	if !domain.CanTransitionPayment(payment.Status, update.Status) {
		return false, nil
	}

	payment.Status = update.Status
	if update.TransactionID != "" {
		payment.TransactionID = update.TransactionID
	}
	if update.FailureReason != "" {
		payment.FailureReason = update.FailureReason
	}
	payment.UpdatedAt = update.UpdatedAt
	if payment.UpdatedAt.IsZero() {
		payment.UpdatedAt = time.Now().UTC()
	}
	r.items[update.PaymentNumber] = payment
	return true, nil
}

func (r *paymentRepositoryInMemory) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Payment, 0)
	for _, payment := range r.items {
		if payment.Expired(now) {
			result = append(result, payment)
		}
	}
	sortPayments(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortPayments(items []domain.Payment) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].PaymentNumber < items[j].PaymentNumber
	})
}

var _ domain.PaymentRepository = (*paymentRepositoryInMemory)(nil)
