package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type reconciliationRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.FailedReconciliation
	byKey map[string]string
}

// NewReconciliationFailureRepository создаёт in-memory хранилище неудачных сверок.
func NewReconciliationFailureRepository() domain.ReconciliationFailureRepository {
	return &reconciliationRepositoryInMemory{
		items: make(map[string]domain.FailedReconciliation),
		byKey: make(map[string]string),
	}
}

func failureKey(paymentNumber string, outcome domain.PaymentOutcome) string {
	return paymentNumber + "|" + string(outcome)
}

// Record сохраняет запись; повтор по тому же платежу и исходу возвращает её в pending.
func (r *reconciliationRepositoryInMemory) Record(_ context.Context, failure domain.FailedReconciliation) (domain.FailedReconciliation, error) {
	if err := failure.Event().Validate(); err != nil {
		return domain.FailedReconciliation{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if failure.FailedAt.IsZero() {
		failure.FailedAt = time.Now().UTC()
	}
	failure.Status = domain.ReconciliationStatusPending
	failure.ResolvedAt = time.Time{}

	key := failureKey(failure.PaymentNumber, failure.Outcome)
	if id, ok := r.byKey[key]; ok {
		failure.ID = id
		r.items[id] = failure
		return failure, nil
	}

	if failure.ID == "" {
		failure.ID = uuid.NewString()
	}
	r.items[failure.ID] = failure
	r.byKey[key] = failure.ID
	return failure, nil
}

func (r *reconciliationRepositoryInMemory) ListPending(_ context.Context, limit int) ([]domain.FailedReconciliation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.FailedReconciliation, 0)
	for _, item := range r.items {
		if item.Status == domain.ReconciliationStatusPending {
			result = append(result, item)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].FailedAt.Equal(result[j].FailedAt) {
			return result[i].FailedAt.Before(result[j].FailedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *reconciliationRepositoryInMemory) MarkResolved(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return domain.ErrReconciliationNotFound
	}
	item.Status = domain.ReconciliationStatusResolved
	item.ResolvedAt = at
	r.items[id] = item
	return nil
}

func (r *reconciliationRepositoryInMemory) CountPending(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, item := range r.items {
		if item.Status == domain.ReconciliationStatusPending {
			count++
		}
	}
	return count, nil
}

var _ domain.ReconciliationFailureRepository = (*reconciliationRepositoryInMemory)(nil)
