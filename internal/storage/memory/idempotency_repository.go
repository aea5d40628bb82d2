package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/clock"
	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

const (
	defaultIdempotencyTTL         = 24 * time.Hour
	defaultIdempotencyDeleteLimit = 500
)

// idempotencyStore: ключи идемпотентности gRPC-вызовов в памяти.
// Поведение совпадает с PostgreSQL-версией: истёкшие записи живут до DeleteExpired,
// который удаляет их начиная с самого старого ttl.
type idempotencyStore struct {
	mu      sync.RWMutex
	records map[string]domain.IdempotencyRecord
	clock   clock.Clock
}

// IdempotencyOption настраивает in-memory хранилище ключей.
type IdempotencyOption func(*idempotencyStore)

// WithIdempotencyClock подменяет источник времени для created_at/updated_at.
func WithIdempotencyClock(c clock.Clock) IdempotencyOption {
	return func(s *idempotencyStore) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository(opts ...IdempotencyOption) domain.IdempotencyRepository {
	s := &idempotencyStore{
		records: make(map[string]domain.IdempotencyRecord),
		clock:   clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", domain.ErrIdempotencyKeyRequired
	}
	return key, nil
}

func (s *idempotencyStore) CreateProcessing(_ context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	requestHash = strings.TrimSpace(requestHash)
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := s.clock.Now().UTC()
	if ttlAt.IsZero() {
		ttlAt = now.Add(defaultIdempotencyTTL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[key]; ok {
		if existing.RequestHash != requestHash {
			return copyRecord(existing), domain.ErrIdempotencyHashMismatch
		}
		return copyRecord(existing), domain.ErrIdempotencyKeyAlreadyExists
	}

	record := domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.records[key] = record
	return copyRecord(record), nil
}

func (s *idempotencyStore) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return copyRecord(record), nil
}

// MarkDone сохраняет ответ успешного вызова для повторов по тому же ключу.
func (s *idempotencyStore) MarkDone(_ context.Context, key string, responseBody []byte, code int) error {
	return s.finish(key, domain.IdempotencyStatusDone, responseBody, code)
}

// MarkFailed сохраняет ответ с ошибкой; повтор получит тот же gRPC-код.
func (s *idempotencyStore) MarkFailed(_ context.Context, key string, responseBody []byte, code int) error {
	return s.finish(key, domain.IdempotencyStatusFailed, responseBody, code)
}

// DeleteExpired удаляет не больше limit записей с ttl <= before, самые старые первыми.
func (s *idempotencyStore) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = s.clock.Now().UTC()
	}
	if limit <= 0 {
		limit = defaultIdempotencyDeleteLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expired := make([]domain.IdempotencyRecord, 0)
	for _, record := range s.records {
		if !record.TTLAt.After(before) {
			expired = append(expired, record)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].TTLAt.Before(expired[j].TTLAt)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	for _, record := range expired {
		delete(s.records, record.Key)
	}
	return len(expired), nil
}

func (s *idempotencyStore) finish(key string, status domain.IdempotencyStatus, responseBody []byte, code int) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	record.Status = status
	record.ResponseBody = append([]byte(nil), responseBody...)
	record.ResponseCode = code
	record.UpdatedAt = s.clock.Now().UTC()
	s.records[key] = record
	return nil
}

func copyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.ResponseBody = append([]byte(nil), src.ResponseBody...)
	return dst
}

var _ domain.IdempotencyRepository = (*idempotencyStore)(nil)
