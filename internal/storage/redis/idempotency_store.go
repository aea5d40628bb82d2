package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

const (
	defaultKeyPrefix = "shop:idem:"
	opTimeout        = 2 * time.Second
)

// Options описывает подключение к Redis.
type Options struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix отделяет ключи идемпотентности от прочих данных в том же инстансе.
	KeyPrefix string
}

// NewClient создаёт клиента с таймаутами операций.
func NewClient(opts Options) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})
}

// IdempotencyStore хранит ключи идемпотентности в Redis.
// Срок жизни записи задаётся TTL ключа, поэтому DeleteExpired ничего не удаляет.
type IdempotencyStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewIdempotencyStore создаёт Redis-реализацию domain.IdempotencyRepository.
func NewIdempotencyStore(client goredis.UniversalClient, keyPrefix string) *IdempotencyStore {
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &IdempotencyStore{client: client, prefix: keyPrefix}
}

// storedRecord: JSON-представление записи в Redis.
type storedRecord struct {
	RequestHash  string    `json:"request_hash"`
	ResponseBody []byte    `json:"response_body,omitempty"`
	ResponseCode int       `json:"response_code"`
	Status       string    `json:"status"`
	TTLAt        time.Time `json:"ttl_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *IdempotencyStore) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := time.Now().UTC()
	if ttlAt.IsZero() {
		ttlAt = now.Add(24 * time.Hour)
	}
	ttl := ttlAt.Sub(now)
	if ttl <= 0 {
		ttl = time.Second
	}

	record := domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	payload, err := encodeRecord(record)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	created, err := s.client.SetNX(ctx, s.redisKey(key), payload, ttl).Result()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record: %w", err)
	}
	if created {
		return record, nil
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	if existing.RequestHash != requestHash {
		return existing, domain.ErrIdempotencyHashMismatch
	}
	return existing, domain.ErrIdempotencyKeyAlreadyExists
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}
	return decodeRecord(key, raw)
}

func (s *IdempotencyStore) MarkDone(ctx context.Context, key string, responseBody []byte, code int) error {
	return s.markStatus(ctx, key, domain.IdempotencyStatusDone, responseBody, code)
}

func (s *IdempotencyStore) MarkFailed(ctx context.Context, key string, responseBody []byte, code int) error {
	return s.markStatus(ctx, key, domain.IdempotencyStatusFailed, responseBody, code)
}

// DeleteExpired: Redis удаляет ключи сам по TTL.
func (s *IdempotencyStore) DeleteExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

// Ping проверяет доступность Redis (используется readiness-проверкой).
func (s *IdempotencyStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *IdempotencyStore) markStatus(ctx context.Context, key string, status domain.IdempotencyStatus, body []byte, code int) error {
	record, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	record.Status = status
	record.ResponseBody = append([]byte(nil), body...)
	record.ResponseCode = code
	record.UpdatedAt = time.Now().UTC()

	payload, err := encodeRecord(record)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// XX + KEEPTTL: запись обновляется только пока ключ жив и не продлевает его срок.
	err = s.client.SetArgs(ctx, s.redisKey(record.Key), payload, goredis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if errors.Is(err, goredis.Nil) {
		return domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("mark idempotency %s: %w", status, err)
	}
	return nil
}

func (s *IdempotencyStore) redisKey(key string) string {
	return s.prefix + key
}

func encodeRecord(record domain.IdempotencyRecord) ([]byte, error) {
	payload, err := json.Marshal(storedRecord{
		RequestHash:  record.RequestHash,
		ResponseBody: record.ResponseBody,
		ResponseCode: record.ResponseCode,
		Status:       string(record.Status),
		TTLAt:        record.TTLAt,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode idempotency record: %w", err)
	}
	return payload, nil
}

func decodeRecord(key string, raw []byte) (domain.IdempotencyRecord, error) {
	var stored storedRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	return domain.IdempotencyRecord{
		Key:          key,
		RequestHash:  stored.RequestHash,
		ResponseBody: stored.ResponseBody,
		ResponseCode: stored.ResponseCode,
		Status:       domain.IdempotencyStatus(stored.Status),
		TTLAt:        stored.TTLAt,
		CreatedAt:    stored.CreatedAt,
		UpdatedAt:    stored.UpdatedAt,
	}, nil
}

var _ domain.IdempotencyRepository = (*IdempotencyStore)(nil)
