package domain

import (
	"context"
	"time"
)

// PaymentRequest: то, что ядро отдаёт платёжному шлюзу.
type PaymentRequest struct {
	OrderID       string
	PaymentNumber string
	AmountMinor   int64
	Currency      string
	Method        PaymentMethod
}

// PaymentGateway: непрозрачный внешний шлюз. Исход приходит позже, асинхронно.
type PaymentGateway interface {
	Initiate(ctx context.Context, req PaymentRequest) error
}

// OutcomePublisher передаёт исходы платежей координатору (канал или брокер).
type OutcomePublisher interface {
	Publish(ctx context.Context, event PaymentOutcomeEvent) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, code int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, code int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// Типы событий outbox.
const (
	OutboxEventOrderCreated   = "OrderCreated"
	OutboxEventOrderPaid      = "OrderPaid"
	OutboxEventOrderCancelled = "OrderCancelled"
	OutboxEventOrderShipped   = "OrderShipped"
	OutboxEventOrderDelivered = "OrderDelivered"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
