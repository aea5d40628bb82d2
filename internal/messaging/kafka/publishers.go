package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

// OutcomePublisher отправляет исходы платежей в TopicPaymentOutcomes.
// Ключ: ID заказа, поэтому исходы одного заказа попадают в одну партицию по порядку.
type OutcomePublisher struct {
	producer *Producer
	topic    string
}

// NewOutcomePublisher создаёт publisher исходов.
func NewOutcomePublisher(producer *Producer, topic string) *OutcomePublisher {
	if topic == "" {
		topic = TopicPaymentOutcomes
	}
	return &OutcomePublisher{producer: producer, topic: topic}
}

// Publish отправляет событие. ctx проверяется до отправки: sarama.SyncProducer его не принимает.
func (p *OutcomePublisher) Publish(ctx context.Context, event domain.PaymentOutcomeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}
	return p.producer.PublishEvent(p.topic, event.OrderID, event, header(HeaderEventType, string(event.Outcome)))
}

// OutboxPublisher публикует outbox-сообщения заказов.
type OutboxPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type outboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// Publish отправляет сообщение с ключом aggregate_id.
func (p *OutboxPublisher) Publish(msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	return p.producer.PublishEvent(p.topic, key, outboxEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   p.now(),
	}, header(HeaderEventType, msg.EventType))
}

var (
	_ domain.OutcomePublisher = (*OutcomePublisher)(nil)
	_ domain.OutboxPublisher  = (*OutboxPublisher)(nil)
)
