// Package kafka: транспорт событий через Kafka: исходы платежей,
// события заказов из outbox и dead-letter.
package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

// Topics
const (
	TopicOrderEvents     = "shop.order.events"
	TopicPaymentOutcomes = "shop.payment.outcomes"
	TopicDeadLetter      = "shop.dlq"
)

// Headers для retry и dead-letter
const (
	HeaderEventType     = "x-event-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// DeadLetter: содержимое сообщения в TopicDeadLetter.
type DeadLetter struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}

// ParseOutcome декодирует событие исхода платежа из сообщения.
func ParseOutcome(message *sarama.ConsumerMessage) (domain.PaymentOutcomeEvent, error) {
	var event domain.PaymentOutcomeEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return event, fmt.Errorf("unmarshal payment outcome: %w", err)
	}
	return event, nil
}

// ParseDeadLetter декодирует сообщение из TopicDeadLetter.
func ParseDeadLetter(message *sarama.ConsumerMessage) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(message.Value, &dl); err != nil {
		return dl, fmt.Errorf("unmarshal dead letter: %w", err)
	}
	return dl, nil
}
