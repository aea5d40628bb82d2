package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/messaging/kafka"
)

type replayMessage struct {
	topic string
	key   string
	value []byte
}

// outboxDeadLetter: конверт события outbox, отправленного в dead-letter.
type outboxDeadLetter struct {
	ID          string `json:"id"`
	AggregateID string `json:"aggregate_id"`
	Payload     struct {
		OutboxID      string          `json:"outbox_id"`
		AggregateType string          `json:"aggregate_type"`
		AggregateID   string          `json:"aggregate_id"`
		EventType     string          `json:"event_type"`
		Payload       json.RawMessage `json:"payload"`
	} `json:"payload"`
}

type replayEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type replayPublisher interface {
	PublishRaw(topic, key string, value []byte, headers ...sarama.RecordHeader) error
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

var newDLQDependencies = func(cfg config) (offsetClient, partitionConsumerSource, replayPublisher, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := saramaConsumerAdapter{consumer: rawConsumer}

	if !cfg.execute {
		return client, consumer, nil, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, "shopcore-reconcile-replay")
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, err
	}
	return client, consumer, producer, nil
}

type dlqStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *dlqStats) add(other dlqStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
}

func runDLQ(ctx context.Context, cfg config) error {
	client, consumer, publisher, err := newDLQDependencies(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if publisher != nil {
			_ = publisher.Close()
		}
		if consumer != nil {
			_ = consumer.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}()

	stats, err := scanDLQ(ctx, cfg, client, consumer, publisher)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"mode":      mode(cfg.execute),
		"processed": stats.processed,
		"replayed":  stats.replayed,
		"skipped":   stats.skipped,
	}).Info("dlq replay finished")
	return nil
}

func scanDLQ(ctx context.Context, cfg config, client offsetClient, consumer partitionConsumerSource, publisher replayPublisher) (dlqStats, error) {
	var total dlqStats
	if client == nil || consumer == nil {
		return total, fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && publisher == nil {
		return total, fmt.Errorf("publisher is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.dlqTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", cfg.dlqTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if total.processed >= cfg.limit {
			break
		}
		stats, err := scanPartition(ctx, cfg, client, consumer, publisher, partition, cfg.limit-total.processed)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func scanPartition(
	ctx context.Context,
	cfg config,
	client offsetClient,
	consumer partitionConsumerSource,
	publisher replayPublisher,
	partition int32,
	limit int,
) (dlqStats, error) {
	var stats dlqStats

	oldest, err := client.GetOffset(cfg.dlqTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.dlqTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if cfg.fromNewest && newest-int64(limit) > oldest {
		start = newest - int64(limit)
	}

	pc, err := consumer.ConsumePartition(cfg.dlqTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case cerr := <-pc.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case <-idle.C:
			return stats, nil
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(cfg.idleTimeout)
			stats.processed++

			logger := log.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})
			replay, ok, err := extractReplayMessage(msg)
			if err != nil || !ok {
				stats.skipped++
				if err != nil {
					logger.WithError(err).Warn("skip unsupported dlq message")
				}
			} else if cfg.execute {
				if err := publisher.PublishRaw(replay.topic, replay.key, replay.value); err != nil {
					return stats, fmt.Errorf("publish replay message: %w", err)
				}
				stats.replayed++
			} else {
				logger.WithFields(log.Fields{
					"target_topic": replay.topic,
					"key":          replay.key,
				}).Info("dry-run: dlq replay candidate")
				stats.replayed++
			}

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// extractReplayMessage восстанавливает исходное сообщение из dead-letter.
// Исходы платежей проверяются на валидность до переотправки.
func extractReplayMessage(msg *sarama.ConsumerMessage) (replayMessage, bool, error) {
	dl, err := kafka.ParseDeadLetter(msg)
	if err == nil && dl.OriginalValue != "" {
		topic := strings.TrimSpace(dl.OriginalTopic)
		if topic == "" {
			topic = kafka.TopicPaymentOutcomes
		}
		if topic == kafka.TopicPaymentOutcomes {
			var event domain.PaymentOutcomeEvent
			if err := json.Unmarshal([]byte(dl.OriginalValue), &event); err != nil {
				return replayMessage{}, false, fmt.Errorf("decode payment outcome: %w", err)
			}
			if err := event.Validate(); err != nil {
				return replayMessage{}, false, fmt.Errorf("invalid payment outcome: %w", err)
			}
		}
		return replayMessage{topic: topic, key: dl.OriginalKey, value: []byte(dl.OriginalValue)}, true, nil
	}

	var dead outboxDeadLetter
	if err := json.Unmarshal(msg.Value, &dead); err != nil || len(dead.Payload.Payload) == 0 {
		return replayMessage{}, false, nil
	}

	replay := replayEnvelope{
		ID:            firstNonEmpty(dead.Payload.OutboxID, dead.ID),
		AggregateType: dead.Payload.AggregateType,
		AggregateID:   firstNonEmpty(dead.Payload.AggregateID, dead.AggregateID),
		EventType:     dead.Payload.EventType,
		Payload:       dead.Payload.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(replay)
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}
	return replayMessage{
		topic: kafka.TopicOrderEvents,
		key:   firstNonEmpty(replay.AggregateID, replay.ID),
		value: encoded,
	}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
