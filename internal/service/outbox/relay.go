// Package outbox доставляет события заказов из transactional outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/clock"
	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond

	resultSent       = "sent"
	resultRetryError = "retry_error"
	resultFailed     = "failed"
	resultDeadLetter = "dead_lettered"
)

// RelayOptions задаёт параметры Relay.
type RelayOptions struct {
	Logger         *log.Entry
	Metrics        *metrics.BackgroundMetrics
	Clock          clock.Clock
	DeadLetter     domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Option настраивает Relay.
type Option func(*RelayOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *RelayOptions) { opts.Logger = logger }
}

// WithMetrics задаёт метрики публикации и backlog.
func WithMetrics(m *metrics.BackgroundMetrics) Option {
	return func(opts *RelayOptions) { opts.Metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(c clock.Clock) Option {
	return func(opts *RelayOptions) { opts.Clock = c }
}

// WithDeadLetter задаёт publisher для сообщений, исчерпавших попытки.
func WithDeadLetter(publisher domain.OutboxPublisher) Option {
	return func(opts *RelayOptions) { opts.DeadLetter = publisher }
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *RelayOptions) { opts.PollInterval = interval }
}

// WithBatchSize задаёт размер пачки.
func WithBatchSize(batchSize int) Option {
	return func(opts *RelayOptions) { opts.BatchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации одного сообщения.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *RelayOptions) { opts.MaxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт базовую паузу exponential backoff.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *RelayOptions) { opts.RetryBaseDelay = delay }
}

// Relay публикует pending-сообщения outbox: OrderCreated, OrderPaid, OrderCancelled и т.д.
// Сообщение помечается sent только после подтверждения брокером.
type Relay struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	deadLetter     domain.OutboxPublisher
	logger         *log.Entry
	metrics        *metrics.BackgroundMetrics
	clock          clock.Clock
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// NewRelay создаёт Relay.
func NewRelay(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Relay {
	opts := RelayOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "outbox-relay")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}

	return &Relay{
		repo:           repo,
		publisher:      publisher,
		deadLetter:     opts.DeadLetter,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		clock:          opts.Clock,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
	}
}

// Run опрашивает outbox до отмены ctx.
func (r *Relay) Run(ctx context.Context) {
	if r.repo == nil || r.publisher == nil {
		r.logger.Warn("outbox relay is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.RelayOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RelayOnce(ctx)
		}
	}
}

// RelayOnce обрабатывает одну пачку и возвращает число отправленных сообщений.
func (r *Relay) RelayOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	defer r.refreshBacklog()

	messages, err := r.repo.PullPending(r.batchSize)
	if err != nil {
		r.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			return sent
		}

		logger := r.logger.WithFields(log.Fields{
			"outbox_id":    msg.ID,
			"event_type":   msg.EventType,
			"aggregate_id": msg.AggregateID,
		})

		if err := r.publishWithRetry(ctx, msg); err != nil {
			logger.WithError(err).Error("outbox publish failed after retries")
			r.metrics.RecordOutboxPublish(msg.EventType, resultFailed)

			if dlErr := r.publishDeadLetter(msg, err); dlErr != nil {
				logger.WithError(dlErr).Warn("failed to dead-letter outbox message")
			}
			if markErr := r.repo.MarkFailed(msg.ID); markErr != nil {
				logger.WithError(markErr).Warn("failed to mark outbox message as failed")
			}
			continue
		}

		if err := r.repo.MarkSent(msg.ID); err != nil {
			logger.WithError(err).Warn("failed to mark outbox message as sent")
			continue
		}
		sent++
	}
	return sent
}

func (r *Relay) publishWithRetry(ctx context.Context, msg domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.publisher.Publish(msg)
		if err == nil {
			r.metrics.RecordOutboxPublish(msg.EventType, resultSent)
			return nil
		}
		lastErr = err
		r.metrics.RecordOutboxPublish(msg.EventType, resultRetryError)

		if attempt == r.maxAttempts {
			break
		}
		delay := r.backoff(attempt)
		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", r.maxAttempts, lastErr)
}

func (r *Relay) backoff(attempt int) time.Duration {
	if r.retryBaseDelay <= 0 {
		return 0
	}
	const maxDelay = 30 * time.Second
	delay := r.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func (r *Relay) refreshBacklog() {
	stats, err := r.repo.Stats()
	if err != nil {
		r.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = r.clock.Now().Sub(stats.OldestPendingAt)
	}
	r.metrics.SetOutboxBacklog(stats.PendingCount, age)
}

// publishDeadLetter оборачивает исходное сообщение с причиной отказа.
func (r *Relay) publishDeadLetter(msg domain.OutboxMessage, publishErr error) error {
	if r.deadLetter == nil {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"outbox_id":        msg.ID,
		"aggregate_type":   msg.AggregateType,
		"aggregate_id":     msg.AggregateID,
		"event_type":       msg.EventType,
		"payload":          json.RawMessage(msg.Payload),
		"publish_error":    publishErr.Error(),
		"dead_lettered_at": r.clock.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	dead := msg
	dead.Payload = payload
	if err := r.deadLetter.Publish(dead); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	r.metrics.RecordOutboxPublish(msg.EventType, resultDeadLetter)
	return nil
}
