package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/metrics"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/memory"
)

func loggerForTests() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("component", "outbox-test")
}

type stubPublisher struct {
	mu        sync.Mutex
	err       error
	sequence  []error
	published []domain.OutboxMessage
	callCount int
}

func (s *stubPublisher) Publish(msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	err := s.err
	if len(s.sequence) > 0 {
		err = s.sequence[0]
		s.sequence = s.sequence[1:]
	}
	if err == nil {
		s.published = append(s.published, msg)
	}
	return err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func enqueue(t *testing.T, repo domain.OutboxRepository, eventType, orderID string) domain.OutboxMessage {
	t.Helper()
	msg, err := repo.Enqueue(domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       []byte(`{"order_id":"` + orderID + `"}`),
	})
	require.NoError(t, err)
	return msg
}

func TestRelayPublishesInOrderAndMarksSent(t *testing.T) {
	repo := memory.NewOutboxRepository()
	enqueue(t, repo, domain.OutboxEventOrderCreated, "order-1")
	enqueue(t, repo, domain.OutboxEventOrderPaid, "order-1")
	publisher := &stubPublisher{}
	m := metrics.NewBackgroundMetricsWithRegisterer(prometheus.NewRegistry())

	relay := NewRelay(repo, publisher, WithLogger(loggerForTests()), WithMetrics(m), WithRetryBaseDelay(0))
	sent := relay.RelayOnce(context.Background())

	assert.Equal(t, 2, sent)
	require.Len(t, publisher.published, 2)
	assert.Equal(t, domain.OutboxEventOrderCreated, publisher.published[0].EventType)
	assert.Equal(t, domain.OutboxEventOrderPaid, publisher.published[1].EventType)

	stats, err := repo.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
}

func TestRelayRetriesThenSucceeds(t *testing.T) {
	repo := memory.NewOutboxRepository()
	enqueue(t, repo, domain.OutboxEventOrderPaid, "order-3")
	publisher := &stubPublisher{sequence: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil}}

	relay := NewRelay(repo, publisher, WithLogger(loggerForTests()), WithRetryBaseDelay(0), WithMaxAttempts(3))

	assert.Equal(t, 1, relay.RelayOnce(context.Background()))
	assert.Equal(t, 3, publisher.calls())
}

func TestRelayDeadLettersAfterRetries(t *testing.T) {
	repo := memory.NewOutboxRepository()
	original := enqueue(t, repo, domain.OutboxEventOrderCancelled, "order-2")
	publisher := &stubPublisher{err: errors.New("broker down")}
	deadLetter := &stubPublisher{}
	m := metrics.NewBackgroundMetricsWithRegisterer(prometheus.NewRegistry())

	relay := NewRelay(repo, publisher,
		WithLogger(loggerForTests()),
		WithMetrics(m),
		WithDeadLetter(deadLetter),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	assert.Zero(t, relay.RelayOnce(context.Background()))
	assert.Equal(t, 3, publisher.calls())
	require.Len(t, deadLetter.published, 1)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(deadLetter.published[0].Payload, &envelope))
	assert.Equal(t, original.ID, envelope["outbox_id"])
	assert.Contains(t, envelope["publish_error"], "broker down")

	// failed-сообщения больше не выбираются
	pending, err := repo.PullPending(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRelayBacklogMetrics(t *testing.T) {
	repo := memory.NewOutboxRepository()
	enqueue(t, repo, domain.OutboxEventOrderCreated, "order-1")
	registry := prometheus.NewRegistry()
	m := metrics.NewBackgroundMetricsWithRegisterer(registry)

	relay := NewRelay(repo, &stubPublisher{err: errors.New("down")}, WithLogger(loggerForTests()), WithMetrics(m), WithRetryBaseDelay(0), WithMaxAttempts(1))
	relay.RelayOnce(context.Background())

	count, err := testutil.GatherAndCount(registry, "shop_outbox_pending_records")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRelayBackoffIsCapped(t *testing.T) {
	relay := NewRelay(nil, nil, WithRetryBaseDelay(time.Second))
	assert.Equal(t, time.Second, relay.backoff(1))
	assert.Equal(t, 4*time.Second, relay.backoff(3))
	assert.Equal(t, 30*time.Second, relay.backoff(20))
}

func TestRelayRunStopsOnContextCancel(t *testing.T) {
	relay := NewRelay(memory.NewOutboxRepository(), &stubPublisher{}, WithLogger(loggerForTests()), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		relay.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on context cancel")
	}
}
