package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/memory"
)

type failingOutbox struct {
	domain.OutboxRepository
}

func (failingOutbox) Enqueue(domain.OutboxMessage) (domain.OutboxMessage, error) {
	return domain.OutboxMessage{}, errors.New("outbox down")
}

func TestRecorderEmitWritesPayload(t *testing.T) {
	outbox := memory.NewOutboxRepository()
	r := NewRecorder(outbox, nil, nil, nil)

	order := domain.Order{ID: "o-1", OrderNumber: "ORD-1", Status: domain.OrderStatusPaid, Version: 2, UpdatedAt: time.Now().UTC()}
	r.Emit(order, domain.OutboxEventOrderPaid, map[string]any{"payment_number": "PAY-1"})

	pending, err := outbox.PullPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, AggregateOrder, pending[0].AggregateType)
	assert.Equal(t, domain.OutboxEventOrderPaid, pending[0].EventType)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	assert.Equal(t, "o-1", payload["order_id"])
	assert.Equal(t, "PAID", payload["status"])
	assert.Equal(t, "PAY-1", payload["payment_number"])
}

func TestRecorderTimeline(t *testing.T) {
	timeline := memory.NewTimelineRepository()
	r := NewRecorder(nil, timeline, nil, nil)

	r.Timeline("o-1", domain.TimelineOrderCancelled, "customer request", time.Time{})

	events, err := timeline.List("o-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "customer request", events[0].Reason)
	assert.False(t, events[0].Occurred.IsZero())
}

func TestRecorderToleratesFailuresAndNil(t *testing.T) {
	r := NewRecorder(failingOutbox{}, nil, nil, nil)
	assert.NotPanics(t, func() {
		r.Emit(domain.Order{ID: "o-1"}, domain.OutboxEventOrderCreated, nil)
		r.Timeline("o-1", domain.TimelineOrderCreated, "", time.Now())
	})

	var nilRecorder *Recorder
	assert.NotPanics(t, func() {
		nilRecorder.Emit(domain.Order{ID: "o-1"}, domain.OutboxEventOrderCreated, nil)
		nilRecorder.Timeline("o-1", domain.TimelineOrderCreated, "", time.Now())
	})
}
