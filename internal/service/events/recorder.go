// Package events записывает события жизненного цикла заказа в outbox и timeline.
package events

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/metrics"
)

// AggregateOrder: тип агрегата для сообщений outbox.
const AggregateOrder = "order"

// Recorder пишет события; ошибки записи логируются и не прерывают бизнес-операцию.
// Нулевые outbox/timeline допустимы: соответствующая запись пропускается.
type Recorder struct {
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	logger   *log.Entry
	metrics  *metrics.ConsistencyMetrics
}

// NewRecorder создаёт Recorder.
func NewRecorder(outbox domain.OutboxRepository, timeline domain.TimelineRepository, logger *log.Entry, m *metrics.ConsistencyMetrics) *Recorder {
	if logger == nil {
		logger = log.New().WithField("component", "events")
	}
	return &Recorder{outbox: outbox, timeline: timeline, logger: logger, metrics: m}
}

// Emit ставит событие заказа в outbox. В payload всегда попадают order_id, status и version.
func (r *Recorder) Emit(order domain.Order, eventType string, payload map[string]any) {
	if r == nil || r.outbox == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["order_id"] = order.ID
	payload["order_number"] = order.OrderNumber
	payload["status"] = string(order.Status)
	payload["version"] = order.Version
	payload["ts"] = order.UpdatedAt.Format(time.RFC3339Nano)

	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: AggregateOrder,
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := r.outbox.Enqueue(msg); err != nil {
		r.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    eventType,
		}).Error("enqueue event failed")
		return
	}
	r.metrics.RecordOutboxEvent()
}

// Timeline добавляет запись в историю заказа.
func (r *Recorder) Timeline(orderID, eventType, reason string, at time.Time) {
	if r == nil || r.timeline == nil {
		return
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	event := domain.TimelineEvent{
		OrderID:  orderID,
		Type:     eventType,
		Reason:   reason,
		Occurred: at,
	}
	if err := r.timeline.Append(event); err != nil {
		r.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"event":    eventType,
		}).Warn("append timeline event failed")
		return
	}
	r.metrics.RecordTimelineEvent()
}
