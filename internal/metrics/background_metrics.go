package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BackgroundMetrics: метрики фоновых воркеров (outbox relay, очистка idempotency-ключей)
// и повторов мутирующих вызовов по idempotency-key.
type BackgroundMetrics struct {
	idempotentReplays  prometheus.Counter
	outboxPublishes    *prometheus.CounterVec
	outboxPending      prometheus.Gauge
	outboxOldestAge    prometheus.Gauge
	cleanupRuns        *prometheus.CounterVec
	cleanupDeleted     prometheus.Counter
	cleanupLastDeleted prometheus.Gauge
}

// NewBackgroundMetrics регистрирует метрики в default registry.
func NewBackgroundMetrics() *BackgroundMetrics {
	return NewBackgroundMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewBackgroundMetricsWithRegisterer регистрирует метрики в переданном registerer.
func NewBackgroundMetricsWithRegisterer(registerer prometheus.Registerer) *BackgroundMetrics {
	return &BackgroundMetrics{
		idempotentReplays: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_idempotent_replays_total",
			Help: "Mutating calls answered from the idempotency store without re-execution.",
		}),
		outboxPublishes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_outbox_publish_attempts_total",
			Help: "Outbox publish attempts grouped by event type and result.",
		}, []string{"event_type", "result"}),
		outboxPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "shop_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox.",
		}),
		outboxOldestAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "shop_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record.",
		}),
		cleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_idempotency_cleanup_runs_total",
			Help: "Idempotency cleanup runs grouped by result.",
		}, []string{"result"}),
		cleanupDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records.",
		}),
		cleanupLastDeleted: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "shop_idempotency_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run.",
		}),
	}
}

// RecordOutboxPublish учитывает попытку публикации.
func (m *BackgroundMetrics) RecordOutboxPublish(eventType, result string) {
	if m == nil {
		return
	}
	m.outboxPublishes.WithLabelValues(eventType, result).Inc()
}

// SetOutboxBacklog обновляет глубину и возраст backlog outbox.
func (m *BackgroundMetrics) SetOutboxBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(pending))
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.outboxOldestAge.Set(oldestAge.Seconds())
}

// RecordCleanupRun учитывает проход очистки.
func (m *BackgroundMetrics) RecordCleanupRun(result string, deleted int) {
	if m == nil {
		return
	}
	m.cleanupRuns.WithLabelValues(result).Inc()
	if result != ResultOK {
		return
	}
	m.cleanupLastDeleted.Set(float64(deleted))
	if deleted > 0 {
		m.cleanupDeleted.Add(float64(deleted))
	}
}

// RecordIdempotentReplay учитывает ответ, отданный из idempotency-хранилища.
func (m *BackgroundMetrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.idempotentReplays.Inc()
}
