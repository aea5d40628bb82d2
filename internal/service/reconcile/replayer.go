package reconcile

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/clock"
	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/metrics"
)

const (
	defaultReplayInterval  = 5 * time.Minute
	defaultReplayBatchSize = 50
)

// ReplayReport: итог одного прохода replay.
type ReplayReport struct {
	Scanned  int
	Resolved int
	Pending  int
}

// ReplayerOptions задаёт параметры Replayer.
type ReplayerOptions struct {
	Logger    *log.Entry
	Metrics   *metrics.ConsistencyMetrics
	Clock     clock.Clock
	Interval  time.Duration
	BatchSize int
	DryRun    bool
}

// ReplayerOption настраивает Replayer.
type ReplayerOption func(*ReplayerOptions)

// WithReplayLogger задаёт logger.
func WithReplayLogger(logger *log.Entry) ReplayerOption {
	return func(opts *ReplayerOptions) { opts.Logger = logger }
}

// WithReplayMetrics задаёт метрики.
func WithReplayMetrics(m *metrics.ConsistencyMetrics) ReplayerOption {
	return func(opts *ReplayerOptions) { opts.Metrics = m }
}

// WithReplayClock подменяет источник времени.
func WithReplayClock(c clock.Clock) ReplayerOption {
	return func(opts *ReplayerOptions) { opts.Clock = c }
}

// WithReplayInterval задаёт период прохода.
func WithReplayInterval(interval time.Duration) ReplayerOption {
	return func(opts *ReplayerOptions) { opts.Interval = interval }
}

// WithReplayBatchSize задаёт число записей за проход.
func WithReplayBatchSize(batchSize int) ReplayerOption {
	return func(opts *ReplayerOptions) { opts.BatchSize = batchSize }
}

// WithDryRun только показывает записи, ничего не применяя.
func WithDryRun(dryRun bool) ReplayerOption {
	return func(opts *ReplayerOptions) { opts.DryRun = dryRun }
}

// Replayer повторно применяет записанные неудачные сверки.
// SUCCESS для отменённого заказа остаётся pending: его закрывает ручной возврат денег.
type Replayer struct {
	coordinator *Coordinator
	failures    domain.ReconciliationFailureRepository
	logger      *log.Entry
	metrics     *metrics.ConsistencyMetrics
	clock       clock.Clock
	interval    time.Duration
	batchSize   int
	dryRun      bool
}

// NewReplayer создаёт Replayer.
func NewReplayer(coordinator *Coordinator, failures domain.ReconciliationFailureRepository, options ...ReplayerOption) *Replayer {
	opts := ReplayerOptions{
		Interval:  defaultReplayInterval,
		BatchSize: defaultReplayBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "reconcile-replayer")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultReplayInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultReplayBatchSize
	}

	return &Replayer{
		coordinator: coordinator,
		failures:    failures,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		interval:    opts.Interval,
		batchSize:   opts.BatchSize,
		dryRun:      opts.DryRun,
	}
}

// Run запускает периодический replay до отмены ctx.
func (r *Replayer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.ReplayOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReplayOnce(ctx)
		}
	}
}

// ReplayOnce обрабатывает одну пачку pending-записей.
func (r *Replayer) ReplayOnce(ctx context.Context) (ReplayReport, error) {
	var report ReplayReport

	pending, err := r.failures.ListPending(ctx, r.batchSize)
	if err != nil {
		r.logger.WithError(err).Warn("failed to list pending reconciliations")
		return report, err
	}

	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++

		logger := r.logger.WithFields(log.Fields{
			"reconciliation_id": rec.ID,
			"order_id":          rec.OrderID,
			"payment_number":    rec.PaymentNumber,
			"outcome":           rec.Outcome,
			"attempts":          rec.Attempts,
		})

		if r.dryRun {
			logger.WithField("reason", rec.Reason).Info("dry-run: would replay reconciliation")
			report.Pending++
			continue
		}

		result, err := r.coordinator.Apply(ctx, rec.Event())
		if err != nil {
			logger.WithError(err).Warn("replay failed, record stays pending")
			report.Pending++
			continue
		}
		if result == ResultRefundRequired {
			logger.Info("order is cancelled, waiting for manual refund")
			report.Pending++
			continue
		}

		if err := r.failures.MarkResolved(ctx, rec.ID, r.clock.Now()); err != nil {
			logger.WithError(err).Warn("failed to mark reconciliation resolved")
			report.Pending++
			continue
		}
		report.Resolved++
		logger.WithField("result", result.String()).Info("reconciliation resolved by replay")
	}

	if count, err := r.failures.CountPending(ctx); err == nil {
		r.metrics.SetFailedReconciliationsPending(count)
	}
	return report, nil
}
