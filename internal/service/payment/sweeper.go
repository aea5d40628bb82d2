package payment

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultSweepInterval  = 30 * time.Second
	defaultSweepBatchSize = 100
)

// SweeperOptions задаёт параметры ExpirySweeper.
type SweeperOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
}

// SweeperOption настраивает ExpirySweeper.
type SweeperOption func(*SweeperOptions)

// WithSweeperLogger задаёт logger.
func WithSweeperLogger(logger *log.Entry) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Logger = logger
	}
}

// WithSweepInterval задаёт период запуска sweep.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Interval = interval
	}
}

// WithSweepBatchSize задаёт размер батча.
func WithSweepBatchSize(batchSize int) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.BatchSize = batchSize
	}
}

// ExpirySweeper переводит просроченные платежи в CANCELLED.
// Остатки не трогает: их возвращает только отмена заказа.
type ExpirySweeper struct {
	service   *Service
	logger    *log.Entry
	interval  time.Duration
	batchSize int
}

// NewExpirySweeper создаёт sweeper.
func NewExpirySweeper(service *Service, options ...SweeperOption) *ExpirySweeper {
	opts := SweeperOptions{
		Interval:  defaultSweepInterval,
		BatchSize: defaultSweepBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "payment-expiry-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatchSize
	}

	return &ExpirySweeper{
		service:   service,
		logger:    logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
	}
}

// Run запускает периодический sweep до отмены ctx.
func (w *ExpirySweeper) Run(ctx context.Context) {
	if w.service == nil {
		w.logger.Warn("payment expiry sweeper is disabled: service is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.SweepOnce(ctx)
		}
	}
}

// SweepOnce отменяет просроченные платежи батчами и возвращает их число.
func (w *ExpirySweeper) SweepOnce(ctx context.Context) int {
	expired := 0
	for ctx.Err() == nil {
		batch, err := w.service.payments.ListExpiredPending(ctx, w.service.clock.Now(), w.batchSize)
		if err != nil {
			w.logger.WithError(err).Warn("failed to list expired payments")
			return expired
		}
		if len(batch) == 0 {
			break
		}

		progressed := 0
		for _, p := range batch {
			if err := w.service.expire(ctx, p); err != nil {
				w.logger.WithError(err).WithField("payment_number", p.PaymentNumber).Warn("failed to expire payment")
				continue
			}
			progressed++
		}
		expired += progressed
		if progressed == 0 || len(batch) < w.batchSize {
			break
		}
	}

	if expired > 0 {
		w.logger.WithField("expired", expired).Info("expired payments cancelled")
	}
	return expired
}
