package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/health"
	"github.com/vladislavdragonenkov/shopcore/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/shopcore/internal/metrics"
	"github.com/vladislavdragonenkov/shopcore/internal/service/events"
	"github.com/vladislavdragonenkov/shopcore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/shopcore/internal/service/inventory"
	"github.com/vladislavdragonenkov/shopcore/internal/service/order"
	"github.com/vladislavdragonenkov/shopcore/internal/service/outbox"
	"github.com/vladislavdragonenkov/shopcore/internal/service/payment"
	"github.com/vladislavdragonenkov/shopcore/internal/service/reconcile"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/memory"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/postgres"
	shopredis "github.com/vladislavdragonenkov/shopcore/internal/storage/redis"
	"github.com/vladislavdragonenkov/shopcore/internal/version"
)

// Repositories: набор хранилищ одного драйвера.
type Repositories struct {
	Products    domain.ProductStore
	Orders      domain.OrderRepository
	Payments    domain.PaymentRepository
	Failures    domain.ReconciliationFailureRepository
	Outbox      domain.OutboxRepository
	Timeline    domain.TimelineRepository
	Idempotency domain.IdempotencyRepository
}

// Dependencies содержит все собранные компоненты приложения.
type Dependencies struct {
	Config Config
	Logger *log.Entry
	Repos  Repositories

	ConsistencyMetrics *metrics.ConsistencyMetrics
	BackgroundMetrics  *metrics.BackgroundMetrics

	Orders      *order.Service
	Payments    *payment.Service
	Reconciler  *reconcile.Coordinator
	Replayer    *reconcile.Replayer
	Sweeper     *payment.ExpirySweeper
	Simulator   *payment.Simulator
	Relay       *outbox.Relay
	Cleanup     *idempotency.CleanupWorker
	Health      *health.Handler
	OutcomeSink domain.OutcomePublisher

	// Ровно один из путей доставки исходов: очередь в памяти или Kafka.
	Queue      *reconcile.Queue
	Dispatcher *reconcile.Dispatcher
	Consumer   *kafka.Consumer
	Producer   *kafka.Producer

	closers []func() error
}

// NewDependencies собирает приложение по конфигурации. При ошибке всё уже
// открытое закрывается.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	deps := &Dependencies{
		Config:             cfg,
		Logger:             logger,
		ConsistencyMetrics: metrics.NewConsistencyMetrics(),
		BackgroundMetrics:  metrics.NewBackgroundMetrics(),
		Health:             health.NewHandler(version.GetVersion()),
	}

	steps := []func(context.Context) error{
		deps.initStorage,
		deps.initIdempotencyStore,
		func(context.Context) error { return deps.initKafka() },
		deps.seedProducts,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			deps.Close()
			return nil, err
		}
	}
	deps.initServices()
	return deps, nil
}

// seedProducts заводит товары из конфигурации; остаток существующих не меняется.
func (d *Dependencies) seedProducts(ctx context.Context) error {
	for _, product := range d.Config.SeedProducts {
		stored, err := d.Repos.Products.Upsert(ctx, product)
		if err != nil {
			return fmt.Errorf("seed product %s: %w", product.ID, err)
		}
		d.Logger.WithFields(log.Fields{
			"product_id": stored.ID,
			"stock":      stored.Stock,
		}).Info("product seeded")
	}
	return nil
}

func (d *Dependencies) initStorage(ctx context.Context) error {
	switch d.Config.StorageDriver {
	case StorageDriverPostgres:
		store, err := postgres.Open(ctx, d.Config.PostgresDSN, postgres.PoolConfig{MaxOpenConns: d.Config.PostgresMaxOpenConns})
		if err != nil {
			return err
		}
		d.closers = append(d.closers, store.Close)

		if d.Config.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
		}
		d.Repos = Repositories{
			Products:    postgres.NewProductStore(store),
			Orders:      postgres.NewOrderRepository(store),
			Payments:    postgres.NewPaymentRepository(store),
			Failures:    postgres.NewReconciliationFailureRepository(store),
			Outbox:      postgres.NewOutboxRepository(store),
			Timeline:    postgres.NewTimelineRepository(store),
			Idempotency: postgres.NewIdempotencyRepository(store),
		}
		d.Health.RegisterChecker("postgres", health.NewPingChecker("postgres", store))
		d.Logger.Info("postgres storage initialized")
	case StorageDriverMemory, "":
		d.Repos = Repositories{
			Products:    memory.NewProductStore(),
			Orders:      memory.NewOrderRepository(),
			Payments:    memory.NewPaymentRepository(),
			Failures:    memory.NewReconciliationFailureRepository(),
			Outbox:      memory.NewOutboxRepository(),
			Timeline:    memory.NewTimelineRepository(),
			Idempotency: memory.NewIdempotencyRepository(),
		}
		d.Logger.Info("in-memory storage initialized")
	default:
		return fmt.Errorf("unknown storage driver %q", d.Config.StorageDriver)
	}

	d.Health.RegisterChecker("reconciliation_backlog", health.NewBacklogChecker(
		"reconciliation_backlog", d.Repos.Failures.CountPending, d.Config.BacklogDegradedThreshold,
	))
	return nil
}

// initIdempotencyStore переносит ключи идемпотентности в Redis, если он настроен.
func (d *Dependencies) initIdempotencyStore(ctx context.Context) error {
	if d.Config.RedisAddr == "" {
		return nil
	}
	client := shopredis.NewClient(shopredis.Options{
		Addr:     d.Config.RedisAddr,
		Password: d.Config.RedisPassword,
		DB:       d.Config.RedisDB,
	})
	d.closers = append(d.closers, client.Close)

	store := shopredis.NewIdempotencyStore(client, "")
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	d.Repos.Idempotency = store
	d.Health.RegisterChecker("redis", health.NewPingChecker("redis", store))
	d.Logger.WithField("addr", d.Config.RedisAddr).Info("redis idempotency store initialized")
	return nil
}

func (d *Dependencies) initKafka() error {
	if len(d.Config.KafkaBrokers) == 0 {
		return nil
	}
	producer, err := kafka.NewProducer(d.Config.KafkaBrokers, d.Config.KafkaClientID)
	if err != nil {
		return err
	}
	d.Producer = producer
	d.closers = append(d.closers, producer.Close)
	d.Logger.WithField("brokers", d.Config.KafkaBrokers).Info("kafka producer initialized")
	return nil
}

func (d *Dependencies) initServices() {
	cfg := d.Config
	recorder := events.NewRecorder(d.Repos.Outbox, d.Repos.Timeline, d.Logger.WithField("layer", "events"), d.ConsistencyMetrics)

	d.Orders = order.NewService(d.Repos.Orders, d.Repos.Products,
		inventory.NewCoordinator(d.Repos.Products,
			inventory.WithLogger(d.Logger.WithField("layer", "inventory")),
			inventory.WithMetrics(d.ConsistencyMetrics),
		),
		order.WithLogger(d.Logger.WithField("layer", "orders")),
		order.WithMetrics(d.ConsistencyMetrics),
		order.WithEvents(recorder),
		order.WithTimeline(d.Repos.Timeline),
	)

	d.Reconciler = reconcile.NewCoordinator(d.Repos.Orders, d.Repos.Failures,
		reconcile.WithLogger(d.Logger.WithField("layer", "reconcile")),
		reconcile.WithMetrics(d.ConsistencyMetrics),
		reconcile.WithEvents(recorder),
		reconcile.WithRetryConfig(reconcile.RetryConfig{
			MaxAttempts:   cfg.ReconcileMaxAttempts,
			InitialDelay:  cfg.ReconcileBaseDelay,
			MaxDelay:      cfg.ReconcileMaxDelay,
			BackoffFactor: 2,
		}),
	)
	d.Replayer = reconcile.NewReplayer(d.Reconciler, d.Repos.Failures,
		reconcile.WithReplayLogger(d.Logger.WithField("layer", "replay")),
		reconcile.WithReplayMetrics(d.ConsistencyMetrics),
		reconcile.WithReplayInterval(cfg.ReplayInterval),
		reconcile.WithReplayBatchSize(cfg.ReplayBatchSize),
	)

	var outboxPublisher domain.OutboxPublisher = logPublisher{logger: d.Logger.WithField("layer", "outbox")}
	var relayOptions []outbox.Option
	if d.Producer != nil {
		d.OutcomeSink = kafka.NewOutcomePublisher(d.Producer, kafka.TopicPaymentOutcomes)
		outboxPublisher = kafka.NewOutboxPublisher(d.Producer, kafka.TopicOrderEvents)
		relayOptions = append(relayOptions, outbox.WithDeadLetter(kafka.NewOutboxPublisher(d.Producer, kafka.TopicDeadLetter)))
	} else {
		d.Queue = reconcile.NewQueue(cfg.OutcomeQueueSize)
		d.OutcomeSink = d.Queue
		d.Dispatcher = reconcile.NewDispatcher(d.Queue.Events(), d.Reconciler, cfg.ReconcileConcurrency, d.Logger.WithField("layer", "dispatcher"))
	}

	d.Relay = outbox.NewRelay(d.Repos.Outbox, outboxPublisher, append(relayOptions,
		outbox.WithLogger(d.Logger.WithField("layer", "outbox")),
		outbox.WithMetrics(d.BackgroundMetrics),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)...)

	d.Payments = payment.NewService(d.Repos.Orders, d.Repos.Payments, nil, d.OutcomeSink,
		payment.WithLogger(d.Logger.WithField("layer", "payments")),
		payment.WithMetrics(d.ConsistencyMetrics),
		payment.WithEvents(recorder),
		payment.WithFailures(d.Repos.Failures),
		payment.WithTTL(cfg.PaymentTTL),
	)
	d.Simulator = payment.NewSimulator(payment.SimulatorConfig{
		Delay:        cfg.SimulatorDelay,
		SuccessRatio: cfg.SimulatorSuccessRatio,
		QueueSize:    cfg.OutcomeQueueSize,
	}, d.Payments, d.Logger.WithField("layer", "gateway-simulator"))
	d.Payments.SetGateway(payment.NewGuardedGateway(d.Simulator,
		payment.NewCircuitBreaker(cfg.GatewayMaxFailures, cfg.GatewayResetTimeout, d.Logger.WithField("layer", "gateway-breaker")),
	))
	d.Sweeper = payment.NewExpirySweeper(d.Payments,
		payment.WithSweeperLogger(d.Logger.WithField("layer", "payment-sweeper")),
		payment.WithSweepInterval(cfg.PaymentSweepInterval),
	)

	d.Cleanup = idempotency.NewCleanupWorker(d.Repos.Idempotency,
		idempotency.WithLogger(d.Logger.WithField("layer", "idempotency-cleanup")),
		idempotency.WithMetrics(d.BackgroundMetrics),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
}

// NewOutcomeConsumer создаёт consumer исходов платежей; nil без Kafka.
func (d *Dependencies) NewOutcomeConsumer() (*kafka.Consumer, error) {
	if d.Producer == nil {
		return nil, nil
	}
	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: d.Config.KafkaBrokers,
		GroupID: d.Config.KafkaGroupID,
		Topics:  []string{kafka.TopicPaymentOutcomes},
	}, kafka.OutcomeHandler(d.Reconciler), d.Producer)
	if err != nil {
		return nil, err
	}
	d.Consumer = consumer
	return consumer, nil
}

// Close освобождает ресурсы в обратном порядке открытия.
func (d *Dependencies) Close() {
	if d == nil {
		return
	}
	if d.Queue != nil {
		d.Queue.Close()
	}
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	if err := errors.Join(errs...); err != nil {
		d.Logger.WithError(err).Warn("failed to close dependencies")
	}
}

// logPublisher: OutboxPublisher без брокера: события только логируются.
type logPublisher struct {
	logger *log.Entry
}

func (p logPublisher) Publish(msg domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"event_id":     msg.ID,
		"event_type":   msg.EventType,
		"aggregate_id": msg.AggregateID,
	}).Debug("outbox event published")
	return nil
}
