// Command reconcile-replay: операторская утилита повторной сверки.
//
// Источник store перечитывает pending-записи FailedReconciliation из Postgres
// и применяет их через координатор. Источник dlq сканирует dead-letter топик
// Kafka и переотправляет исходы платежей и события outbox в исходные топики.
// По умолчанию работает в режиме dry-run; -execute применяет изменения.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/shopcore/internal/service/reconcile"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/postgres"
)

const (
	sourceStore = "store"
	sourceDLQ   = "dlq"

	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	defaultTimeout     = 5 * time.Minute
)

type config struct {
	source      string
	dsn         string
	brokers     []string
	dlqTopic    string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	_ = godotenv.Load()

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		fail("replay failed: %v", err)
	}
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	fs := flag.NewFlagSet("reconcile-replay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.source, "source", sourceStore, "replay source: store|dlq")
	fs.StringVar(&cfg.dsn, "dsn", "", "PostgreSQL DSN for store source (fallback: SHOP_POSTGRES_DSN)")
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: KAFKA_BROKERS)")
	fs.StringVar(&cfg.dlqTopic, "dlq-topic", kafka.TopicDeadLetter, "dead-letter topic for dlq source")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of records/messages to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "dlq: scan latest messages first (bounded by limit)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "dlq: idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.source = strings.ToLower(strings.TrimSpace(cfg.source))
	if cfg.limit <= 0 {
		return config{}, errors.New("limit must be > 0")
	}

	switch cfg.source {
	case sourceStore:
		cfg.dsn = strings.TrimSpace(cfg.dsn)
		if cfg.dsn == "" {
			cfg.dsn = strings.TrimSpace(getenv("SHOP_POSTGRES_DSN"))
		}
		if cfg.dsn == "" {
			return config{}, errors.New("postgres dsn is required for store source (-dsn or SHOP_POSTGRES_DSN)")
		}
	case sourceDLQ:
		if strings.TrimSpace(brokersRaw) == "" {
			brokersRaw = getenv("KAFKA_BROKERS")
		}
		cfg.brokers = parseBrokers(brokersRaw)
		if len(cfg.brokers) == 0 {
			return config{}, errors.New("kafka brokers are required for dlq source (-brokers or KAFKA_BROKERS)")
		}
		if strings.TrimSpace(cfg.dlqTopic) == "" {
			return config{}, errors.New("dlq-topic is required")
		}
		if cfg.idleTimeout <= 0 {
			return config{}, errors.New("idle-timeout must be > 0")
		}
	default:
		return config{}, fmt.Errorf("unsupported source: %s (use store|dlq)", cfg.source)
	}

	return cfg, nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		broker := strings.TrimSpace(chunk)
		if broker == "" {
			continue
		}
		brokers = append(brokers, broker)
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source":  cfg.source,
		"limit":   cfg.limit,
		"execute": cfg.execute,
	}).Info("starting reconciliation replay")

	if cfg.source == sourceDLQ {
		return runDLQ(ctx, cfg)
	}
	return runStore(ctx, cfg)
}

func runStore(ctx context.Context, cfg config) error {
	store, err := postgres.Open(ctx, cfg.dsn, postgres.PoolConfig{MaxOpenConns: 4})
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	failures := postgres.NewReconciliationFailureRepository(store)
	coordinator := reconcile.NewCoordinator(postgres.NewOrderRepository(store), failures,
		reconcile.WithLogger(log.WithField("component", "reconcile-replay")),
	)

	report, err := replayStore(ctx, coordinator, failures, cfg)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"mode":     mode(cfg.execute),
		"scanned":  report.Scanned,
		"resolved": report.Resolved,
		"pending":  report.Pending,
	}).Info("reconciliation replay finished")
	return nil
}

// replayStore: один проход Replayer с параметрами CLI.
func replayStore(ctx context.Context, coordinator *reconcile.Coordinator, failures domain.ReconciliationFailureRepository, cfg config) (reconcile.ReplayReport, error) {
	replayer := reconcile.NewReplayer(coordinator, failures,
		reconcile.WithReplayLogger(log.WithField("component", "reconcile-replay")),
		reconcile.WithReplayBatchSize(cfg.limit),
		reconcile.WithDryRun(!cfg.execute),
	)
	return replayer.ReplayOnce(ctx)
}

func mode(execute bool) string {
	if execute {
		return "execute"
	}
	return "dry-run"
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
