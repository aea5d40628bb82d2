package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

// StorageDriver выбирает реализацию репозиториев.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

// Config описывает настройки запуска приложения.
type Config struct {
	GRPCAddr    string
	MetricsAddr string
	LogLevel    string

	StorageDriver        StorageDriver
	PostgresDSN          string
	PostgresAutoMigrate  bool
	PostgresMaxOpenConns int

	// RedisAddr включает Redis как хранилище idempotency-ключей.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// KafkaBrokers включает доставку исходов платежей и outbox через Kafka.
	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string

	OutcomeQueueSize     int
	ReconcileConcurrency int
	ReconcileMaxAttempts int
	ReconcileBaseDelay   time.Duration
	ReconcileMaxDelay    time.Duration
	ReplayInterval       time.Duration
	ReplayBatchSize      int
	// BacklogDegradedThreshold: сколько pending failed reconciliations допустимо до degraded.
	BacklogDegradedThreshold int

	PaymentTTL            time.Duration
	PaymentSweepInterval  time.Duration
	SimulatorDelay        time.Duration
	SimulatorSuccessRatio float64
	GatewayMaxFailures    int
	GatewayResetTimeout   time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	// SeedProducts заводятся в складе при старте, если их ещё нет.
	SeedProducts []domain.Product
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		LogLevel:    "info",

		StorageDriver:        StorageDriverMemory,
		PostgresAutoMigrate:  true,
		PostgresMaxOpenConns: 20,

		KafkaClientID: "shopcore",
		KafkaGroupID:  "shopcore-reconciler",

		OutcomeQueueSize:         1024,
		ReconcileConcurrency:     16,
		ReconcileMaxAttempts:     5,
		ReconcileBaseDelay:       time.Second,
		ReconcileMaxDelay:        30 * time.Second,
		ReplayInterval:           time.Minute,
		ReplayBatchSize:          100,
		BacklogDegradedThreshold: 0,

		PaymentTTL:            30 * time.Minute,
		PaymentSweepInterval:  30 * time.Second,
		SimulatorDelay:        2 * time.Second,
		SimulatorSuccessRatio: 0.9,
		GatewayMaxFailures:    5,
		GatewayResetTimeout:   30 * time.Second,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
	}
}

// LoadConfig читает .env-файлы (по умолчанию ./.env, если он есть), затем
// переменные окружения поверх DefaultConfig. Уже заданные переменные окружения
// .env не перезаписывает.
func LoadConfig(envFiles ...string) (Config, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	r := envReader{}

	cfg.GRPCAddr = r.str("SHOP_GRPC_ADDR", cfg.GRPCAddr)
	cfg.MetricsAddr = r.str("SHOP_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = r.str("SHOP_LOG_LEVEL", cfg.LogLevel)

	cfg.PostgresDSN = r.str("SHOP_POSTGRES_DSN", cfg.PostgresDSN)
	driver := r.str("SHOP_STORAGE_DRIVER", "")
	switch {
	case driver != "":
		cfg.StorageDriver = StorageDriver(strings.ToLower(driver))
	case cfg.PostgresDSN != "":
		cfg.StorageDriver = StorageDriverPostgres
	}
	cfg.PostgresAutoMigrate = r.boolean("SHOP_POSTGRES_AUTO_MIGRATE", cfg.PostgresAutoMigrate)
	cfg.PostgresMaxOpenConns = r.integer("SHOP_POSTGRES_MAX_OPEN_CONNS", cfg.PostgresMaxOpenConns)

	cfg.RedisAddr = r.str("SHOP_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = r.str("SHOP_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = r.integer("SHOP_REDIS_DB", cfg.RedisDB)

	cfg.KafkaBrokers = splitList(r.str("KAFKA_BROKERS", ""))
	cfg.KafkaClientID = r.str("SHOP_KAFKA_CLIENT_ID", cfg.KafkaClientID)
	cfg.KafkaGroupID = r.str("SHOP_KAFKA_GROUP_ID", cfg.KafkaGroupID)

	cfg.OutcomeQueueSize = r.integer("SHOP_OUTCOME_QUEUE_SIZE", cfg.OutcomeQueueSize)
	cfg.ReconcileConcurrency = r.integer("SHOP_RECONCILE_CONCURRENCY", cfg.ReconcileConcurrency)
	cfg.ReconcileMaxAttempts = r.integer("SHOP_RECONCILE_MAX_ATTEMPTS", cfg.ReconcileMaxAttempts)
	cfg.ReconcileBaseDelay = r.duration("SHOP_RECONCILE_BASE_DELAY", cfg.ReconcileBaseDelay)
	cfg.ReconcileMaxDelay = r.duration("SHOP_RECONCILE_MAX_DELAY", cfg.ReconcileMaxDelay)
	cfg.ReplayInterval = r.duration("SHOP_REPLAY_INTERVAL", cfg.ReplayInterval)
	cfg.ReplayBatchSize = r.integer("SHOP_REPLAY_BATCH_SIZE", cfg.ReplayBatchSize)
	cfg.BacklogDegradedThreshold = r.integer("SHOP_BACKLOG_DEGRADED_THRESHOLD", cfg.BacklogDegradedThreshold)

	cfg.PaymentTTL = r.duration("SHOP_PAYMENT_TTL", cfg.PaymentTTL)
	cfg.PaymentSweepInterval = r.duration("SHOP_PAYMENT_SWEEP_INTERVAL", cfg.PaymentSweepInterval)
	cfg.SimulatorDelay = r.duration("SHOP_SIMULATOR_DELAY", cfg.SimulatorDelay)
	cfg.SimulatorSuccessRatio = r.float("SHOP_SIMULATOR_SUCCESS_RATIO", cfg.SimulatorSuccessRatio)
	cfg.GatewayMaxFailures = r.integer("SHOP_GATEWAY_MAX_FAILURES", cfg.GatewayMaxFailures)
	cfg.GatewayResetTimeout = r.duration("SHOP_GATEWAY_RESET_TIMEOUT", cfg.GatewayResetTimeout)

	cfg.OutboxPollInterval = r.duration("SHOP_OUTBOX_POLL_INTERVAL", cfg.OutboxPollInterval)
	cfg.OutboxBatchSize = r.integer("SHOP_OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxAttempts = r.integer("SHOP_OUTBOX_MAX_ATTEMPTS", cfg.OutboxMaxAttempts)
	cfg.OutboxRetryDelay = r.duration("SHOP_OUTBOX_RETRY_DELAY", cfg.OutboxRetryDelay)

	cfg.IdempotencyTTL = r.duration("SHOP_IDEMPOTENCY_TTL", cfg.IdempotencyTTL)
	cfg.IdempotencyCleanupInterval = r.duration("SHOP_IDEMPOTENCY_CLEANUP_INTERVAL", cfg.IdempotencyCleanupInterval)
	cfg.IdempotencyCleanupBatchSize = r.integer("SHOP_IDEMPOTENCY_CLEANUP_BATCH_SIZE", cfg.IdempotencyCleanupBatchSize)

	if raw := r.str("SHOP_SEED_PRODUCTS", ""); raw != "" {
		products, err := ParseSeedProducts(raw)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("SHOP_SEED_PRODUCTS: %w", err))
		}
		cfg.SeedProducts = products
	}

	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("SHOP_POSTGRES_DSN is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.StorageDriver))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("SHOP_LOG_LEVEL: %w", err))
	}
	if c.SimulatorSuccessRatio < 0 || c.SimulatorSuccessRatio > 1 {
		errs = append(errs, fmt.Errorf("SHOP_SIMULATOR_SUCCESS_RATIO must be within [0, 1], got %v", c.SimulatorSuccessRatio))
	}
	if c.ReconcileMaxAttempts <= 0 {
		errs = append(errs, errors.New("SHOP_RECONCILE_MAX_ATTEMPTS must be > 0"))
	}
	if c.PaymentTTL <= 0 {
		errs = append(errs, errors.New("SHOP_PAYMENT_TTL must be > 0"))
	}
	return errors.Join(errs...)
}

func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// envReader копит ошибки разбора, чтобы сообщить обо всех сразу.
type envReader struct {
	errs []error
}

func (r *envReader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *envReader) integer(key string, def int) int {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (r *envReader) float(key string, def float64) float64 {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (r *envReader) boolean(key string, def bool) bool {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

// ParseSeedProducts разбирает список вида "id:name:price:stock,...",
// где price: десятичная сумма ("35.00").
func ParseSeedProducts(raw string) ([]domain.Product, error) {
	var (
		products []domain.Product
		errs     []error
	)
	for _, entry := range splitList(raw) {
		fields := strings.Split(entry, ":")
		if len(fields) != 4 {
			errs = append(errs, fmt.Errorf("entry %q: expected id:name:price:stock", entry))
			continue
		}
		price, err := decimal.NewFromString(fields[2])
		if err != nil || price.IsNegative() || !price.Equal(price.Round(2)) {
			errs = append(errs, fmt.Errorf("entry %q: invalid price %q", entry, fields[2]))
			continue
		}
		stock, err := strconv.ParseInt(fields[3], 10, 32)
		if err != nil || stock < 0 {
			errs = append(errs, fmt.Errorf("entry %q: invalid stock %q", entry, fields[3]))
			continue
		}
		products = append(products, domain.Product{
			ID:         strings.TrimSpace(fields[0]),
			Name:       strings.TrimSpace(fields[1]),
			PriceMinor: price.Shift(2).IntPart(),
			Stock:      int32(stock),
			Active:     true,
		})
	}
	return products, errors.Join(errs...)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
