package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearShopEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "SHOP_") || key == "KAFKA_BROKERS" {
			t.Setenv(key, "")
			_ = os.Unsetenv(key)
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearShopEnv(t)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, StorageDriverMemory, cfg.StorageDriver)
	assert.Equal(t, 5, cfg.ReconcileMaxAttempts)
	assert.Equal(t, time.Second, cfg.ReconcileBaseDelay)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	clearShopEnv(t)
	t.Setenv("SHOP_GRPC_ADDR", ":6000")
	t.Setenv("SHOP_POSTGRES_DSN", "postgres://shop@localhost/shop")
	t.Setenv("SHOP_REDIS_ADDR", "localhost:6379")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SHOP_RECONCILE_MAX_ATTEMPTS", "3")
	t.Setenv("SHOP_PAYMENT_TTL", "15m")
	t.Setenv("SHOP_SIMULATOR_SUCCESS_RATIO", "0.5")
	t.Setenv("SHOP_SEED_PRODUCTS", "sku-1:Mug:12.50:10,sku-2:Tee:20:3")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.GRPCAddr)
	assert.Equal(t, StorageDriverPostgres, cfg.StorageDriver, "dsn implies postgres driver")
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.ReconcileMaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.PaymentTTL)
	assert.InDelta(t, 0.5, cfg.SimulatorSuccessRatio, 1e-9)

	require.Len(t, cfg.SeedProducts, 2)
	assert.Equal(t, int64(1250), cfg.SeedProducts[0].PriceMinor)
	assert.Equal(t, int32(10), cfg.SeedProducts[0].Stock)
	assert.Equal(t, int64(2000), cfg.SeedProducts[1].PriceMinor)
	assert.True(t, cfg.SeedProducts[1].Active)
}

func TestLoadConfigReadsEnvFile(t *testing.T) {
	clearShopEnv(t)
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SHOP_METRICS_ADDR=:9999\nSHOP_LOG_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("SHOP_METRICS_ADDR")
		_ = os.Unsetenv("SHOP_LOG_LEVEL")
	})

	cfg, err := LoadConfig(envFile)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.MetricsAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigCollectsErrors(t *testing.T) {
	clearShopEnv(t)
	t.Setenv("SHOP_RECONCILE_MAX_ATTEMPTS", "many")
	t.Setenv("SHOP_PAYMENT_TTL", "soon")

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHOP_RECONCILE_MAX_ATTEMPTS")
	assert.Contains(t, err.Error(), "SHOP_PAYMENT_TTL")
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.SimulatorSuccessRatio = 2
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHOP_POSTGRES_DSN")
	assert.Contains(t, err.Error(), "SHOP_SIMULATOR_SUCCESS_RATIO")
	assert.Contains(t, err.Error(), "SHOP_LOG_LEVEL")

	cfg = DefaultConfig()
	cfg.StorageDriver = "mongo"
	assert.Error(t, cfg.Validate())
}

func TestParseSeedProductsRejectsMalformedEntries(t *testing.T) {
	products, err := ParseSeedProducts("ok:Ok:1.00:1,bad,neg:Neg:-1:1,frac:Frac:1.005:1,stock:S:1:x")
	require.Error(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "ok", products[0].ID)
	assert.Equal(t, int64(100), products[0].PriceMinor)
}
