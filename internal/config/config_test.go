package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), ".env")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 5*time.Second, cfg.DBLockTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.OutboxPollInterval)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
	assert.Equal(t, int32(20), cfg.DBMaxConns)
	assert.True(t, cfg.IsDev())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("KAFKA_BROKERS", "rp-1:9092, rp-2:9092")
	t.Setenv("DB_LOCK_TIMEOUT", "750ms")
	t.Setenv("NOTIFY_WORKERS", "12")
	t.Setenv("TRACING_ENABLED", "true")

	cfg, err := load(missingEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, []string{"rp-1:9092", "rp-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 750*time.Millisecond, cfg.DBLockTimeout)
	assert.Equal(t, 12, cfg.NotifyWorkers)
	assert.True(t, cfg.TracingEnabled)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9999\nARCHIVE_BUCKET=ledger-archive\n"), 0o600))
	t.Setenv("PORT", "7000")

	cfg, err := load(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port, "environment wins over the file")
	assert.Equal(t, "ledger-archive", cfg.ArchiveBucket)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Env:             "production",
			StoreDriver:     DriverPostgres,
			DatabaseURL:     "postgres://localhost/medorder",
			DBMaxConns:      10,
			DBMinConns:      1,
			JWTSecret:       "secret",
			TraceSampleRate: 0.5,
			OutboxSink:      SinkRedpanda,
			OutboxBatchSize: 100,
			NotifyWorkers:   2,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }},
		{"unknown driver", func(c *Config) { c.StoreDriver = "sqlite" }},
		{"unknown sink", func(c *Config) { c.OutboxSink = "nats" }},
		{"no jwt secret in production", func(c *Config) { c.JWTSecret = "" }},
		{"min above max conns", func(c *Config) { c.DBMinConns = 11 }},
		{"sample rate above one", func(c *Config) { c.TraceSampleRate = 1.5 }},
		{"zero batch size", func(c *Config) { c.OutboxBatchSize = 0 }},
		{"zero workers", func(c *Config) { c.NotifyWorkers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	dev := valid()
	dev.Env = "development"
	dev.JWTSecret = ""
	assert.NoError(t, dev.Validate())
}

func TestValidateWorkers(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://x", OutboxSink: SinkSQS}
	assert.Error(t, cfg.ValidateRelay())
	cfg.SQSQueueName = "medical-order-events.fifo"
	assert.NoError(t, cfg.ValidateRelay())

	cfg.KafkaBrokers = []string{"rp:9092"}
	assert.Error(t, cfg.ValidateNotifier())
	cfg.NotifyWebhookURL = "https://hooks.example.org/medorder"
	assert.NoError(t, cfg.ValidateNotifier())
}
