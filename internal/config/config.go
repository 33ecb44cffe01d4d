// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	SinkRedpanda = "redpanda"
	SinkSQS      = "sqs"
)

// Config holds every setting of the medorder binaries
type Config struct {
	Port      string `mapstructure:"PORT"`
	AdminPort string `mapstructure:"ADMIN_PORT"`
	Env       string `mapstructure:"ENV"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`

	StoreDriver   string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32         `mapstructure:"DB_MIN_CONNS"`
	DBLockTimeout time.Duration `mapstructure:"DB_LOCK_TIMEOUT"`

	JWTSecret   string   `mapstructure:"JWT_SECRET"`
	JWTIssuer   string   `mapstructure:"JWT_ISSUER"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	FHIRBaseURL string   `mapstructure:"FHIR_BASE_URL"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	OutboxSink         string        `mapstructure:"OUTBOX_SINK"`
	SQSQueueName       string        `mapstructure:"SQS_QUEUE_NAME"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`

	NotifyWebhookURL string `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyWorkers    int    `mapstructure:"NOTIFY_WORKERS"`

	ArchiveBucket string `mapstructure:"ARCHIVE_BUCKET"`
	ArchivePrefix string `mapstructure:"ARCHIVE_PREFIX"`
}

var defaults = map[string]interface{}{
	"PORT":                 "8080",
	"ADMIN_PORT":           "9090",
	"ENV":                  "development",
	"LOG_LEVEL":            "info",
	"STORE_DRIVER":         DriverPostgres,
	"DATABASE_URL":         "",
	"DB_MAX_CONNS":         20,
	"DB_MIN_CONNS":         2,
	"DB_LOCK_TIMEOUT":      "5s",
	"JWT_SECRET":           "",
	"JWT_ISSUER":           "",
	"CORS_ORIGINS":         "http://localhost:3000",
	"FHIR_BASE_URL":        "",
	"TRACING_ENABLED":      false,
	"OTLP_ENDPOINT":        "localhost:4317",
	"TRACE_SAMPLE_RATE":    1.0,
	"KAFKA_BROKERS":        "localhost:9092",
	"OUTBOX_SINK":          SinkRedpanda,
	"SQS_QUEUE_NAME":       "",
	"OUTBOX_BATCH_SIZE":    100,
	"OUTBOX_POLL_INTERVAL": "100ms",
	"NOTIFY_WEBHOOK_URL":   "",
	"NOTIFY_WORKERS":       4,
	"ARCHIVE_BUCKET":       "",
	"ARCHIVE_PREFIX":       "medical-orders",
}

// Load reads the environment over the defaults; a .env file in the working
// directory is used when present.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		// Unmarshal only sees keys viper knows about
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.OutboxSink = strings.ToLower(strings.TrimSpace(cfg.OutboxSink))
	return cfg, nil
}

// splitList accepts either repeated values or a single comma separated one
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// IsDev reports whether the service runs in development mode
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings shared by every binary
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}

	switch c.OutboxSink {
	case SinkRedpanda, SinkSQS:
	default:
		return fmt.Errorf("OUTBOX_SINK must be %q or %q, got %q", SinkRedpanda, SinkSQS, c.OutboxSink)
	}

	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required outside development (ENV=%q)", c.Env)
	}
	if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("invalid pool size: DB_MIN_CONNS=%d DB_MAX_CONNS=%d", c.DBMinConns, c.DBMaxConns)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate)
	}
	if c.OutboxBatchSize < 1 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive, got %d", c.OutboxBatchSize)
	}
	if c.NotifyWorkers < 1 {
		return fmt.Errorf("NOTIFY_WORKERS must be positive, got %d", c.NotifyWorkers)
	}
	return nil
}

// ValidateRelay checks the settings the outbox relay needs on top of Validate
func (c *Config) ValidateRelay() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required by the outbox relay")
	}
	switch c.OutboxSink {
	case SinkSQS:
		if c.SQSQueueName == "" {
			return errors.New("SQS_QUEUE_NAME is required when OUTBOX_SINK is sqs")
		}
	case SinkRedpanda:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when OUTBOX_SINK is redpanda")
		}
	}
	return nil
}

// ValidateNotifier checks the settings the order notifier needs
func (c *Config) ValidateNotifier() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required by the order notifier")
	}
	if c.NotifyWebhookURL == "" {
		return errors.New("NOTIFY_WEBHOOK_URL is required by the order notifier")
	}
	if len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required by the order notifier")
	}
	return nil
}
