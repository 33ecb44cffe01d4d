// Package main provides the outbox relay entry point. It publishes medical
// order events committed to the outbox table to Redpanda or SQS.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/schoolcare/medorder/internal/api"
	"github.com/schoolcare/medorder/internal/config"
	"github.com/schoolcare/medorder/internal/infrastructure/postgres"
	"github.com/schoolcare/medorder/internal/infrastructure/redpanda"
	"github.com/schoolcare/medorder/internal/infrastructure/sqs"
	"github.com/schoolcare/medorder/internal/observability/logging"
	"github.com/schoolcare/medorder/internal/observability/metrics"
	"github.com/schoolcare/medorder/internal/observability/tracing"
)

const (
	serviceName = "outbox-relay"
	// processed entries are kept this long for inspection
	retention       = 7 * 24 * time.Hour
	cleanupInterval = time.Hour
)

// set by -ldflags at build time
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "outbox relay:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateRelay(); err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.FromConfig(cfg, serviceName, version))
	if err != nil {
		return err
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, 4, 1)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	publisher, closePublisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	m := metrics.New(nil)
	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	if cfg.OutboxPollInterval > 0 {
		outboxCfg.PollInterval = cfg.OutboxPollInterval
	}
	outbox := postgres.NewOutbox(pool, publisher, outboxCfg, logger)
	outbox.SetObserver(m)

	admin := &http.Server{
		Addr: ":" + cfg.AdminPort,
		Handler: api.NewAdminRouter(api.AdminConfig{
			ServiceName: serviceName,
			Ready:       pool,
			Metrics:     m.Handler(),
			Stats: func(ctx context.Context) (interface{}, error) {
				stats, err := outbox.GetStats(ctx)
				if err != nil {
					return nil, err
				}
				out := map[string]interface{}{
					"outbox": stats,
					"pool":   postgres.GetPoolStats(pool),
				}
				if p, ok := publisher.(*redpanda.Producer); ok {
					out["producer"] = p.Stats()
				}
				return out, nil
			},
			Logger: logger,
		}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", zap.Error(err))
		}
	}()

	outbox.Start()
	logger.Info("outbox relay started", zap.String("sink", cfg.OutboxSink))

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			n, err := outbox.CleanupProcessed(ctx, retention)
			if err != nil {
				logger.Error("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}

	logger.Info("shutting down")
	outbox.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
	return nil
}

func newPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (postgres.OutboxPublisher, func(), error) {
	if cfg.OutboxSink == config.SinkSQS {
		client, err := sqs.NewClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		pub, err := sqs.NewPublisher(client, cfg.SQSQueueName, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("publishing to SQS", zap.String("queue", cfg.SQSQueueName))
		return pub, func() {}, nil
	}

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return nil, nil, err
	}
	err = admin.EnsureTopics(ctx)
	admin.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("ensure topics: %w", err)
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("publishing to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))
	return producer, func() { _ = producer.Close() }, nil
}
