// Package main provides the order notifier entry point. It consumes medical
// order events from Redpanda and delivers nurse and guardian notifications
// to a webhook.
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
	"github.com/schoolcare/medorder/internal/notify"
	"github.com/schoolcare/medorder/internal/observability/logging"
	"github.com/schoolcare/medorder/internal/observability/metrics"
	"github.com/schoolcare/medorder/internal/observability/tracing"
	"github.com/schoolcare/medorder/pkg/circuitbreaker"
)

const serviceName = "order-notifier"

// set by -ldflags at build time
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "order notifier:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateNotifier(); err != nil {
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

	inbox := postgres.NewInbox(pool, postgres.DefaultInboxConfig(), logger)
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("failed to recover stale inbox entries", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	inbox.StartCleanup()

	m := metrics.New(nil)
	breakers := circuitbreaker.NewManager(logger)
	breakerCfg := circuitbreaker.DefaultConfig("notify-webhook")
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		m.BreakerStateChanged(name, string(to))
	}

	sender, err := notify.NewWebhookClient(notify.DefaultWebhookConfig(cfg.NotifyWebhookURL), breakers, breakerCfg, logger)
	if err != nil {
		inbox.Stop()
		return err
	}
	notifier, err := notify.NewNotifier(inbox, sender, cfg.NotifyWorkers, logger)
	if err != nil {
		inbox.Stop()
		return err
	}
	notifier.SetObserver(m)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumer, err := redpanda.NewConsumer(consumerCfg, notifier.HandleMessage, logger)
	if err != nil {
		inbox.Stop()
		return err
	}

	kadmin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		inbox.Stop()
		return err
	}
	defer kadmin.Close()

	admin := &http.Server{
		Addr: ":" + cfg.AdminPort,
		Handler: api.NewAdminRouter(api.AdminConfig{
			ServiceName: serviceName,
			Ready: api.PingFunc(func(ctx context.Context) error {
				if err := pool.Ping(ctx); err != nil {
					return err
				}
				return redpanda.HealthCheck(ctx, cfg.KafkaBrokers)
			}),
			Metrics: m.Handler(),
			Stats: func(ctx context.Context) (interface{}, error) {
				lag, err := kadmin.GetConsumerGroupLag(ctx, consumerCfg.GroupID)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"consumer": consumer.Stats(),
					"delivery": notifier.Stats(),
					"lag":      lag,
					"breakers": breakers.GetHealthStatus(),
				}, nil
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

	notifier.Start()
	consumer.Start()
	logger.Info("order notifier started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", consumerCfg.GroupID),
		zap.Int("workers", cfg.NotifyWorkers),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	// consumer first so nothing new reaches the workers
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	if err := notifier.Stop(); err != nil {
		logger.Error("notifier stop failed", zap.Error(err))
	}
	inbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)
	logger.Info("order notifier stopped")
	return nil
}
