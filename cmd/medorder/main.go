// Package main provides the medorder command: the medical order API server
// and its maintenance tasks.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/schoolcare/medorder/internal/config"
	"github.com/schoolcare/medorder/internal/domain/medorder"
	"github.com/schoolcare/medorder/internal/infrastructure/memory"
	"github.com/schoolcare/medorder/internal/infrastructure/postgres"
	"github.com/schoolcare/medorder/internal/infrastructure/redpanda"
	"github.com/schoolcare/medorder/internal/observability/logging"
)

// version is set at build time
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "medorder",
		Short:         "School medication order service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(archiveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger.With(zap.String("version", version))}, nil
}

// openStore returns the configured order store and a function releasing it
func (a *app) openStore(ctx context.Context) (medorder.Store, func(), error) {
	if a.cfg.StoreDriver == config.DriverMemory {
		a.logger.Warn("using the in-memory store; data is lost on restart")
		return memory.NewStore(), func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Info("connected to database")

	store := postgres.NewOrderStore(pool, postgres.OrderStoreConfig{
		LockTimeout: a.cfg.DBLockTimeout,
		Topic:       redpanda.TopicOrderEvents,
	}, a.logger)
	return store, pool.Close, nil
}
