package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/schoolcare/medorder/internal/api"
	"github.com/schoolcare/medorder/internal/api/middleware"
	"github.com/schoolcare/medorder/internal/domain/medorder"
	"github.com/schoolcare/medorder/internal/observability/metrics"
	"github.com/schoolcare/medorder/internal/observability/tracing"
)

const serviceName = "medorder-api"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the medical order API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = a.logger.Sync() }()
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.FromConfig(a.cfg, serviceName, version))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New(nil)
	svc := medorder.NewService(store, a.logger)
	svc.SetObserver(m)
	query := medorder.NewQuery(store, svc.Ledger())

	if a.cfg.IsDev() && a.cfg.JWTSecret == "" {
		a.logger.Warn("token verification disabled; callers are identified by the " + middleware.DevUserHeader + " header")
	}

	handler := api.NewRouter(api.RouterConfig{
		ServiceName: serviceName,
		Service:     svc,
		Query:       query,
		Store:       store,
		Auth: middleware.AuthConfig{
			Secret: []byte(a.cfg.JWTSecret),
			Issuer: a.cfg.JWTIssuer,
		},
		CORSOrigins:    a.cfg.CORSOrigins,
		FHIRBaseURL:    a.cfg.FHIRBaseURL,
		Metrics:        m,
		MetricsHandler: m.Handler(),
		Logger:         a.logger,
	})

	server := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting medical order API", zap.String("port", a.cfg.Port), zap.String("store", a.cfg.StoreDriver))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("shutdown error", zap.Error(err))
		return err
	}
	a.logger.Info("server stopped")
	return nil
}
