package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/schoolcare/medorder/internal/config"
	"github.com/schoolcare/medorder/internal/infrastructure/postgres"
	"github.com/schoolcare/medorder/internal/observability/logging"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, closePool, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closePool()

			n, err := m.Up(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, closePool, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED AT")
			for _, s := range statuses {
				applied := "pending"
				if s.Applied && s.AppliedAt != nil {
					applied = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%03d\t%s\t%s\n", s.Version, s.Name, applied)
			}
			return w.Flush()
		},
	})

	return cmd
}

// openMigrator needs only the database settings, so it skips the full
// service validation.
func openMigrator(cmd *cobra.Command) (*postgres.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		logger = zap.NewNop()
		fmt.Fprintln(os.Stderr, "logger:", err)
	}

	pool, err := postgres.NewPool(cmd.Context(), cfg.DatabaseURL, 2, 0)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewMigrator(pool, logger), pool.Close, nil
}
