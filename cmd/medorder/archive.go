package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/schoolcare/medorder/internal/domain/medorder"
	"github.com/schoolcare/medorder/internal/infrastructure/archive"
)

func archiveCmd() *cobra.Command {
	var before string

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export completed and canceled orders with their ledger to S3",
		Long: "Writes every completed or canceled order last updated before --before,\n" +
			"with its medicine lines and administration history, to\n" +
			"ARCHIVE_BUCKET/ARCHIVE_PREFIX/{id}.json. Orders stay in the database.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cutoff, err := parseCutoff(before)
			if err != nil {
				return err
			}
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = a.logger.Sync() }()
			if a.cfg.ArchiveBucket == "" {
				return errors.New("ARCHIVE_BUCKET is required")
			}

			ctx := cmd.Context()
			store, closeStore, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			client, err := archive.NewS3Client(ctx)
			if err != nil {
				return err
			}
			archiver, err := archive.NewArchiver(store, medorder.NewQuery(store, nil), client, a.cfg.ArchiveBucket, a.cfg.ArchivePrefix, a.logger)
			if err != nil {
				return err
			}

			result, err := archiver.Run(ctx, cutoff)
			if result != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "archived %d order(s) to s3://%s\n", result.Archived, a.cfg.ArchiveBucket)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "archive orders last updated before this date (YYYY-MM-DD or RFC 3339)")
	_ = cmd.MarkFlagRequired("before")
	return cmd
}

func parseCutoff(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --before %q: want YYYY-MM-DD or RFC 3339", s)
}
