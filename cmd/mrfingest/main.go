// Command mrfingest streams machine-readable price transparency files
// into Postgres.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openmrf/mrfingest/internal/config"
	"github.com/openmrf/mrfingest/internal/fetch"
	"github.com/openmrf/mrfingest/internal/ingest"
	"github.com/openmrf/mrfingest/internal/logging"
	"github.com/openmrf/mrfingest/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:           "mrfingest",
		Short:         "Stream price transparency MRF documents into Postgres",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newIngestCmd(), newInitSchemaCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newIngestCmd() *cobra.Command {
	var (
		strict      bool
		batchSize   int
		concurrency int
		buffer      int
	)
	cmd := &cobra.Command{
		Use:   "ingest URL_OR_PATH...",
		Short: "Ingest one or more MRF documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if batchSize > 0 {
				cfg.BatchSize = batchSize
			}
			if concurrency > 0 {
				cfg.Concurrency = concurrency
			}
			if buffer > 0 {
				cfg.EventBuffer = buffer
				cfg.FragmentBuffer = buffer
			}

			log, err := logging.New(cfg.LogMode)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			pool, err := store.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			loader := store.NewLoader(pool, cfg.BatchSize, log)
			fetcher := fetch.New(log, fetch.WithMaxRetries(cfg.FetchRetries))
			pipe := ingest.NewPipeline(fetcher,
				func(ctx context.Context, rec *ingest.FileRecord, report *ingest.Report) (ingest.FragmentSink, error) {
					return loader.BeginFile(ctx, rec, report)
				},
				ingest.Config{
					Strict:         strict,
					EventBuffer:    cfg.EventBuffer,
					FragmentBuffer: cfg.FragmentBuffer,
					Concurrency:    cfg.Concurrency,
				}, log)

			reports := pipe.Run(ctx, args)

			failed := 0
			for _, r := range reports {
				fmt.Fprintln(cmd.OutOrStdout(), r.Summary())
				for _, line := range r.IssueLines(20) {
					fmt.Fprintln(cmd.OutOrStdout(), "  "+line)
				}
				if r.State == ingest.StateFailed {
					failed++
					log.Error("file failed",
						zap.String("url", r.SourceURL),
						zap.String("stage", string(r.FailedStage)),
						zap.String("cause", r.Cause))
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(reports))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "fail a file on its first malformed record")
	cmd.Flags().IntVar(&batchSize, "batch", 0, "fragments per transaction (overrides BATCH_SIZE)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "files ingested at once (overrides CONCURRENCY)")
	cmd.Flags().IntVar(&buffer, "buffer", 0, "inter-stage channel capacity (overrides EVENT_BUFFER and FRAGMENT_BUFFER)")
	return cmd
}

func newInitSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-schema",
		Short: "Create the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := store.Connect(ctx, cfg.DatabaseURL, 1)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := store.InitSchema(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema created")
			return nil
		},
	}
}
