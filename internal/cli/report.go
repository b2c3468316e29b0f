package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nadmax/rtsched/internal/repository/postgres"
)

func newReportCmd() *cobra.Command {
	var (
		dsn     string
		timeout time.Duration
		req     postgres.ReportRequest
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export a report of a recorded run from PostgreSQL",
		Long: "report queries the history written by the server for one run id " +
			"and writes it as CSV or JSON. Report types: " + strings.Join(postgres.ReportTypes, ", ") + ".",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("a PostgreSQL DSN is required (--dsn or POSTGRES_DSN)")
			}

			repo, err := postgres.NewHistoryRepository(dsn, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := repo.Close(); err != nil {
					logger.Warn("failed to close history repository", "error", err)
				}
			}()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			path, err := postgres.NewReportGenerator(repo.DB()).Generate(ctx, req)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL DSN (or POSTGRES_DSN env)")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Query timeout")
	cmd.Flags().StringVar(&req.RunID, "run", "", "Run id to report on (required)")
	cmd.Flags().StringVar(&req.ReportType, "type", "task_summary", "Report type")
	cmd.Flags().StringVar(&req.Format, "format", "csv", "Output format (csv, json)")
	cmd.Flags().StringVarP(&req.OutputPath, "out", "o", "./reports", "Output directory")
	cmd.Flags().IntVar(&req.BucketMs, "bucket-ms", 1, "Latency histogram bucket width in milliseconds")
	_ = cmd.MarkFlagRequired("run")

	return cmd
}
