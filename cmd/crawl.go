package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/app"
)

// newCrawlCmd creates the 'crawl' subcommand, which performs one full run.
func newCrawlCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl: discover, fetch, validate and store",
		Long: `Discovers the URL set from the sitemap (falling back to the cached
snapshot when allowed), crawls every URL not yet processed in the checkpoint,
and appends accepted records to the configured store. The run summary is
printed as JSON and appended to the metrics log.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runCrawl(ctx, cmd, opts)
		},
	}
}

func runCrawl(ctx context.Context, cmd *cobra.Command, opts *rootOptions) error {
	application, err := app.Build(ctx, opts.cfg, opts.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := application.Close(context.WithoutCancel(ctx)); cerr != nil {
			opts.logger.Warn("application close failed", zap.Error(cerr))
		}
	}()

	summary, runErr := application.Crawl(ctx)
	if summary.RunID != "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			opts.logger.Warn("print run summary failed", zap.Error(err))
		}
	}
	return runErr
}
