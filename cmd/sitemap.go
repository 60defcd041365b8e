package cmd

import (
	"context"
	"fmt"
	"iter"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/app"
	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// newSitemapCmd creates the 'sitemap' subcommand, a discovery dry run.
func newSitemapCmd(opts *rootOptions) *cobra.Command {
	var countsOnly bool
	cmd := &cobra.Command{
		Use:   "sitemap",
		Short: "Discover and print the classified URL set without crawling",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := app.Build(ctx, opts.cfg, opts.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() {
				if cerr := application.Close(context.WithoutCancel(ctx)); cerr != nil {
					opts.logger.Warn("application close failed", zap.Error(cerr))
				}
			}()

			snap, err := application.Discover(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !countsOnly {
				for _, u := range snap.URLs {
					fmt.Fprintf(out, "%s\t%s\n", u.Category, u.URL)
				}
			}
			for cat, n := range sortedCounts(snap.CountByCategory()) {
				fmt.Fprintf(out, "# %s: %d\n", cat, n)
			}
			fmt.Fprintf(out, "# total: %d (source: %s)\n", len(snap.URLs), snap.Source)
			return nil
		},
	}
	cmd.Flags().BoolVar(&countsOnly, "counts", false, "print only per-category counts")
	return cmd
}

// sortedCounts yields category counts in the canonical category order.
func sortedCounts(counts map[crawler.Category]int) iter.Seq2[crawler.Category, int] {
	return func(yield func(crawler.Category, int) bool) {
		for _, cat := range crawler.AllCategories() {
			n, ok := counts[cat]
			if !ok {
				continue
			}
			if !yield(cat, n) {
				return
			}
		}
	}
}
