// Package cmd defines and implements the CLI commands for the marketcrawler
// executable.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/config"
	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
	"github.com/JakeFAU/marketplace-crawler/internal/logging"
)

// Exit statuses reported by the executable.
const (
	ExitCompleted          = 0
	ExitError              = 1
	ExitSitemapUnavailable = 3
	ExitThresholdNotMet    = 4
	ExitBudgetExceeded     = 5
	ExitEmptyResult        = 6
	ExitNoSitemap          = 7
	ExitInterrupted        = 130
)

// rootOptions carries state resolved by the root command's pre-run hook.
type rootOptions struct {
	cfgPath string
	cfg     config.Config
	logger  *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "marketcrawler",
		Short: "Polite, resumable crawler for a single marketplace site.",
		Long: `marketcrawler discovers marketplace listings from the site's sitemap,
fetches them under a global rate limit and time budget, validates the
extracted records and appends them to the configured store. Interrupted
runs resume from the checkpoint file.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Config and logger are built before any subcommand runs.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgPath, "config", "", "config file (YAML); env vars use the MARKETCRAWLER_ prefix")

	cmd.AddCommand(newCrawlCmd(opts))
	cmd.AddCommand(newSitemapCmd(opts))
	cmd.AddCommand(newCheckpointCmd(opts))

	return cmd
}

// Execute runs the CLI and returns the process exit status.
func Execute() int {
	return run(os.Args[1:], os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return ExitCode(err)
	}
	return ExitCompleted
}

// ExitCode maps a run error onto the executable's exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitCompleted
	case errors.Is(err, crawler.ErrInterrupted):
		return ExitInterrupted
	case errors.Is(err, crawler.ErrSitemapUnavailable):
		return ExitSitemapUnavailable
	case errors.Is(err, crawler.ErrThresholdNotMet):
		return ExitThresholdNotMet
	case errors.Is(err, crawler.ErrBudgetExceeded):
		return ExitBudgetExceeded
	case errors.Is(err, crawler.ErrEmptyResultBlocked):
		return ExitEmptyResult
	case errors.Is(err, crawler.ErrSitemapNoFallback):
		return ExitNoSitemap
	default:
		return ExitError
	}
}
