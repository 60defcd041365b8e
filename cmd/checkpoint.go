package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/marketplace-crawler/internal/checkpoint"
	"github.com/JakeFAU/marketplace-crawler/internal/clock/system"
	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// newCheckpointCmd groups checkpoint inspection and reset.
func newCheckpointCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset the resume checkpoint",
	}
	cmd.AddCommand(newCheckpointShowCmd(opts))
	cmd.AddCommand(newCheckpointResetCmd(opts))
	return cmd
}

func newCheckpointShowCmd(opts *rootOptions) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print checkpoint progress per category",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := checkpoint.New(opts.cfg.Checkpoint.Path, system.New())
			found, err := store.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !found {
				fmt.Fprintf(out, "no checkpoint at %s\n", store.Path())
				return nil
			}
			cp := store.Snapshot()
			if full {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(cp); err != nil {
					return fmt.Errorf("encode checkpoint: %w", err)
				}
				return nil
			}
			fmt.Fprintf(out, "run %s started %s, %d urls, updated %s\n",
				cp.Metadata.RunID, cp.Metadata.StartTime.Format(time.RFC3339),
				cp.Metadata.TotalURLs, cp.LastUpdate.Format(time.RFC3339))
			for _, cat := range crawler.AllCategories() {
				processed, failed := cp.ProcessedCount(cat), cp.FailedCount(cat)
				if processed == 0 && failed == 0 {
					continue
				}
				fmt.Fprintf(out, "%-18s processed=%d failed=%d\n", cat, processed, failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "json", false, "print the full checkpoint document")
	return cmd
}

func newCheckpointResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete the checkpoint so the next run starts from scratch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := checkpoint.New(opts.cfg.Checkpoint.Path, system.New())
			if err := store.Reset(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint %s reset\n", store.Path())
			return nil
		},
	}
}
