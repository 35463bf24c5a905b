package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evanofslack/hcloud-vrrp-failover/internal/config"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/journal"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/metrics"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/report"
)

// History returns the history command, which lists journaled runs.
func History() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded failover runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := config.Read(path)
			if err != nil {
				return &exitError{code: ExitFailure, msg: err.Error()}
			}
			if cfg.JournalPath == "" {
				return &exitError{code: ExitFailure, msg: "journal_path is not configured"}
			}

			j, err := journal.Open(cfg.JournalPath, 0, metrics.New(false))
			if err != nil {
				return &exitError{code: ExitFailure, msg: fmt.Sprintf("open journal: %v", err)}
			}
			defer j.Close()

			entries, err := j.List(cmd.Context(), limit)
			if err != nil {
				return &exitError{code: ExitFailure, msg: fmt.Sprintf("read journal: %v", err)}
			}
			report.New(cmd.OutOrStdout()).History(entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to show, 0 for all")
	return cmd
}
