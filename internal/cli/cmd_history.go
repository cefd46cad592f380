package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/store"
)

// newHistoryCmd creates the history command
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")

			archive, err := store.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("open run archive: %w", err)
			}
			defer func() { _ = archive.Close() }()

			records, err := archive.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(records)
			}
			if len(records) == 0 {
				fmt.Println("No runs yet.")
				return nil
			}

			useColor := isatty.IsTerminal(os.Stdout.Fd())
			fmt.Printf("%-6s %-20s %-16s %-10s %-10s %s\n",
				"ID", "PIPELINE", "BRANCH", "STATUS", "DURATION", "FAILED AT")
			for _, rec := range records {
				duration := "-"
				if d := rec.Duration(); d > 0 {
					duration = d.Round(time.Second).String()
				}
				fmt.Printf("%-6d %-20s %-16s %-10s %-10s %s\n",
					rec.ID, trunc(rec.Pipeline, 20), trunc(rec.Branch, 16),
					colorStatus(rec.Status, useColor), duration, orDash(rec.FailingStage))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum runs to show")
	return cmd
}

func colorStatus(status string, useColor bool) string {
	if !useColor {
		return status
	}
	switch status {
	case "succeeded":
		return "\033[32m" + status + "\033[0m"
	case "failed":
		return "\033[31m" + status + "\033[0m"
	case "aborted":
		return "\033[33m" + status + "\033[0m"
	default:
		return status
	}
}

func trunc(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
