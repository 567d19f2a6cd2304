package main

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/cadhost/testbridge/pkg/history"
)

var (
	historyPath  string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs from the host's run archive",
	RunE:  showHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyPath, "db", "", "Path to the run history database (required)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show")
	historyCmd.MarkFlagRequired("db")
	rootCmd.AddCommand(historyCmd)
}

func showHistory(cmd *cobra.Command, args []string) error {
	store, err := history.Open(historyPath)
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	defer store.Close()

	runs, err := store.Recent(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		pterm.Info.Println("no archived runs")
		return nil
	}

	rows := pterm.TableData{
		{"Started", "Run", "Bundle", "Passed", "Failed", "Skipped", "Status"},
	}
	for _, r := range runs {
		status := "ok"
		if r.Fault {
			status = pterm.NewStyle(pterm.FgRed).Sprint("fault")
		} else if r.Cancelled {
			status = pterm.NewStyle(pterm.FgYellow).Sprint("cancelled")
		} else if r.Failed > 0 {
			status = pterm.NewStyle(pterm.FgRed).Sprint("failing")
		}
		id := r.RunID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, []string{
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			id,
			r.BundleDir,
			fmt.Sprintf("%d", r.Passed),
			fmt.Sprintf("%d", r.Failed),
			fmt.Sprintf("%d", r.Skipped),
			status,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
