package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tenetops/tenet/pkg/stores"
)

func newRecordsCommand() *cobra.Command {
	var (
		runID string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect persisted runs and execution records",
		Long: `Inspect the durable execution trail.

Without --run, lists the tenant's recent runs. With --run, lists every
execution record of that run: step, status, attempt count, last error.`,
		Example: `  # List recent runs
  tenet records

  # Show the execution records of one run
  tenet records --run 0c9adf2e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}

			store, err := stores.Open(cmd.Context(), a.cfg.StatePath)
			if err != nil {
				return err
			}
			defer store.Close()

			if runID == "" {
				runs, err := store.ListRuns(cmd.Context(), a.cfg.Tenant, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(runs)
				}
				for _, run := range runs {
					completed := "-"
					if run.CompletedAt != nil {
						completed = run.CompletedAt.Format("2006-01-02 15:04:05")
					}
					fmt.Printf("%s  %-9s  %s  started %s  completed %s\n",
						run.ID, run.Status, run.Mode,
						run.StartedAt.Format("2006-01-02 15:04:05"), completed)
				}
				return nil
			}

			records, err := store.ListRecords(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			for _, rec := range records {
				fmt.Printf("%-10s  attempts=%d  %s", rec.Status, rec.AttemptCount, rec.StepID)
				if rec.LastError != "" {
					fmt.Printf("  (%s)", rec.LastError)
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "run to show execution records for")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")

	return cmd
}
