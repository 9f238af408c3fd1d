package commands

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tenetops/tenet/pkg/controlplane"
	"github.com/tenetops/tenet/pkg/engine"
	"github.com/tenetops/tenet/pkg/executor"
	"github.com/tenetops/tenet/pkg/report"
	"github.com/tenetops/tenet/pkg/stores"
	"github.com/tenetops/tenet/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	var (
		planFile string
		runID    string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Execute a reconciliation plan",
		Long: `Execute a previously generated plan.

This command:
  - Loads the plan artifact and verifies its content hash
  - Executes steps rank by rank, lower ranks first
  - Retries transient failures with bounded incremental backoff
  - Persists an execution record on every step transition
  - Stops cleanly on interrupt; a cancelled run is resumable`,
		Example: `  # Apply a plan
  tenet apply --plan plan.json

  # Resume an interrupted run, skipping already-succeeded steps
  tenet apply --plan plan.json --run 0c9adf2e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			f, err := os.Open(planFile)
			if err != nil {
				return err
			}
			plan, err := report.ReadPlan(f)
			f.Close()
			if err != nil {
				return err
			}

			a.logger.Info().
				Str("plan_id", plan.ID).
				Int("steps", len(plan.Steps)).
				Str("mode", string(plan.Mode)).
				Msg("applying plan")

			cp, err := controlplane.Open(a.cfg.ControlPlane.Driver, a.cfg.ControlPlane.DSN)
			if err != nil {
				return err
			}
			store, err := stores.Open(cmd.Context(), a.cfg.StatePath)
			if err != nil {
				return err
			}
			defer store.Close()

			exec := executor.New(cp, store, executor.RetryPolicy{
				MaxAttempts: a.cfg.Retry.MaxAttempts,
				BaseBackoff: a.cfg.Retry.BaseBackoff,
				CallTimeout: a.cfg.Retry.CallTimeout,
			}, a.logger, a.metrics)

			execCtx, span := a.tracer.Start(cmd.Context(), "execute")
			var result *engine.RunResult
			if runID != "" {
				result, err = exec.Resume(execCtx, plan, runID)
			} else {
				result, err = exec.Execute(execCtx, plan)
			}
			telemetry.End(span, err)
			if result != nil {
				if emitErr := emitRunResult(os.Stdout, a.emitter, result, jsonOutput); emitErr != nil && err == nil {
					err = emitErr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&planFile, "plan", "p", "plan.json", "plan file to execute")
	cmd.Flags().StringVar(&runID, "run", "", "resume the given run instead of starting a new one")
	cmd.MarkFlagRequired("plan")

	return cmd
}

// emitRunResult writes the run outcome: the full result as JSON when asJSON
// is set, the colorized console summary otherwise. Console output never
// mixes into a machine-readable stream.
func emitRunResult(w io.Writer, emitter *report.Emitter, result *engine.RunResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	emitter.WriteRunSummary(result)
	return nil
}
