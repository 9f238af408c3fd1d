package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tenetops/tenet/pkg/engine"
	"github.com/tenetops/tenet/pkg/planner"
	"github.com/tenetops/tenet/pkg/report"
	"github.com/tenetops/tenet/pkg/telemetry"
)

func newPlanCommand() *cobra.Command {
	var (
		manifestFile string
		outFile      string
		overrideFile string
		mode         string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Generate a reconciliation plan",
		Long: `Generate a reconciliation plan by classifying the tenant against the
manifest and ordering the resolutions.

The plan:
  - Refuses outright while unresolved Red conflicts remain
  - Orders creations parent-before-child and removals child-before-parent
  - Serializes steps sharing an identity through exclusive groups
  - Is deterministic: unchanged inputs produce a byte-identical artifact`,
		Example: `  # Generate a plan and save it for apply
  tenet plan --manifest desired.yaml --out plan.json

  # Acknowledge Red conflicts with an override file
  tenet plan --manifest desired.yaml --out plan.json --override overrides.yaml

  # Rehearse full convergence destructiveness
  tenet plan --manifest desired.yaml --out plan.json --mode Greenfield`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			planMode := a.cfg.Mode
			if mode != "" {
				planMode = engine.Mode(mode)
				if err := planMode.Validate(); err != nil {
					return err
				}
			}

			a.logger.Info().
				Str("tenant", a.cfg.Tenant).
				Str("manifest", manifestFile).
				Str("mode", string(planMode)).
				Msg("planning reconciliation")

			cl, err := a.classify(cmd.Context(), manifestFile)
			if err != nil {
				return err
			}

			var overrides *planner.Overrides
			if overrideFile != "" {
				overrides, err = planner.LoadOverrides(overrideFile)
				if err != nil {
					return err
				}
			}

			_, span := a.tracer.Start(cmd.Context(), "plan")
			plan, err := planner.New(a.logger).Plan(cl.result, cl.desired, planMode, overrides)
			telemetry.End(span, err)
			if err != nil {
				return err
			}

			if outFile != "" {
				err := writeFile(outFile, func(f *os.File) error {
					return report.WritePlan(f, plan)
				})
				if err != nil {
					return err
				}
			}

			rep := report.New(cl.snapshot, cl.result, planMode)
			rep.Plan = plan
			return a.emit(rep)
		},
	}

	cmd.Flags().StringVarP(&manifestFile, "manifest", "m", "", "desired-state manifest file")
	cmd.Flags().StringVarP(&outFile, "out", "o", "plan.json", "output plan file path")
	cmd.Flags().StringVar(&overrideFile, "override", "", "operator override file acknowledging Red conflicts")
	cmd.Flags().StringVar(&mode, "mode", "", "override the configured mode (Brownfield, Greenfield)")
	cmd.MarkFlagRequired("manifest")

	return cmd
}
