package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tenetops/tenet/pkg/inventory"
	"github.com/tenetops/tenet/pkg/report"
)

func newDiscoverCommand() *cobra.Command {
	var (
		manifestFile string
		outFile      string
		snapshotFile string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Inventory the tenant and classify divergence",
		Long: `Discover the tenant's observed state and classify it against the manifest.

Discovery is strictly read-only:
  - Walks the scope hierarchy from the configured root
  - Enumerates every managed entity kind at every reachable scope
  - Loads and normalizes the desired-state manifest
  - Classifies divergence as Green, Yellow, or Red
  - Reports; no plan is produced and nothing is changed`,
		Example: `  # Classify the tenant against a manifest
  tenet discover --manifest desired.yaml

  # Persist the report and raw inventory snapshot
  tenet discover --manifest desired.yaml --out report.json --snapshot inventory.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()
			a.logger.Info().
				Str("tenant", a.cfg.Tenant).
				Str("manifest", manifestFile).
				Msg("discovering tenant")

			cl, err := a.classify(cmd.Context(), manifestFile)
			if err != nil {
				return err
			}

			if snapshotFile != "" {
				err := writeFile(snapshotFile, func(f *os.File) error {
					return inventory.WriteSnapshot(f, cl.snapshot)
				})
				if err != nil {
					return err
				}
			}

			rep := report.New(cl.snapshot, cl.result, a.cfg.Mode)
			if outFile != "" {
				err := writeFile(outFile, func(f *os.File) error {
					return report.WriteJSON(f, rep)
				})
				if err != nil {
					return err
				}
			}
			return a.emit(rep)
		},
	}

	cmd.Flags().StringVarP(&manifestFile, "manifest", "m", "", "desired-state manifest file")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the report to a JSON file")
	cmd.Flags().StringVar(&snapshotFile, "snapshot", "", "write the raw inventory snapshot to a JSON file")
	cmd.MarkFlagRequired("manifest")

	return cmd
}
