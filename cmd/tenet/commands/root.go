package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tenetops/tenet/pkg/config"
	"github.com/tenetops/tenet/pkg/report"
	"github.com/tenetops/tenet/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tenet",
		Short: "Tenet - Brownfield Tenant Reconciliation Engine",
		Long: `Tenet converges a live cloud tenant that accumulated resources outside
any pipeline onto a declared desired state, without destroying what is
already there.

Features:
  - Read-only inventory collection across the scope hierarchy
  - Green/Yellow/Red conflict classification with Rego escalation rules
  - Deterministic, content-addressed reconciliation plans
  - Rank-ordered execution with bounded retries and resumable runs
  - Brownfield (detach) vs Greenfield (delete) destructiveness modes`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tenet.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newDiscoverCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newRecordsCommand())

	return rootCmd
}

// app holds the per-invocation wiring every command shares.
type app struct {
	cfg     config.TenantConfig
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	emitter *report.Emitter
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger := telemetry.NewLogger(level, cfg.Logging.Format)

	tracer, err := telemetry.NewTracer(cfg.Tracing.Enabled, os.Stderr)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.NewMetrics(),
		tracer:  tracer,
		emitter: report.NewEmitter(os.Stdout, false, logger),
	}
	if cfg.Metrics.Enabled {
		go func() {
			if err := a.metrics.Serve(cfg.Metrics.ListenAddress); err != nil {
				logger.Error().Err(err).Str("addr", cfg.Metrics.ListenAddress).Msg("metrics listener failed")
			}
		}()
	}
	return a, nil
}

// close flushes pending spans. It uses a fresh context so an interrupted
// command still exports what it traced.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("trace shutdown failed")
	}
}

// emit renders a report on stdout, as JSON when --json is set.
func (a *app) emit(rep *report.Report) error {
	if jsonOutput {
		return report.WriteJSON(os.Stdout, rep)
	}
	a.emitter.WriteConsole(rep)
	return nil
}

// writeFile writes an artifact via the given writer function.
func writeFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
