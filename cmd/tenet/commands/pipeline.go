package commands

import (
	"context"

	"github.com/tenetops/tenet/pkg/classify"
	"github.com/tenetops/tenet/pkg/controlplane"
	"github.com/tenetops/tenet/pkg/engine"
	"github.com/tenetops/tenet/pkg/inventory"
	"github.com/tenetops/tenet/pkg/manifest"
	"github.com/tenetops/tenet/pkg/rules"
	"github.com/tenetops/tenet/pkg/telemetry"
)

// classification is the shared read-only front half of discover and plan:
// collect the tenant, load the manifest, classify the divergence.
type classification struct {
	snapshot *engine.InventorySnapshot
	desired  *engine.DesiredSet
	result   *classify.Result
}

func (a *app) classify(ctx context.Context, manifestPath string) (*classification, error) {
	cp, err := controlplane.Open(a.cfg.ControlPlane.Driver, a.cfg.ControlPlane.DSN)
	if err != nil {
		return nil, err
	}

	collector := inventory.NewCollector(cp, a.cfg.Tenant, inventory.Options{
		CallTimeout:  a.cfg.Retry.CallTimeout,
		RetryBackoff: a.cfg.Retry.BaseBackoff,
	}, a.logger)
	collectCtx, span := a.tracer.Start(ctx, "collect")
	snapshot, err := collector.Collect(collectCtx, a.cfg.RootScope)
	telemetry.End(span, err)
	if err != nil {
		return nil, err
	}

	_, span = a.tracer.Start(ctx, "load")
	desired, err := manifest.Load(manifestPath)
	telemetry.End(span, err)
	if err != nil {
		return nil, err
	}

	table := rules.NewTable(a.logger)
	if err := table.LoadDirectory(ctx, a.cfg.RulesDir); err != nil {
		return nil, err
	}

	classifier := classify.New(table, a.cfg.Exclusions, a.logger)
	classifyCtx, span := a.tracer.Start(ctx, "classify")
	result, err := classifier.Classify(classifyCtx, snapshot, desired)
	telemetry.End(span, err)
	if err != nil {
		return nil, err
	}
	bySeverity := make(map[engine.Severity]int)
	for i := range result.Conflicts {
		bySeverity[result.Conflicts[i].Severity]++
	}
	for severity, count := range bySeverity {
		a.metrics.ConflictsFound(a.cfg.Tenant, string(severity), count)
	}

	return &classification{snapshot: snapshot, desired: desired, result: result}, nil
}
