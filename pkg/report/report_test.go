package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tenetops/tenet/pkg/classify"
	"github.com/tenetops/tenet/pkg/engine"
)

func testPlan(t *testing.T) *engine.ReconciliationPlan {
	t.Helper()
	mg := engine.EntityKey{Kind: engine.KindManagementGroup, Name: "landingzones", Scope: "/alz"}
	pa := engine.EntityKey{Kind: engine.KindPolicyAssignment, Name: "deny-public-ip", Scope: "/alz/corp"}
	plan := &engine.ReconciliationPlan{
		Tenant: "contoso",
		Mode:   engine.ModeBrownfield,
		Steps: []engine.PlanStep{
			{
				ID:             engine.StepID(engine.OpCreate, mg),
				Entity:         mg,
				Operation:      engine.OpCreate,
				UnmanageAction: engine.UnmanageDetachAll,
				DependencyRank: 1,
			},
			{
				ID:             engine.StepID(engine.OpCreate, pa),
				Entity:         pa,
				Operation:      engine.OpCreate,
				UnmanageAction: engine.UnmanageDetachAll,
				DependencyRank: 2,
			},
		},
	}
	id, err := engine.HashCanonical(plan)
	if err != nil {
		t.Fatalf("HashCanonical: %v", err)
	}
	plan.ID = id
	return plan
}

func TestPlanRoundTrip(t *testing.T) {
	plan := testPlan(t)

	var buf bytes.Buffer
	if err := WritePlan(&buf, plan); err != nil {
		t.Fatalf("WritePlan: %v", err)
	}
	got, err := ReadPlan(&buf)
	if err != nil {
		t.Fatalf("ReadPlan: %v", err)
	}
	if got.ID != plan.ID {
		t.Errorf("ID = %s, want %s", got.ID, plan.ID)
	}
	if len(got.Steps) != len(plan.Steps) {
		t.Fatalf("steps = %d, want %d", len(got.Steps), len(plan.Steps))
	}
	for i := range plan.Steps {
		if got.Steps[i].ID != plan.Steps[i].ID {
			t.Errorf("step %d: ID = %s, want %s", i, got.Steps[i].ID, plan.Steps[i].ID)
		}
	}
}

func TestReadPlanRejectsTamperedArtifact(t *testing.T) {
	plan := testPlan(t)
	var buf bytes.Buffer
	if err := WritePlan(&buf, plan); err != nil {
		t.Fatalf("WritePlan: %v", err)
	}

	// Flip the destructiveness of a step without recomputing the hash.
	edited := strings.Replace(buf.String(), string(engine.UnmanageDetachAll), string(engine.UnmanageDeleteAll), 1)
	_, err := ReadPlan(strings.NewReader(edited))
	if err == nil {
		t.Fatal("tampered plan accepted")
	}
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("error code: %v", err)
	}
}

func TestReadPlanRejectsUnknownFields(t *testing.T) {
	_, err := ReadPlan(strings.NewReader(`{"id":"x","tenant":"t","mode":"Brownfield","steps":[],"bogus":1}`))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func testReport(t *testing.T) *Report {
	t.Helper()
	tree := engine.NewScopeTree("/alz", "alz")
	if err := tree.Add("/alz/corp", "/alz", "corp", engine.ScopeUnreachable); err != nil {
		t.Fatalf("Add: %v", err)
	}
	snapshot := &engine.InventorySnapshot{
		Tenant:      "contoso",
		CollectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Scopes:      tree,
		Entities: []engine.ManagedEntity{
			{Kind: engine.KindPolicyDefinition, Name: "deny-public-ip", Scope: "/alz"},
		},
	}
	result := &classify.Result{
		Conflicts: []engine.Conflict{
			{
				Entity:          engine.EntityKey{Kind: engine.KindPolicyAssignment, Name: "pa", Scope: "/alz"},
				Category:        engine.CategoryEffectCollision,
				Severity:        engine.SeverityRed,
				Rationale:       "enforcing effect differs",
				SuggestedAction: engine.ActionManualResolutionRequired,
			},
			{
				Entity:          engine.EntityKey{Kind: engine.KindNetworkResource, Name: "legacy-vnet", Scope: "/alz"},
				Category:        engine.CategoryOrphaned,
				Severity:        engine.SeverityYellow,
				Rationale:       "observed but not declared",
				SuggestedAction: engine.ActionDetach,
			},
		},
		ToCreate: []engine.ManagedEntity{
			{Kind: engine.KindManagementGroup, Name: "landingzones", Scope: "/alz"},
		},
	}
	return New(snapshot, result, engine.ModeBrownfield)
}

func TestReportRoundTrip(t *testing.T) {
	rep := testReport(t)
	rep.Plan = testPlan(t)

	var buf bytes.Buffer
	if err := WriteJSON(&buf, rep); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	got, err := ReadReport(&buf)
	if err != nil {
		t.Fatalf("ReadReport: %v", err)
	}
	if got.Tenant != "contoso" || got.Mode != engine.ModeBrownfield {
		t.Errorf("header = %s/%s", got.Tenant, got.Mode)
	}
	if len(got.Conflicts) != 2 || len(got.ToCreate) != 1 {
		t.Errorf("conflicts = %d, toCreate = %d", len(got.Conflicts), len(got.ToCreate))
	}
	if got.Observed.Scopes != 2 || len(got.Observed.Unreachable) != 1 {
		t.Errorf("observed = %+v", got.Observed)
	}
	if got.Plan == nil || got.Plan.ID != rep.Plan.ID {
		t.Error("embedded plan lost or altered")
	}
}

func TestWriteConsole(t *testing.T) {
	rep := testReport(t)
	rep.Plan = testPlan(t)
	rep.Run = &engine.RunResult{
		Run: engine.Run{ID: "0c9adf2e-1111-2222-3333-444455556666", Status: engine.RunStatusFailed},
		Records: []engine.ExecutionRecord{
			{StepID: "create:ManagementGroup:/alz:landingzones", Status: engine.StepStatusSucceeded, AttemptCount: 1},
			{StepID: "create:PolicyAssignment:/alz/corp:deny-public-ip", Status: engine.StepStatusFailed, AttemptCount: 4, LastError: "throttled"},
		},
	}
	rep.Run.Summarize()

	var buf bytes.Buffer
	e := NewEmitter(&buf, true, zerolog.Nop())
	e.WriteConsole(rep)
	out := buf.String()

	for _, want := range []string{
		"Tenant contoso (Brownfield mode)",
		"scope /alz/corp unreachable",
		"RED",
		"EffectCollision",
		"YELLOW",
		"Orphaned",
		"To create (1)",
		"rank 1:",
		"rank 2:",
		"deny-public-ip",
		"1 succeeded, 1 failed",
		"throttled",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("console output missing %q\n%s", want, out)
		}
	}
}

func TestWriteConsoleNoConflicts(t *testing.T) {
	rep := &Report{Tenant: "contoso", Mode: engine.ModeGreenfield}
	var buf bytes.Buffer
	NewEmitter(&buf, true, zerolog.Nop()).WriteConsole(rep)
	if !strings.Contains(buf.String(), "no conflicts") {
		t.Errorf("output: %s", buf.String())
	}
}
