package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tenetops/tenet/pkg/engine"
)

func TestEnforcingEffectCollisionEscalates(t *testing.T) {
	table := NewTable(zerolog.Nop())

	cases := []struct {
		name     string
		observed engine.PolicyEffect
		desired  engine.PolicyEffect
		want     engine.Severity
	}{
		{"audit vs audit stays yellow", engine.EffectAudit, engine.EffectAudit, engine.SeverityYellow},
		{"deny observed goes red", engine.EffectDeny, engine.EffectAudit, engine.SeverityRed},
		{"modify desired goes red", engine.EffectAudit, engine.EffectModify, engine.SeverityRed},
		{"disabled vs audit stays yellow", engine.EffectDisabled, engine.EffectAudit, engine.SeverityYellow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := &Input{
				Category:       engine.CategoryEffectCollision,
				Kind:           engine.KindPolicyAssignment,
				Name:           "pa",
				Scope:          "/alz",
				ObservedEffect: tc.observed,
				DesiredEffect:  tc.desired,
			}
			got, _, err := table.Evaluate(context.Background(), in, engine.SeverityYellow)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tc.want {
				t.Errorf("severity = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestOrphanExemptionShieldEscalates(t *testing.T) {
	table := NewTable(zerolog.Nop())

	in := &Input{
		Category: engine.CategoryOrphaned,
		Kind:     engine.KindPolicyExemption,
		Name:     "legacy-exemption",
		Scope:    "/alz/landingzones",
		Orphan: &OrphanContext{
			ProtectedAssignments: []string{"/alz/PolicyAssignment/deny-public-ip"},
		},
	}
	got, verdicts, err := table.Evaluate(context.Background(), in, engine.SeverityYellow)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != engine.SeverityRed {
		t.Errorf("severity = %s, want Red", got)
	}
	if len(verdicts) != 1 {
		t.Fatalf("verdicts = %d, want 1", len(verdicts))
	}

	// An exemption that shields nothing stays at the base severity.
	in.Orphan = &OrphanContext{}
	got, _, err = table.Evaluate(context.Background(), in, engine.SeverityYellow)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != engine.SeverityYellow {
		t.Errorf("severity = %s, want Yellow", got)
	}
}

func TestRulesNeverLowerSeverity(t *testing.T) {
	table := NewTable(zerolog.Nop())
	err := table.LoadSource(context.Background(), "lower.rego", `
package tenet.rules

escalate contains v if {
	input.category == "Orphaned"
	v := {"severity": "Green", "rationale": "try to lower"}
}
`)
	if err != nil {
		t.Fatalf("LoadSource: %v", err)
	}

	in := &Input{Category: engine.CategoryOrphaned, Kind: engine.KindNetworkResource, Name: "vnet", Scope: "/alz"}
	got, verdicts, err := table.Evaluate(context.Background(), in, engine.SeverityYellow)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != engine.SeverityYellow {
		t.Errorf("severity lowered to %s", got)
	}
	if len(verdicts) != 1 {
		t.Errorf("verdict not recorded")
	}
}

func TestLoadDirectoryAndRegoEscalation(t *testing.T) {
	dir := t.TempDir()
	rule := `
package tenet.rules

escalate contains v if {
	input.category == "Orphaned"
	input.kind == "RoleAssignment"
	v := {"severity": "Red", "rationale": "role assignments are never auto-cleaned here"}
}
`
	if err := os.WriteFile(filepath.Join(dir, "roles.rego"), []byte(rule), 0o644); err != nil {
		t.Fatal(err)
	}
	// Non-rego files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	table := NewTable(zerolog.Nop())
	if err := table.LoadDirectory(context.Background(), dir); err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	if names := table.Names(); len(names) != 1 || names[0] != "roles.rego" {
		t.Fatalf("loaded = %v", names)
	}

	in := &Input{Category: engine.CategoryOrphaned, Kind: engine.KindRoleAssignment, Name: "ra", Scope: "/alz"}
	got, _, err := table.Evaluate(context.Background(), in, engine.SeverityYellow)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != engine.SeverityRed {
		t.Errorf("severity = %s, want Red", got)
	}

	// A kind the rule does not match stays put.
	in.Kind = engine.KindNetworkResource
	got, _, err = table.Evaluate(context.Background(), in, engine.SeverityYellow)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != engine.SeverityYellow {
		t.Errorf("severity = %s, want Yellow", got)
	}
}

func TestLoadDirectoryMissingIsNoop(t *testing.T) {
	table := NewTable(zerolog.Nop())
	if err := table.LoadDirectory(context.Background(), "/nonexistent/rules"); err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
}

func TestLoadSourceRejectsBadRego(t *testing.T) {
	table := NewTable(zerolog.Nop())
	err := table.LoadSource(context.Background(), "bad.rego", "package tenet.rules\n\nescalate contains")
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("error code: %v", err)
	}
}
