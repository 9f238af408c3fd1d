package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/tenetops/tenet/pkg/engine"
)

// builtinRules returns the rules the engine always applies. They encode
// the escalations that must not depend on operator configuration.
func builtinRules() []Rule {
	return []Rule{
		enforcingEffectCollision{},
		orphanExemptionShield{},
	}
}

// enforcingEffectCollision escalates effect collisions where either side
// carries an enforcing effect. A collision between two Audit policies is
// reviewable noise; a collision touching Deny or Modify changes what the
// tenant blocks or rewrites, and must not be auto-resolved.
type enforcingEffectCollision struct{}

func (enforcingEffectCollision) Name() string { return "builtin/enforcing-effect-collision" }

func (r enforcingEffectCollision) Evaluate(_ context.Context, in *Input) (*Verdict, error) {
	if in.Category != engine.CategoryEffectCollision {
		return nil, nil
	}
	if !in.ObservedEffect.IsEnforcing() && !in.DesiredEffect.IsEnforcing() {
		return nil, nil
	}
	return &Verdict{
		Rule:     r.Name(),
		Severity: engine.SeverityRed,
		Rationale: fmt.Sprintf("effect collision involves an enforcing effect (observed %s, desired %s)",
			orNone(in.ObservedEffect), orNone(in.DesiredEffect)),
	}, nil
}

// orphanExemptionShield escalates orphaned policy exemptions that still
// shield resources from enforcing assignments. Deleting such an exemption
// is not cleanup: it changes enforcement behavior.
type orphanExemptionShield struct{}

func (orphanExemptionShield) Name() string { return "builtin/orphan-exemption-shield" }

func (r orphanExemptionShield) Evaluate(_ context.Context, in *Input) (*Verdict, error) {
	if in.Category != engine.CategoryOrphaned || in.Kind != engine.KindPolicyExemption {
		return nil, nil
	}
	if in.Orphan == nil || len(in.Orphan.ProtectedAssignments) == 0 {
		return nil, nil
	}
	return &Verdict{
		Rule:     r.Name(),
		Severity: engine.SeverityRed,
		Rationale: fmt.Sprintf("orphaned exemption still shields enforcing assignments: %s",
			strings.Join(in.Orphan.ProtectedAssignments, ", ")),
	}, nil
}

func orNone(e engine.PolicyEffect) string {
	if e == engine.EffectNone {
		return "none"
	}
	return string(e)
}
