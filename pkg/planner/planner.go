// Package planner turns classification output into an ordered, reviewable
// reconciliation plan.
//
// Planning is deterministic: plan IDs are content hashes of the canonical
// plan body, step IDs are functions of operation and entity key, and no
// timestamps or random identifiers enter the artifact. Planning twice on
// unchanged inputs yields a byte-identical plan.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/tenetops/tenet/pkg/classify"
	"github.com/tenetops/tenet/pkg/engine"
)

// Planner builds reconciliation plans.
type Planner struct {
	logger zerolog.Logger
}

// New creates a planner.
func New(logger zerolog.Logger) *Planner {
	return &Planner{logger: logger.With().Str("component", "planner").Logger()}
}

// Plan converts classified conflicts and pending creations into an ordered
// plan. It refuses while any Red conflict lacks an operator override: the
// refusal lists every blocking conflict so one round trip fixes them all.
//
// The desired set supplies payloads for create and adopt steps. The mode
// fixes the destructive posture for the whole plan and is never inferred
// from the inputs.
func (p *Planner) Plan(result *classify.Result, desired *engine.DesiredSet, mode engine.Mode, overrides *Overrides) (*engine.ReconciliationPlan, error) {
	if err := mode.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid mode", err).WithCode(engine.ErrCodeValidation)
	}

	var blocked []string
	for _, c := range result.RedConflicts() {
		if overrides.Lookup(c.Entity) == nil {
			blocked = append(blocked, c.Entity.String())
		}
	}
	if len(blocked) > 0 {
		sort.Strings(blocked)
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unresolved Red conflicts block planning: %s", strings.Join(blocked, "; ")), nil).
			WithCode(engine.ErrCodePlanRefused)
	}

	unmanage := mode.UnmanageDefault()
	desiredIdx := desired.Index()
	var steps []engine.PlanStep

	for i := range result.ToCreate {
		steps = append(steps, p.createStep(&result.ToCreate[i], unmanage))
	}

	for i := range result.Conflicts {
		c := &result.Conflicts[i]
		action := c.SuggestedAction
		rationale := c.Rationale
		if ov := overrides.Lookup(c.Entity); ov != nil && c.Severity == engine.SeverityRed {
			if ov.Action == "" {
				// Acknowledged without an action: reported, not planned.
				continue
			}
			action = ov.Action
			rationale = fmt.Sprintf("operator override: %s", ov.Justification)
		}
		step, ok := p.conflictStep(c, action, rationale, desiredIdx, unmanage)
		if !ok {
			continue
		}
		steps = append(steps, *step)
	}

	assignRemovalRanks(steps)
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].DependencyRank != steps[j].DependencyRank {
			return steps[i].DependencyRank < steps[j].DependencyRank
		}
		return steps[i].ID < steps[j].ID
	})

	plan := &engine.ReconciliationPlan{
		Tenant: desired.Tenant,
		Mode:   mode,
		Steps:  steps,
	}
	id, err := engine.HashCanonical(plan)
	if err != nil {
		return nil, err
	}
	plan.ID = id
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("plan_id", plan.ID).
		Int("steps", len(plan.Steps)).
		Str("mode", string(mode)).
		Msg("plan built")
	return plan, nil
}

// createStep builds a creation step. Scope-node creations rank at the
// depth of the node they create; every other creation ranks one past its
// containing scope, so a parent scope is always created strictly before
// anything placed within it.
func (p *Planner) createStep(e *engine.ManagedEntity, unmanage engine.UnmanageAction) engine.PlanStep {
	key := e.Key()
	return engine.PlanStep{
		ID:             engine.StepID(engine.OpCreate, key),
		Entity:         key,
		Operation:      engine.OpCreate,
		UnmanageAction: unmanage,
		DependencyRank: scopeDepth(e.Scope) + 1,
		ExclusiveGroup: exclusiveGroup(e.Kind, e.Name, e.Payload),
		Payload:        e.Payload,
		Rationale:      "declared entity does not exist yet",
	}
}

// conflictStep builds the step resolving one conflict, when its action is
// executable. Manual-resolution conflicts produce no step.
func (p *Planner) conflictStep(c *engine.Conflict, action engine.SuggestedAction, rationale string, desiredIdx map[engine.EntityKey]*engine.ManagedEntity, unmanage engine.UnmanageAction) (*engine.PlanStep, bool) {
	if !action.IsExecutable() {
		return nil, false
	}

	var op engine.StepOperation
	var payload []byte
	switch action {
	case engine.ActionAdopt:
		op = engine.OpAdopt
		if d := desiredIdx[c.Entity]; d != nil {
			payload = d.Payload
		}
	case engine.ActionDetach:
		op = engine.OpDetach
		// The mode is the only thing that makes a plan destructive: under
		// DeleteAll the default release of an orphan is a deletion.
		if unmanage == engine.UnmanageDeleteAll {
			op = engine.OpDelete
		}
	case engine.ActionDelete:
		op = engine.OpDelete
	case engine.ActionExclude:
		op = engine.OpExclude
	default:
		return nil, false
	}

	step := &engine.PlanStep{
		ID:             engine.StepID(op, c.Entity),
		Entity:         c.Entity,
		Operation:      op,
		UnmanageAction: unmanage,
		Conflicts:      []engine.EntityKey{c.Entity},
		Payload:        payload,
		Rationale:      rationale,
	}
	switch op {
	case engine.OpAdopt:
		step.DependencyRank = scopeDepth(c.Entity.Scope) + 1
	case engine.OpExclude:
		step.DependencyRank = 0
	default:
		// Removal ranks are assigned after all steps exist; mark with the
		// negated depth so deeper scopes sort earlier.
		step.DependencyRank = removalMarker - scopeDepth(c.Entity.Scope)
	}
	if op == engine.OpAdopt || op == engine.OpCreate {
		step.ExclusiveGroup = exclusiveGroup(c.Entity.Kind, c.Entity.Name, payload)
	} else {
		step.ExclusiveGroup = exclusiveGroup(c.Entity.Kind, c.Entity.Name, nil)
	}
	return step, true
}

// removalMarker tags detach/delete steps until assignRemovalRanks rebases
// them past the creation ranks. It only needs to clear any plausible
// creation depth.
const removalMarker = 1 << 20

// assignRemovalRanks rebases removal steps to ranks after every creation
// rank, ordered so children are removed strictly before their parents.
func assignRemovalRanks(steps []engine.PlanStep) {
	maxCreate, maxDepth := 0, -1
	for i := range steps {
		r := steps[i].DependencyRank
		if r >= removalMarker/2 {
			if d := removalMarker - r; d > maxDepth {
				maxDepth = d
			}
		} else if r > maxCreate {
			maxCreate = r
		}
	}
	if maxDepth < 0 {
		return
	}
	base := maxCreate + 1
	for i := range steps {
		r := steps[i].DependencyRank
		if r >= removalMarker/2 {
			depth := removalMarker - r
			steps[i].DependencyRank = base + (maxDepth - depth)
		}
	}
}

// scopeDepth is the number of path segments in the scope: "/" is 0, "/alz"
// is 1, "/alz/platform" is 2. The bare tenant root is a valid scope, so it
// must sit strictly below its first-level children.
func scopeDepth(scope string) int {
	if scope == "" || scope == "/" {
		return 0
	}
	return strings.Count(scope, "/")
}

// exclusiveGroup tags steps whose writes the control plane serializes per
// identity. Two steps sharing a group never run concurrently.
func exclusiveGroup(kind engine.EntityKind, name string, payload []byte) string {
	if !kind.IsIdentityBound() {
		return ""
	}
	identity := name
	if p := gjson.GetBytes(payload, "principalId"); p.Exists() {
		identity = p.String()
	}
	return "identity/" + identity
}
