// Package classify implements conflict classification: the pure diff of
// observed tenant state against declared state.
//
// Classification is a pure function of (observed, desired, rules,
// exclusions): identical inputs yield identical conflict lists in
// identical order. The classifier performs no I/O against the control
// plane and mutates neither snapshot.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/wI2L/jsondiff"

	"github.com/tenetops/tenet/pkg/config"
	"github.com/tenetops/tenet/pkg/engine"
	"github.com/tenetops/tenet/pkg/rules"
)

// Result is the classifier's full output: every divergence as a conflict,
// plus the declared entities that simply do not exist yet.
type Result struct {
	// Conflicts are sorted by (severity desc, kind, scope, name).
	Conflicts []engine.Conflict `json:"conflicts"`

	// ToCreate are declared entities with no observed counterpart and no
	// blocking conflict. They are pending creations, not conflicts.
	ToCreate []engine.ManagedEntity `json:"to_create"`
}

// RedConflicts returns the conflicts that block planning.
func (r *Result) RedConflicts() []engine.Conflict {
	var out []engine.Conflict
	for _, c := range r.Conflicts {
		if c.Severity == engine.SeverityRed {
			out = append(out, c)
		}
	}
	return out
}

// Classifier diffs observed against desired state.
type Classifier struct {
	table      *rules.Table
	exclusions []config.Exclusion
	logger     zerolog.Logger
}

// New creates a classifier with the given rule table and exclusion list.
func New(table *rules.Table, exclusions []config.Exclusion, logger zerolog.Logger) *Classifier {
	return &Classifier{
		table:      table,
		exclusions: exclusions,
		logger:     logger.With().Str("component", "classify").Logger(),
	}
}

// Classify compares observed and desired state and grades every
// divergence. The context is threaded to rule evaluation only.
func (c *Classifier) Classify(ctx context.Context, observed *engine.InventorySnapshot, desired *engine.DesiredSet) (*Result, error) {
	if err := observed.Validate(); err != nil {
		return nil, err
	}

	desiredIdx := desired.Index()
	observedIdx := make(map[engine.EntityKey]*engine.ManagedEntity, len(observed.Entities))
	for i := range observed.Entities {
		observedIdx[observed.Entities[i].Key()] = &observed.Entities[i]
	}

	// (kind, name) groupings drive collision and drift detection for
	// entities that match by name but not by scope.
	observedByName := groupByName(observed.Entities)

	result := &Result{}
	// collided marks observed entities already reported through a
	// name-level conflict so they are not double-reported as orphans.
	collided := make(map[engine.EntityKey]bool)

	// Desired side first: exact matches are handled from the observed
	// walk; here we find pending creations, unresolvable declarations,
	// and collisions that would make creation fail.
	for i := range desired.Entities {
		d := &desired.Entities[i]
		if _, matched := observedIdx[d.Key()]; matched {
			continue
		}
		if d.Unresolvable {
			result.Conflicts = append(result.Conflicts, engine.Conflict{
				Entity:   d.Key(),
				Category: engine.CategoryStructuralMismatch,
				Severity: engine.SeverityRed,
				Rationale: fmt.Sprintf("declared entity has unresolved references: %s",
					strings.Join(d.UnresolvedRefs, ", ")),
				SuggestedAction: engine.ActionManualResolutionRequired,
			})
			continue
		}
		if conflict, counterpart := c.nameConflict(d, observedByName, observed, desired); conflict != nil {
			result.Conflicts = append(result.Conflicts, *conflict)
			if counterpart != nil {
				collided[counterpart.Key()] = true
			}
			if conflict.Severity == engine.SeverityRed {
				continue
			}
		}
		result.ToCreate = append(result.ToCreate, *d)
	}

	// Observed side: matches, orphans, and exclusions.
	for i := range observed.Entities {
		o := &observed.Entities[i]
		key := o.Key()
		if collided[key] {
			continue
		}
		if excl := c.matchExclusion(o); excl != nil {
			result.Conflicts = append(result.Conflicts, *excl)
			continue
		}

		d, matched := desiredIdx[key]
		if !matched {
			conflict, err := c.classifyOrphan(ctx, o, observed)
			if err != nil {
				return nil, err
			}
			result.Conflicts = append(result.Conflicts, *conflict)
			continue
		}
		if o.PayloadHash == d.PayloadHash {
			continue // converged, implicit adopt
		}
		conflict, err := c.classifyPayloadDivergence(ctx, o, d)
		if err != nil {
			return nil, err
		}
		result.Conflicts = append(result.Conflicts, *conflict)
	}

	// Unreachable scopes cannot prove absence of conflict; surface each
	// one as reviewable drift rather than silently assuming it is clean.
	for _, scopeID := range observed.UnreachableScopes() {
		result.Conflicts = append(result.Conflicts, unreachableScopeConflict(scopeID, observed))
	}

	sortConflicts(result.Conflicts)
	sort.Slice(result.ToCreate, func(i, j int) bool {
		return result.ToCreate[i].Key().Less(result.ToCreate[j].Key())
	})

	c.logger.Info().
		Int("conflicts", len(result.Conflicts)).
		Int("to_create", len(result.ToCreate)).
		Int("red", len(result.RedConflicts())).
		Msg("classification complete")
	return result, nil
}

// classifyPayloadDivergence grades an exact-key match whose payloads
// differ. The base severity is Yellow; the rule table escalates when an
// enforcing effect is involved.
func (c *Classifier) classifyPayloadDivergence(ctx context.Context, observed, desired *engine.ManagedEntity) (*engine.Conflict, error) {
	in := &rules.Input{
		Category:       engine.CategoryEffectCollision,
		Kind:           observed.Kind,
		Name:           observed.Name,
		Scope:          observed.Scope,
		ObservedEffect: observed.Effect,
		DesiredEffect:  desired.Effect,
	}
	severity, verdicts, err := c.table.Evaluate(ctx, in, engine.SeverityYellow)
	if err != nil {
		return nil, err
	}

	conflict := &engine.Conflict{
		Entity:          observed.Key(),
		Category:        engine.CategoryEffectCollision,
		Severity:        severity,
		Rationale:       "observed and declared payloads diverge",
		SuggestedAction: engine.ActionAdopt,
	}
	if severity == engine.SeverityRed {
		conflict.SuggestedAction = engine.ActionManualResolutionRequired
	}
	appendVerdicts(conflict, verdicts)

	if len(observed.Payload) > 0 && len(desired.Payload) > 0 {
		patch, err := jsondiff.CompareJSON(observed.Payload, desired.Payload)
		if err == nil && patch != nil {
			if raw, err := json.Marshal(patch); err == nil {
				conflict.Diff = raw
			}
		}
	}
	return conflict, nil
}

// classifyOrphan grades an observed entity with no declared counterpart.
func (c *Classifier) classifyOrphan(ctx context.Context, orphan *engine.ManagedEntity, observed *engine.InventorySnapshot) (*engine.Conflict, error) {
	in := &rules.Input{
		Category:       engine.CategoryOrphaned,
		Kind:           orphan.Kind,
		Name:           orphan.Name,
		Scope:          orphan.Scope,
		ObservedEffect: orphan.Effect,
	}
	if orphan.Kind == engine.KindPolicyExemption {
		in.Orphan = &rules.OrphanContext{
			ProtectedAssignments: protectedAssignments(orphan, observed),
		}
	}

	severity, verdicts, err := c.table.Evaluate(ctx, in, engine.SeverityYellow)
	if err != nil {
		return nil, err
	}
	conflict := &engine.Conflict{
		Entity:          orphan.Key(),
		Category:        engine.CategoryOrphaned,
		Severity:        severity,
		Rationale:       "observed entity is not declared in the manifest",
		SuggestedAction: engine.ActionDetach,
	}
	if severity == engine.SeverityRed {
		conflict.SuggestedAction = engine.ActionManualResolutionRequired
	}
	appendVerdicts(conflict, verdicts)
	return conflict, nil
}

// nameConflict detects (kind, name) matches at divergent scopes for a
// desired entity with no exact match. Three shapes come out of this:
//
//   - scope nodes whose declared placement differs from the observed
//     hierarchy are structural mismatches, always Red; the classifier
//     never guesses a remapping;
//   - globally-named kinds, and scopes related by ancestry, collide: the
//     control plane would reject the creation outright, always Red;
//   - unrelated scopes are placement drift: creation is safe, but the
//     stranded observed entity deserves review.
func (c *Classifier) nameConflict(d *engine.ManagedEntity, observedByName map[nameKey][]*engine.ManagedEntity, observed *engine.InventorySnapshot, desired *engine.DesiredSet) (*engine.Conflict, *engine.ManagedEntity) {
	candidates := observedByName[nameKey{Kind: d.Kind, Name: d.Name}]
	if len(candidates) == 0 {
		return nil, nil
	}
	// Deterministic candidate choice: lowest key first.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Key().Less(candidates[j].Key())
	})
	o := candidates[0]

	if d.Kind.IsScopeNode() {
		return &engine.Conflict{
			Entity:   d.Key(),
			Category: engine.CategoryStructuralMismatch,
			Severity: engine.SeverityRed,
			Rationale: fmt.Sprintf("declared scope node %s exists under %s, not %s; hierarchy shape is incompatible",
				d.Name, o.Scope, d.Scope),
			SuggestedAction: engine.ActionManualResolutionRequired,
		}, o
	}

	overlapping := d.Kind.IsGloballyNamed() ||
		observed.Scopes.IsAncestor(o.Scope, d.Scope) ||
		desired.Scopes.IsAncestor(d.Scope, o.Scope)
	if overlapping {
		return &engine.Conflict{
			Entity:   d.Key(),
			Category: engine.CategoryNameCollision,
			Severity: engine.SeverityRed,
			Rationale: fmt.Sprintf("name %q already exists at %s; creation at %s would be rejected",
				d.Name, o.Scope, d.Scope),
			SuggestedAction: engine.ActionManualResolutionRequired,
		}, o
	}

	return &engine.Conflict{
		Entity:   o.Key(),
		Category: engine.CategoryPlacementDrift,
		Severity: engine.SeverityYellow,
		Rationale: fmt.Sprintf("entity %q observed at %s but declared at unrelated scope %s",
			d.Name, o.Scope, d.Scope),
		SuggestedAction: engine.ActionManualResolutionRequired,
	}, o
}

// matchExclusion returns the exclusion conflict for an observed entity
// covered by the tenant's exclusion list, or nil. Exclusions still emit a
// conflict so nothing observed disappears from the report.
func (c *Classifier) matchExclusion(o *engine.ManagedEntity) *engine.Conflict {
	for i := range c.exclusions {
		if !c.exclusions[i].Matches(o) {
			continue
		}
		return &engine.Conflict{
			Entity:          o.Key(),
			Category:        engine.CategoryOrphaned,
			Severity:        engine.SeverityGreen,
			Rationale:       "excluded by tenant configuration, intentionally out of band",
			SuggestedAction: engine.ActionExclude,
		}
	}
	return nil
}

// unreachableScopeConflict surfaces a scope that could not be enumerated.
func unreachableScopeConflict(scopeID string, observed *engine.InventorySnapshot) engine.Conflict {
	key := engine.EntityKey{Kind: engine.KindManagementGroup, Scope: scopeID, Name: scopeNodeName(scopeID)}
	// The scope node was discovered through its parent entity; recover its
	// real kind when possible.
	for i := range observed.Entities {
		e := &observed.Entities[i]
		if e.Kind.IsScopeNode() && e.Scope+"/"+e.Name == scopeID {
			key = e.Key()
			break
		}
	}
	return engine.Conflict{
		Entity:   key,
		Category: engine.CategoryPlacementDrift,
		Severity: engine.SeverityYellow,
		Rationale: fmt.Sprintf("scope %s could not be enumerated; absence of conflict cannot be proven",
			scopeID),
		SuggestedAction: engine.ActionManualResolutionRequired,
	}
}

// protectedAssignments lists enforcing policy assignments the exemption
// shields: assignments at the exemption's scope or any ancestor, narrowed
// to the one named in the payload when present.
func protectedAssignments(exemption *engine.ManagedEntity, observed *engine.InventorySnapshot) []string {
	target := gjson.GetBytes(exemption.Payload, "policyAssignmentId").String()
	var out []string
	for i := range observed.Entities {
		e := &observed.Entities[i]
		if e.Kind != engine.KindPolicyAssignment || !e.Effect.IsEnforcing() {
			continue
		}
		inScope := e.Scope == exemption.Scope ||
			observed.Scopes.IsAncestor(e.Scope, exemption.Scope)
		if !inScope {
			continue
		}
		id := e.Key().ResourceID()
		if target != "" && id != target {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type nameKey struct {
	Kind engine.EntityKind
	Name string
}

func groupByName(entities []engine.ManagedEntity) map[nameKey][]*engine.ManagedEntity {
	out := make(map[nameKey][]*engine.ManagedEntity)
	for i := range entities {
		e := &entities[i]
		k := nameKey{Kind: e.Kind, Name: e.Name}
		out[k] = append(out[k], e)
	}
	return out
}

func appendVerdicts(conflict *engine.Conflict, verdicts []rules.Verdict) {
	for _, v := range verdicts {
		if v.Severity.Rank() >= conflict.Severity.Rank() && v.Rationale != "" {
			conflict.Rationale = conflict.Rationale + "; " + v.Rationale
		}
	}
}

func scopeNodeName(scopeID string) string {
	idx := strings.LastIndex(scopeID, "/")
	if idx < 0 {
		return scopeID
	}
	return scopeID[idx+1:]
}

// sortConflicts imposes the deterministic report order: severity
// descending, then kind, scope, name.
func sortConflicts(conflicts []engine.Conflict) {
	sort.SliceStable(conflicts, func(i, j int) bool {
		a, b := &conflicts[i], &conflicts[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Entity.Kind != b.Entity.Kind {
			return a.Entity.Kind < b.Entity.Kind
		}
		if a.Entity.Scope != b.Entity.Scope {
			return a.Entity.Scope < b.Entity.Scope
		}
		return a.Entity.Name < b.Entity.Name
	})
}
