package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EntityKey is the unique identity of a managed entity within one snapshot.
type EntityKey struct {
	// Kind is the entity variant.
	Kind EntityKind `json:"kind"`

	// Name is the natural key within the scope.
	Name string `json:"name"`

	// Scope is the hierarchical path the entity lives at (e.g. "/alz/platform").
	Scope string `json:"scope"`
}

// String renders the key in kind:scope:name form.
func (k EntityKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.Scope, k.Name)
}

// Less imposes a total order on keys: kind, then scope, then name.
func (k EntityKey) Less(other EntityKey) bool {
	if k.Kind != other.Kind {
		return k.Kind < other.Kind
	}
	if k.Scope != other.Scope {
		return k.Scope < other.Scope
	}
	return k.Name < other.Name
}

// ResourceID renders the control-plane resource identifier for the key.
func (k EntityKey) ResourceID() string {
	return fmt.Sprintf("%s/%s/%s", k.Scope, k.Kind, k.Name)
}

// ManagedEntity is the identity-stable unit under reconciliation. Observed
// and declared entities are normalized into this one shape so the classifier
// diffs structurally identical representations.
type ManagedEntity struct {
	// Kind is the entity variant.
	Kind EntityKind `json:"kind"`

	// Name is the natural key within the scope.
	Name string `json:"name"`

	// Scope is the hierarchical path the entity lives at.
	Scope string `json:"scope"`

	// Effect is the policy effect for policy-shaped kinds; EffectNone otherwise.
	Effect PolicyEffect `json:"effect,omitempty"`

	// Payload is the full entity document.
	Payload json.RawMessage `json:"payload,omitempty"`

	// PayloadHash is the canonical-JSON hash of Payload, used for change
	// detection without deep comparison.
	PayloadHash string `json:"payload_hash,omitempty"`

	// Source records where the entity was seen.
	Source SourceOfTruth `json:"source"`

	// Severity is assigned by the classifier; empty until classified.
	Severity Severity `json:"severity,omitempty"`

	// Unresolvable marks a declared entity whose manifest-internal references
	// could not be resolved. Propagated to the classifier as a structural
	// mismatch candidate, never silently dropped.
	Unresolvable bool `json:"unresolvable,omitempty"`

	// UnresolvedRefs lists the references that failed to resolve.
	UnresolvedRefs []string `json:"unresolved_refs,omitempty"`
}

// Key returns the entity's unique key.
func (e *ManagedEntity) Key() EntityKey {
	return EntityKey{Kind: e.Kind, Name: e.Name, Scope: e.Scope}
}

// Validate checks structural validity of the entity.
func (e *ManagedEntity) Validate() error {
	if err := e.Kind.Validate(); err != nil {
		return err
	}
	if e.Name == "" {
		return fmt.Errorf("entity has empty name")
	}
	if e.Scope == "" || !strings.HasPrefix(e.Scope, "/") {
		return fmt.Errorf("entity %s has invalid scope %q", e.Name, e.Scope)
	}
	return e.Effect.Validate()
}

// ScopeNode is a position in the management-group/subscription hierarchy.
type ScopeNode struct {
	// ID is the scope path (e.g. "/alz/platform").
	ID string `json:"id"`

	// ParentID is the parent scope path; empty only for the tenant root.
	ParentID string `json:"parent_id,omitempty"`

	// DisplayName is the human-readable name.
	DisplayName string `json:"display_name,omitempty"`

	// ChildIDs are the direct children of this node.
	ChildIDs []string `json:"child_ids,omitempty"`

	// Status records whether the scope could be enumerated.
	Status ScopeStatus `json:"status"`
}

// Name returns the last path segment of the scope ID.
func (n *ScopeNode) Name() string {
	idx := strings.LastIndex(n.ID, "/")
	if idx < 0 {
		return n.ID
	}
	return n.ID[idx+1:]
}

// InventorySnapshot is the immutable observed state of a tenant. A new
// inventory pass produces a new snapshot; nothing mutates entities after
// the snapshot is taken.
type InventorySnapshot struct {
	// Tenant is the tenant identifier the snapshot was collected from.
	Tenant string `json:"tenant"`

	// CollectedAt is when collection finished.
	CollectedAt time.Time `json:"collected_at"`

	// Scopes is the observed scope hierarchy, including unreachable nodes.
	Scopes *ScopeTree `json:"scopes"`

	// Entities are all observed entities, keyed uniquely by (kind, name, scope).
	Entities []ManagedEntity `json:"entities"`
}

// UnreachableScopes returns the IDs of scopes that could not be enumerated.
func (s *InventorySnapshot) UnreachableScopes() []string {
	if s.Scopes == nil {
		return nil
	}
	var out []string
	for _, id := range s.Scopes.SortedIDs() {
		if s.Scopes.Nodes[id].Status == ScopeUnreachable {
			out = append(out, id)
		}
	}
	return out
}

// Validate checks snapshot invariants: a valid scope tree and unique
// entity keys. A violation signals a collector bug, not bad tenant state.
func (s *InventorySnapshot) Validate() error {
	if s.Scopes != nil {
		if err := s.Scopes.Validate(); err != nil {
			return err
		}
	}
	seen := make(map[EntityKey]struct{}, len(s.Entities))
	for i := range s.Entities {
		key := s.Entities[i].Key()
		if _, dup := seen[key]; dup {
			return NewPermanentError("duplicate entity key in snapshot", nil).
				WithCode(ErrCodeInvariantViolation).
				WithEntity(key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// DesiredSet is the normalized declared state loaded from a manifest.
type DesiredSet struct {
	// Tenant is the tenant the manifest targets.
	Tenant string `json:"tenant"`

	// Source identifies where the manifest was loaded from.
	Source string `json:"source,omitempty"`

	// Scopes is the declared scope hierarchy.
	Scopes *ScopeTree `json:"scopes"`

	// Entities are all declared entities in normalized form.
	Entities []ManagedEntity `json:"entities"`
}

// Index builds a lookup of desired entities by key.
func (d *DesiredSet) Index() map[EntityKey]*ManagedEntity {
	idx := make(map[EntityKey]*ManagedEntity, len(d.Entities))
	for i := range d.Entities {
		idx[d.Entities[i].Key()] = &d.Entities[i]
	}
	return idx
}

// Conflict is the classifier's verdict on one divergent entity.
type Conflict struct {
	// Entity references the divergent entity by key.
	Entity EntityKey `json:"entity"`

	// Category classifies the divergence.
	Category ConflictCategory `json:"category"`

	// Severity grades the conflict for review.
	Severity Severity `json:"severity"`

	// Rationale explains the verdict in free text.
	Rationale string `json:"rationale"`

	// Diff is an RFC 6902 patch from observed to desired payload, when both
	// sides exist.
	Diff json.RawMessage `json:"diff,omitempty"`

	// SuggestedAction is the proposed resolution.
	SuggestedAction SuggestedAction `json:"suggested_action"`
}

// PlanStep is one unit of work in a reconciliation plan. Step IDs are
// deterministic functions of the operation and entity key so that planning
// twice on unchanged inputs yields byte-identical plans.
type PlanStep struct {
	// ID is the deterministic step identifier.
	ID string `json:"id"`

	// Entity is the entity the step operates on.
	Entity EntityKey `json:"entity"`

	// Operation is the control-plane operation to perform.
	Operation StepOperation `json:"operation"`

	// UnmanageAction is the staged convergence posture for this step.
	UnmanageAction UnmanageAction `json:"unmanage_action"`

	// DependencyRank orders execution; lower ranks execute first, and a
	// barrier separates ranks. Steps within a rank may run concurrently.
	DependencyRank int `json:"dependency_rank"`

	// ExclusiveGroup, when set, serializes this step against every other
	// step sharing the group, regardless of rank parallelism.
	ExclusiveGroup string `json:"exclusive_group,omitempty"`

	// Conflicts references the classified conflicts this step resolves.
	Conflicts []EntityKey `json:"conflicts,omitempty"`

	// Payload is the desired document for create/adopt operations.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Rationale explains why the step is in the plan.
	Rationale string `json:"rationale,omitempty"`
}

// StepID derives the deterministic identifier for an operation on an entity.
func StepID(op StepOperation, key EntityKey) string {
	return fmt.Sprintf("%s:%s", op, key.String())
}

// ReconciliationPlan is an ordered sequence of plan steps. The plan carries
// no timestamps or random identifiers: its ID is a content hash, so planning
// is reproducible for CI dry-run diffing.
type ReconciliationPlan struct {
	// ID is the hex content hash of the canonical plan body.
	ID string `json:"id"`

	// Tenant is the tenant the plan targets.
	Tenant string `json:"tenant"`

	// Mode is the destructive posture the plan was built under.
	Mode Mode `json:"mode"`

	// Steps execute in non-decreasing DependencyRank order.
	Steps []PlanStep `json:"steps"`
}

// MaxRank returns the highest dependency rank in the plan, or -1 if empty.
func (p *ReconciliationPlan) MaxRank() int {
	max := -1
	for i := range p.Steps {
		if p.Steps[i].DependencyRank > max {
			max = p.Steps[i].DependencyRank
		}
	}
	return max
}

// StepsAtRank returns the steps with the given dependency rank, in order.
func (p *ReconciliationPlan) StepsAtRank(rank int) []*PlanStep {
	var out []*PlanStep
	for i := range p.Steps {
		if p.Steps[i].DependencyRank == rank {
			out = append(out, &p.Steps[i])
		}
	}
	return out
}

// Validate checks plan invariants: valid enums, unique step IDs, and steps
// ordered by non-decreasing rank.
func (p *ReconciliationPlan) Validate() error {
	if err := p.Mode.Validate(); err != nil {
		return NewPermanentError("invalid plan", err).WithCode(ErrCodeValidation)
	}
	seen := make(map[string]struct{}, len(p.Steps))
	lastRank := -1
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.ID == "" {
			return NewPermanentError("plan step has empty ID", nil).WithCode(ErrCodeValidation)
		}
		if _, dup := seen[step.ID]; dup {
			return NewPermanentError(fmt.Sprintf("duplicate plan step ID: %s", step.ID), nil).
				WithCode(ErrCodeValidation)
		}
		seen[step.ID] = struct{}{}
		if err := step.Operation.Validate(); err != nil {
			return NewPermanentError("invalid plan step", err).WithCode(ErrCodeValidation).WithStep(step.ID)
		}
		if err := step.UnmanageAction.Validate(); err != nil {
			return NewPermanentError("invalid plan step", err).WithCode(ErrCodeValidation).WithStep(step.ID)
		}
		if step.DependencyRank < lastRank {
			return NewPermanentError("plan steps not ordered by dependency rank", nil).
				WithCode(ErrCodeValidation).WithStep(step.ID)
		}
		lastRank = step.DependencyRank
	}
	return nil
}

// ExecutionRecord is the persisted outcome of applying one plan step.
// Created when a plan is accepted, mutated only by the executor, and
// retained after completion for audit and idempotency checks on re-run.
type ExecutionRecord struct {
	// RunID identifies the run the record belongs to.
	RunID string `json:"run_id"`

	// StepID identifies the plan step.
	StepID string `json:"step_id"`

	// Status is the step's current execution state.
	Status StepStatus `json:"status"`

	// AttemptCount is how many attempts have been made.
	AttemptCount int `json:"attempt_count"`

	// LastError is the most recent failure, verbatim; empty if none.
	LastError string `json:"last_error,omitempty"`

	// StartedAt is when the record was created.
	StartedAt time.Time `json:"started_at"`

	// UpdatedAt is when the record last transitioned.
	UpdatedAt time.Time `json:"updated_at"`
}

// Run is one execution of a plan.
type Run struct {
	// ID is the run identifier.
	ID string `json:"id"`

	// PlanID is the content hash of the executed plan.
	PlanID string `json:"plan_id"`

	// Tenant is the tenant the run targeted.
	Tenant string `json:"tenant"`

	// Mode is the plan's destructive posture.
	Mode Mode `json:"mode"`

	// Status is the overall run state.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error is the overall failure message, if any.
	Error string `json:"error,omitempty"`
}

// RunSummary aggregates step outcomes for a run.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pending"`
	Retries   int `json:"retries"`
}

// RunResult is the executor's return value: the run, its summary, and the
// final execution records.
type RunResult struct {
	Run     Run               `json:"run"`
	Summary RunSummary        `json:"summary"`
	Records []ExecutionRecord `json:"records"`
}

// Summarize recomputes the summary from the records.
func (r *RunResult) Summarize() {
	s := RunSummary{Total: len(r.Records)}
	for i := range r.Records {
		rec := &r.Records[i]
		switch rec.Status {
		case StepStatusSucceeded:
			s.Succeeded++
		case StepStatusFailed:
			s.Failed++
		case StepStatusCancelled:
			s.Cancelled++
		default:
			s.Pending++
		}
		if rec.AttemptCount > 1 {
			s.Retries += rec.AttemptCount - 1
		}
	}
	r.Summary = s
}
