package engine

import (
	"encoding/json"
	"fmt"
)

// EntityKind identifies the variant of a managed entity.
type EntityKind string

const (
	// KindManagementGroup is a node in the tenant's scope hierarchy.
	KindManagementGroup EntityKind = "ManagementGroup"

	// KindPolicyDefinition is a single policy definition.
	KindPolicyDefinition EntityKind = "PolicyDefinition"

	// KindPolicySetDefinition is a grouping of policy definitions (initiative).
	KindPolicySetDefinition EntityKind = "PolicySetDefinition"

	// KindPolicyAssignment binds a definition to a scope.
	KindPolicyAssignment EntityKind = "PolicyAssignment"

	// KindPolicyExemption excludes a resource from an assignment's evaluation.
	KindPolicyExemption EntityKind = "PolicyExemption"

	// KindRoleDefinition is a custom role definition.
	KindRoleDefinition EntityKind = "RoleDefinition"

	// KindRoleAssignment grants a role to an identity at a scope.
	KindRoleAssignment EntityKind = "RoleAssignment"

	// KindSubscription is a subscription placed in the hierarchy.
	KindSubscription EntityKind = "Subscription"

	// KindNetworkResource is a connectivity resource (hub, peering, firewall).
	KindNetworkResource EntityKind = "NetworkResource"
)

// Validate checks if the entity kind is valid.
func (k EntityKind) Validate() error {
	switch k {
	case KindManagementGroup, KindPolicyDefinition, KindPolicySetDefinition,
		KindPolicyAssignment, KindPolicyExemption, KindRoleDefinition,
		KindRoleAssignment, KindSubscription, KindNetworkResource:
		return nil
	default:
		return fmt.Errorf("invalid entity kind: %s", k)
	}
}

// IsIdentityBound returns true for kinds whose writes mutate an identity's
// credential or grant set. The control plane rejects concurrent writes to the
// same identity, so plan steps touching these kinds carry an exclusive group.
func (k EntityKind) IsIdentityBound() bool {
	return k == KindRoleAssignment || k == KindRoleDefinition
}

// IsGloballyNamed returns true for kinds whose names must be unique across
// overlapping effective scopes. The control plane rejects a second definition
// with the same name even when declared under a sibling scope.
func (k EntityKind) IsGloballyNamed() bool {
	return k == KindPolicyDefinition || k == KindPolicySetDefinition || k == KindRoleDefinition
}

// IsScopeNode returns true for kinds that are themselves positions in the
// scope hierarchy rather than resources placed within one.
func (k EntityKind) IsScopeNode() bool {
	return k == KindManagementGroup || k == KindSubscription
}

// PolicyEffect is the effect of a policy-shaped entity.
// Modeled as a closed enum rather than free text so escalation rules can
// match exhaustively.
type PolicyEffect string

const (
	EffectDeny              PolicyEffect = "Deny"
	EffectModify            PolicyEffect = "Modify"
	EffectDeployIfNotExists PolicyEffect = "DeployIfNotExists"
	EffectAudit             PolicyEffect = "Audit"
	EffectAuditIfNotExists  PolicyEffect = "AuditIfNotExists"
	EffectDisabled          PolicyEffect = "Disabled"

	// EffectNone is used for entities that carry no policy effect.
	EffectNone PolicyEffect = ""
)

// Validate checks if the policy effect is valid.
func (e PolicyEffect) Validate() error {
	switch e {
	case EffectDeny, EffectModify, EffectDeployIfNotExists,
		EffectAudit, EffectAuditIfNotExists, EffectDisabled, EffectNone:
		return nil
	default:
		return fmt.Errorf("invalid policy effect: %s", e)
	}
}

// IsEnforcing returns true for effects that block or mutate resources.
// Collisions on enforcing effects escalate to Red.
func (e PolicyEffect) IsEnforcing() bool {
	return e == EffectDeny || e == EffectModify
}

// SourceOfTruth records where an entity was seen.
type SourceOfTruth string

const (
	// SourceDeclared means the entity appears only in the desired manifest.
	SourceDeclared SourceOfTruth = "Declared"

	// SourceObserved means the entity exists only in the live tenant.
	SourceObserved SourceOfTruth = "Observed"

	// SourceBoth means the entity appears in both.
	SourceBoth SourceOfTruth = "Both"
)

// Severity grades a conflict for operator review.
type Severity string

const (
	// SeverityGreen means safe to adopt automatically.
	SeverityGreen Severity = "Green"

	// SeverityYellow means reviewable; uncertainty flows here as data,
	// never as a crash.
	SeverityYellow Severity = "Yellow"

	// SeverityRed blocks planning until an operator supplies an override.
	SeverityRed Severity = "Red"
)

// Rank returns the sort weight of the severity. Higher sorts first.
func (s Severity) Rank() int {
	switch s {
	case SeverityRed:
		return 2
	case SeverityYellow:
		return 1
	default:
		return 0
	}
}

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	switch s {
	case SeverityGreen, SeverityYellow, SeverityRed:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// ConflictCategory classifies what kind of divergence was found.
type ConflictCategory string

const (
	// CategoryNameCollision is a same-name entity at an overlapping but not
	// identical scope. The control plane will reject creation outright.
	CategoryNameCollision ConflictCategory = "NameCollision"

	// CategoryEffectCollision is a matched entity whose payload diverges.
	CategoryEffectCollision ConflictCategory = "EffectCollision"

	// CategoryStructuralMismatch is a scope-tree shape incompatibility.
	// Never remapped automatically.
	CategoryStructuralMismatch ConflictCategory = "StructuralMismatch"

	// CategoryPlacementDrift is a hierarchy placement divergence, or an
	// unreachable scope whose contents could not be verified.
	CategoryPlacementDrift ConflictCategory = "PlacementDrift"

	// CategoryOrphaned is an observed entity with no desired counterpart.
	CategoryOrphaned ConflictCategory = "Orphaned"
)

// Validate checks if the conflict category is valid.
func (c ConflictCategory) Validate() error {
	switch c {
	case CategoryNameCollision, CategoryEffectCollision,
		CategoryStructuralMismatch, CategoryPlacementDrift, CategoryOrphaned:
		return nil
	default:
		return fmt.Errorf("invalid conflict category: %s", c)
	}
}

// SuggestedAction is the classifier's proposed resolution for a conflict.
type SuggestedAction string

const (
	// ActionAdopt brings the entity under management, converging its payload.
	ActionAdopt SuggestedAction = "Adopt"

	// ActionDetach releases ownership without deleting the resource.
	ActionDetach SuggestedAction = "Detach"

	// ActionDelete removes the resource from the tenant.
	ActionDelete SuggestedAction = "Delete"

	// ActionExclude records the entity as intentionally out of band.
	ActionExclude SuggestedAction = "Exclude"

	// ActionManualResolutionRequired means no automated action is safe.
	ActionManualResolutionRequired SuggestedAction = "ManualResolutionRequired"
)

// IsExecutable returns true if the action can appear on a plan step.
func (a SuggestedAction) IsExecutable() bool {
	return a == ActionAdopt || a == ActionDetach || a == ActionDelete || a == ActionExclude
}

// Validate checks if the suggested action is valid.
func (a SuggestedAction) Validate() error {
	switch a {
	case ActionAdopt, ActionDetach, ActionDelete, ActionExclude, ActionManualResolutionRequired:
		return nil
	default:
		return fmt.Errorf("invalid suggested action: %s", a)
	}
}

// UnmanageAction controls what happens to resources the automation stops
// managing during convergence.
type UnmanageAction string

const (
	// UnmanageDetachAll releases ownership but leaves resources in place.
	// The brownfield default: never destroy what the automation does not own.
	UnmanageDetachAll UnmanageAction = "DetachAll"

	// UnmanageDeleteAll removes unmanaged resources. Greenfield only.
	UnmanageDeleteAll UnmanageAction = "DeleteAll"
)

// Validate checks if the unmanage action is valid.
func (u UnmanageAction) Validate() error {
	switch u {
	case UnmanageDetachAll, UnmanageDeleteAll:
		return nil
	default:
		return fmt.Errorf("invalid unmanage action: %s", u)
	}
}

// Mode selects the destructive posture of the planner. It is the only
// sanctioned way the destructive behavior changes and is never inferred
// from scan results.
type Mode string

const (
	// ModeBrownfield defaults every step to DetachAll.
	ModeBrownfield Mode = "Brownfield"

	// ModeGreenfield defaults every step to DeleteAll.
	ModeGreenfield Mode = "Greenfield"
)

// UnmanageDefault returns the unmanage action steps default to in this mode.
func (m Mode) UnmanageDefault() UnmanageAction {
	if m == ModeGreenfield {
		return UnmanageDeleteAll
	}
	return UnmanageDetachAll
}

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeBrownfield, ModeGreenfield:
		return nil
	default:
		return fmt.Errorf("invalid mode: %s", m)
	}
}

// StepOperation is the concrete control-plane operation a plan step performs.
type StepOperation string

const (
	// OpEnsureScope creates a scope node if it does not exist yet.
	// Some control planes evaluate authorization against all referenced
	// scopes before any write, so a missing scope fails every operation
	// against it, including the one that would create it.
	OpEnsureScope StepOperation = "ensure-scope"

	// OpCreate creates a declared entity that has no observed counterpart.
	OpCreate StepOperation = "create"

	// OpAdopt converges an observed entity onto its declared payload.
	OpAdopt StepOperation = "adopt"

	// OpDetach releases ownership of an observed entity.
	OpDetach StepOperation = "detach"

	// OpDelete removes an observed entity.
	OpDelete StepOperation = "delete"

	// OpExclude records an entity as out of band; no control-plane call.
	OpExclude StepOperation = "exclude"
)

// IsDestructive returns true if the operation removes resources.
func (o StepOperation) IsDestructive() bool {
	return o == OpDelete
}

// Validate checks if the step operation is valid.
func (o StepOperation) Validate() error {
	switch o {
	case OpEnsureScope, OpCreate, OpAdopt, OpDetach, OpDelete, OpExclude:
		return nil
	default:
		return fmt.Errorf("invalid step operation: %s", o)
	}
}

// StepStatus is the execution state of one plan step.
// Transitions: Pending -> InProgress -> {Succeeded | Failed};
// Failed -> Pending on retry, bounded by the retry policy;
// Cancelled only via explicit operator signal from Pending or InProgress.
type StepStatus string

const (
	StepStatusPending    StepStatus = "Pending"
	StepStatusInProgress StepStatus = "InProgress"
	StepStatusSucceeded  StepStatus = "Succeeded"
	StepStatusFailed     StepStatus = "Failed"
	StepStatusCancelled  StepStatus = "Cancelled"
)

// IsTerminal returns true if the status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusCancelled
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusInProgress, StepStatusSucceeded,
		StepStatusFailed, StepStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s StepStatus) CanTransition(next StepStatus) bool {
	switch s {
	case StepStatusPending:
		return next == StepStatusInProgress || next == StepStatusCancelled
	case StepStatusInProgress:
		return next == StepStatusSucceeded || next == StepStatusFailed || next == StepStatusCancelled
	case StepStatusFailed:
		return next == StepStatusPending
	default:
		return false
	}
}

// RunStatus is the overall outcome of executing a plan.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// ScopeStatus records whether a scope could be enumerated during collection.
type ScopeStatus string

const (
	// ScopeReachable means the scope was fully enumerated.
	ScopeReachable ScopeStatus = "Reachable"

	// ScopeUnreachable means enumeration was denied (RBAC not yet inherited,
	// for example). Recorded as data, not raised as an error: downstream
	// classification treats it as Yellow because absence of conflict cannot
	// be proven.
	ScopeUnreachable ScopeStatus = "Unreachable"
)

// UnmarshalJSON implements validated unmarshaling for StepStatus.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepStatus(str)
	return s.Validate()
}

// UnmarshalJSON implements validated unmarshaling for Severity.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Severity(str)
	return s.Validate()
}

// UnmarshalJSON implements validated unmarshaling for Mode.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*m = Mode(str)
	return m.Validate()
}
