package engine

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestHashPayloadCanonicalizes(t *testing.T) {
	// Key order and whitespace must not affect the hash.
	a := json.RawMessage(`{"effect": "Deny", "mode": "All"}`)
	b := json.RawMessage(`{"mode":"All","effect":"Deny"}`)

	ha, err := HashPayload(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := HashPayload(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Errorf("equivalent payloads hashed differently: %s vs %s", ha, hb)
	}

	c := json.RawMessage(`{"effect":"Audit"}`)
	hc, err := HashPayload(c)
	if err != nil {
		t.Fatalf("hash c: %v", err)
	}
	if hc == ha {
		t.Error("different payloads must not collide")
	}
}

func TestHashPayloadRejectsInvalidJSON(t *testing.T) {
	if _, err := HashPayload(json.RawMessage(`{broken`)); err == nil {
		t.Fatal("expected invalid JSON to fail")
	}
}

func TestErrorClassification(t *testing.T) {
	transient := NewTransientError("control plane timeout", nil).WithCode(ErrCodeTimeout)
	permanent := NewPermanentError("manifest malformed", nil).WithCode(ErrCodeManifestInvalid)
	cancelled := NewCancelledError("operator cancel", nil)

	if !IsRetryable(transient) {
		t.Error("transient errors must be retryable")
	}
	if IsRetryable(permanent) {
		t.Error("permanent errors must not be retryable")
	}
	// The reference system's failure mode: a human cancel retried forever.
	if IsRetryable(cancelled) {
		t.Error("cancellation must never be retryable")
	}
	if !IsCancelled(cancelled) {
		t.Error("IsCancelled must detect cancellation")
	}
	if !HasCode(permanent, ErrCodeManifestInvalid) {
		t.Error("HasCode must match the assigned code")
	}
}

func TestErrorWrapping(t *testing.T) {
	inner := errors.New("socket closed")
	err := NewTransientError("list failed", inner).WithEntity(EntityKey{
		Kind: KindPolicyDefinition, Name: "Deny-Public-IP", Scope: "/alz",
	})

	if !errors.Is(err, err) {
		t.Error("error must match itself via errors.Is")
	}
	if got := errors.Unwrap(err); got != inner {
		t.Errorf("Unwrap() = %v, want %v", got, inner)
	}
	var re *ReconcileError
	if !errors.As(err, &re) {
		t.Fatal("errors.As must find ReconcileError")
	}
	if re.Entity == "" {
		t.Error("entity context lost")
	}
}

func TestStepStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to StepStatus
		ok       bool
	}{
		{StepStatusPending, StepStatusInProgress, true},
		{StepStatusPending, StepStatusCancelled, true},
		{StepStatusPending, StepStatusSucceeded, false},
		{StepStatusInProgress, StepStatusSucceeded, true},
		{StepStatusInProgress, StepStatusFailed, true},
		{StepStatusInProgress, StepStatusCancelled, true},
		{StepStatusFailed, StepStatusPending, true},
		{StepStatusFailed, StepStatusSucceeded, false},
		{StepStatusSucceeded, StepStatusPending, false},
		{StepStatusCancelled, StepStatusPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestSnapshotRejectsDuplicateKeys(t *testing.T) {
	snap := &InventorySnapshot{
		Tenant: "contoso",
		Entities: []ManagedEntity{
			{Kind: KindPolicyDefinition, Name: "Deny-Public-IP", Scope: "/alz", Source: SourceObserved},
			{Kind: KindPolicyDefinition, Name: "Deny-Public-IP", Scope: "/alz", Source: SourceObserved},
		},
	}
	err := snap.Validate()
	if err == nil {
		t.Fatal("expected duplicate key to fail validation")
	}
	if !HasCode(err, ErrCodeInvariantViolation) {
		t.Errorf("expected INVARIANT_VIOLATION, got %v", err)
	}
}

func TestPlanValidateOrdering(t *testing.T) {
	key := EntityKey{Kind: KindManagementGroup, Name: "platform", Scope: "/alz/platform"}
	plan := &ReconciliationPlan{
		Mode: ModeBrownfield,
		Steps: []PlanStep{
			{ID: "a", Entity: key, Operation: OpCreate, UnmanageAction: UnmanageDetachAll, DependencyRank: 1},
			{ID: "b", Entity: key, Operation: OpCreate, UnmanageAction: UnmanageDetachAll, DependencyRank: 0},
		},
	}
	if err := plan.Validate(); err == nil {
		t.Fatal("expected out-of-order ranks to fail validation")
	}

	plan.Steps[0].DependencyRank = 0
	plan.Steps[1].DependencyRank = 1
	if err := plan.Validate(); err != nil {
		t.Fatalf("ordered plan failed validation: %v", err)
	}
}

func TestModeUnmanageDefault(t *testing.T) {
	if got := ModeBrownfield.UnmanageDefault(); got != UnmanageDetachAll {
		t.Errorf("Brownfield default = %s, want DetachAll", got)
	}
	if got := ModeGreenfield.UnmanageDefault(); got != UnmanageDeleteAll {
		t.Errorf("Greenfield default = %s, want DeleteAll", got)
	}
}
