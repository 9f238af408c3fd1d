package executor

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tenetops/tenet/pkg/controlplane"
	"github.com/tenetops/tenet/pkg/engine"
	"github.com/tenetops/tenet/pkg/stores"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseBackoff: time.Millisecond,
		CallTimeout: time.Second,
	}
}

func testStore(t *testing.T) stores.Store {
	t.Helper()
	s, err := stores.Open(context.Background(), filepath.Join(t.TempDir(), "tenet.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func key(kind engine.EntityKind, name, scope string) engine.EntityKey {
	return engine.EntityKey{Kind: kind, Name: name, Scope: scope}
}

func createStep(k engine.EntityKey, rank int) engine.PlanStep {
	return engine.PlanStep{
		ID:             engine.StepID(engine.OpCreate, k),
		Entity:         k,
		Operation:      engine.OpCreate,
		UnmanageAction: engine.UnmanageDetachAll,
		DependencyRank: rank,
	}
}

func testPlan(steps ...engine.PlanStep) *engine.ReconciliationPlan {
	plan := &engine.ReconciliationPlan{
		ID:     "plan-test",
		Tenant: "contoso",
		Mode:   engine.ModeBrownfield,
		Steps:  steps,
	}
	return plan
}

func recordFor(t *testing.T, result *engine.RunResult, stepID string) *engine.ExecutionRecord {
	t.Helper()
	for i := range result.Records {
		if result.Records[i].StepID == stepID {
			return &result.Records[i]
		}
	}
	t.Fatalf("record %s missing", stepID)
	return nil
}

func TestExecuteAppliesPlan(t *testing.T) {
	fake := controlplane.NewFake()
	// The root-level scope nodes already exist.
	fake.Seed(engine.ManagedEntity{Kind: engine.KindManagementGroup, Name: "platform", Scope: "/alz"})

	mg := key(engine.KindManagementGroup, "landingzones", "/alz")
	def := key(engine.KindPolicyDefinition, "deny-public-ip", "/alz")
	vnet := key(engine.KindNetworkResource, "hub-vnet", "/alz/platform")

	plan := testPlan(
		createStep(mg, 1),
		createStep(def, 1),
		createStep(vnet, 2),
	)

	e := New(fake, testStore(t), testPolicy(), zerolog.Nop(), nil)
	result, err := e.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Run.Status != engine.RunStatusSucceeded {
		t.Errorf("run status = %s", result.Run.Status)
	}
	if result.Summary.Succeeded != 3 || result.Summary.Failed != 0 {
		t.Errorf("summary = %+v", result.Summary)
	}
	for _, k := range []engine.EntityKey{mg, def, vnet} {
		if !fake.Has(k) {
			t.Errorf("entity %s not created", k)
		}
	}
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	fake := controlplane.NewFake()
	k := key(engine.KindPolicyDefinition, "p", "/alz")
	fake.ScriptError("create", k.String(),
		controlplane.TransientError("throttled"),
		controlplane.TransientError("throttled"),
		controlplane.TransientError("throttled"))

	plan := testPlan(createStep(k, 1))
	e := New(fake, testStore(t), testPolicy(), zerolog.Nop(), nil)
	result, err := e.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	rec := recordFor(t, result, plan.Steps[0].ID)
	if rec.Status != engine.StepStatusSucceeded {
		t.Errorf("status = %s", rec.Status)
	}
	if rec.AttemptCount != 4 {
		t.Errorf("attempts = %d, want 4 (three transients then success)", rec.AttemptCount)
	}
	if result.Summary.Retries != 3 {
		t.Errorf("retries = %d, want 3", result.Summary.Retries)
	}
}

func TestExecuteExhaustsRetriesAndFails(t *testing.T) {
	fake := controlplane.NewFake()
	k := key(engine.KindPolicyDefinition, "p", "/alz")
	var errs []error
	for i := 0; i < 10; i++ {
		errs = append(errs, controlplane.TransientError("throttled"))
	}
	fake.ScriptError("create", k.String(), errs...)

	later := key(engine.KindPolicyAssignment, "pa", "/alz")
	plan := testPlan(createStep(k, 1), createStep(later, 2))

	e := New(fake, testStore(t), testPolicy(), zerolog.Nop(), nil)
	result, err := e.Execute(context.Background(), plan)
	if err == nil {
		t.Fatal("expected execution failure")
	}
	if !engine.HasCode(err, engine.ErrCodeExecutionFailed) {
		t.Errorf("error code: %v", err)
	}
	if result.Run.Status != engine.RunStatusFailed {
		t.Errorf("run status = %s", result.Run.Status)
	}

	rec := recordFor(t, result, plan.Steps[0].ID)
	if rec.Status != engine.StepStatusFailed || rec.AttemptCount != 4 {
		t.Errorf("record = %+v, want Failed after 4 attempts", rec)
	}
	// The dependent rank never starts.
	if got := recordFor(t, result, plan.Steps[1].ID); got.Status != engine.StepStatusPending {
		t.Errorf("later rank status = %s, want Pending", got.Status)
	}
	if fake.Has(later) {
		t.Error("dependent step executed despite failed dependency")
	}
}

func TestExecutePermanentErrorDoesNotRetry(t *testing.T) {
	fake := controlplane.NewFake()
	k := key(engine.KindPolicyDefinition, "p", "/alz")
	fake.ScriptError("create", k.String(),
		&controlplane.Error{Kind: controlplane.ErrAuthorizationDenied, Op: "create", Message: "rbac"})

	plan := testPlan(createStep(k, 1))
	e := New(fake, testStore(t), testPolicy(), zerolog.Nop(), nil)
	result, err := e.Execute(context.Background(), plan)
	if err == nil {
		t.Fatal("expected failure")
	}

	rec := recordFor(t, result, plan.Steps[0].ID)
	if rec.AttemptCount != 1 {
		t.Errorf("attempts = %d, permanent errors must not retry", rec.AttemptCount)
	}
}

// cancellingPlane cancels the run's context from inside the first write,
// then fails it. The executor must classify this as cancellation, never as
// a retryable transient failure.
type cancellingPlane struct {
	*controlplane.Fake
	cancel context.CancelFunc
}

func (c *cancellingPlane) CreateOrUpdate(ctx context.Context, entity *engine.ManagedEntity) error {
	c.cancel()
	return &controlplane.Error{Kind: controlplane.ErrTransient, Op: "create", Message: "interrupted"}
}

func TestCancellationIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := &cancellingPlane{Fake: controlplane.NewFake(), cancel: cancel}

	k := key(engine.KindPolicyDefinition, "p", "/alz")
	plan := testPlan(createStep(k, 1))

	e := New(fake, testStore(t), testPolicy(), zerolog.Nop(), nil)
	result, err := e.Execute(ctx, plan)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !engine.IsCancelled(err) {
		t.Errorf("error not classified as cancelled: %v", err)
	}
	if result.Run.Status != engine.RunStatusCancelled {
		t.Errorf("run status = %s", result.Run.Status)
	}

	rec := recordFor(t, result, plan.Steps[0].ID)
	if rec.Status != engine.StepStatusCancelled {
		t.Errorf("step status = %s", rec.Status)
	}
	if rec.AttemptCount != 1 {
		t.Errorf("attempts = %d, cancellation must not re-enter the retry loop", rec.AttemptCount)
	}
}

func TestCancellationBeforeStartMarksStepsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fake := controlplane.NewFake()
	k := key(engine.KindPolicyDefinition, "p", "/alz")
	plan := testPlan(createStep(k, 1))

	e := New(fake, testStore(t), testPolicy(), zerolog.Nop(), nil)
	if _, err := e.Execute(ctx, plan); err == nil || !engine.IsCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if fake.Has(k) {
		t.Error("step executed after cancellation")
	}
}

func TestExclusiveGroupsSerialize(t *testing.T) {
	fake := controlplane.NewFake()
	var steps []engine.PlanStep
	for _, name := range []string{"ra-1", "ra-2", "ra-3"} {
		k := key(engine.KindRoleAssignment, name, "/alz")
		s := createStep(k, 1)
		s.ExclusiveGroup = "identity/aaa-111"
		s.Payload = []byte(`{"principalId":"aaa-111"}`)
		steps = append(steps, s)
	}
	plan := testPlan(steps...)

	e := New(fake, testStore(t), testPolicy(), zerolog.Nop(), nil)
	if _, err := e.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if clashes := fake.IdentityClashes(); len(clashes) != 0 {
		t.Errorf("identity clashes: %v", clashes)
	}
}

func TestEnsureScopeSubStep(t *testing.T) {
	fake := controlplane.NewFake()
	// Cold start: /alz/platform does not exist yet, and the plan's only
	// step places an entity inside it.
	k := key(engine.KindNetworkResource, "hub-vnet", "/alz/platform")
	plan := testPlan(createStep(k, 1))

	e := New(fake, testStore(t), testPolicy(), zerolog.Nop(), nil)
	result, err := e.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !fake.Has(key(engine.KindManagementGroup, "platform", "/alz")) {
		t.Error("missing scope was not pre-created")
	}
	if !fake.Has(k) {
		t.Error("entity not created")
	}

	subID := plan.Steps[0].ID + ensureScopeSuffix
	rec := recordFor(t, result, subID)
	if rec.Status != engine.StepStatusSucceeded {
		t.Errorf("ensure-scope sub-step status = %s", rec.Status)
	}
}

func TestResumeSkipsSucceededSteps(t *testing.T) {
	fake := controlplane.NewFake()
	store := testStore(t)

	good := key(engine.KindPolicyDefinition, "good", "/alz")
	bad := key(engine.KindPolicyDefinition, "bad", "/alz")
	var errs []error
	for i := 0; i < 10; i++ {
		errs = append(errs, controlplane.TransientError("throttled"))
	}
	fake.ScriptError("create", bad.String(), errs...)

	plan := testPlan(createStep(good, 1), createStep(bad, 1))
	e := New(fake, store, testPolicy(), zerolog.Nop(), nil)

	result, err := e.Execute(context.Background(), plan)
	if err == nil {
		t.Fatal("first run should fail")
	}
	runID := result.Run.ID

	countCreates := func(k engine.EntityKey) int {
		n := 0
		for _, op := range fake.Ops() {
			if op == "create "+k.String() {
				n++
			}
		}
		return n
	}
	goodCreates := countCreates(good)

	// Scripted errors are exhausted; the resume should finish the run.
	resumed, err := e.Resume(context.Background(), plan, runID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Run.Status != engine.RunStatusSucceeded {
		t.Errorf("resumed status = %s", resumed.Run.Status)
	}
	if got := countCreates(good); got != goodCreates {
		t.Errorf("succeeded step re-executed on resume: %d -> %d creates", goodCreates, got)
	}
	if !fake.Has(bad) {
		t.Error("failed step not completed on resume")
	}

	// The store reflects the final state.
	run, err := store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != engine.RunStatusSucceeded {
		t.Errorf("persisted run status = %s", run.Status)
	}
}

func TestResumeRejectsDifferentPlan(t *testing.T) {
	fake := controlplane.NewFake()
	store := testStore(t)
	e := New(fake, store, testPolicy(), zerolog.Nop(), nil)

	plan := testPlan(createStep(key(engine.KindPolicyDefinition, "p", "/alz"), 1))
	result, err := e.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	other := testPlan(createStep(key(engine.KindPolicyDefinition, "q", "/alz"), 1))
	other.ID = "plan-other"
	_, err = e.Resume(context.Background(), other, result.Run.ID)
	if err == nil {
		t.Fatal("expected plan mismatch error")
	}
	if !strings.Contains(err.Error(), "plan") {
		t.Errorf("error: %v", err)
	}
}

// brokenRecordStore fails every record write while leaving run bookkeeping
// intact.
type brokenRecordStore struct {
	stores.Store
}

func (s *brokenRecordStore) SaveRecord(ctx context.Context, rec *engine.ExecutionRecord) error {
	return errors.New("disk full")
}

func TestRecordFlushFailuresAreLoud(t *testing.T) {
	fake := controlplane.NewFake()
	k := key(engine.KindPolicyDefinition, "p", "/alz")
	plan := testPlan(createStep(k, 1))

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	store := &brokenRecordStore{Store: testStore(t)}

	e := New(fake, store, testPolicy(), logger, nil)
	result, err := e.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Run.Status != engine.RunStatusSucceeded {
		t.Errorf("run status = %s", result.Run.Status)
	}

	logs := buf.String()
	if !strings.Contains(logs, "record flush failed") {
		t.Error("lost record write was not logged")
	}
	if !strings.Contains(logs, "record trail is incomplete") {
		t.Error("run completion did not warn about the incomplete trail")
	}
}

func TestDeleteOfMissingEntityConverges(t *testing.T) {
	fake := controlplane.NewFake()
	k := key(engine.KindNetworkResource, "gone", "/alz")
	step := engine.PlanStep{
		ID:             engine.StepID(engine.OpDelete, k),
		Entity:         k,
		Operation:      engine.OpDelete,
		UnmanageAction: engine.UnmanageDeleteAll,
		DependencyRank: 1,
	}
	plan := testPlan(step)
	plan.Mode = engine.ModeGreenfield

	e := New(fake, testStore(t), testPolicy(), zerolog.Nop(), nil)
	result, err := e.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Summary.Succeeded != 1 {
		t.Errorf("summary = %+v", result.Summary)
	}
}
