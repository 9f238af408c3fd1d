package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tenetops/tenet/pkg/engine"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "tenet.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRun(id string) *engine.Run {
	return &engine.Run{
		ID:        id,
		PlanID:    "plan-hash",
		Tenant:    "contoso",
		Mode:      engine.ModeBrownfield,
		Status:    engine.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

func TestRunLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Tenant != "contoso" || got.Status != engine.RunStatusRunning {
		t.Errorf("got %+v", got)
	}
	if got.CompletedAt != nil {
		t.Error("running run has completion time")
	}

	if err := s.UpdateRunStatus(ctx, "run-1", engine.RunStatusFailed, "two steps exhausted retries"); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	got, err = s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != engine.RunStatusFailed || got.Error == "" {
		t.Errorf("got %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("terminal run missing completion time")
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("error code: %v", err)
	}
	if err := s.UpdateRunStatus(context.Background(), "missing", engine.RunStatusFailed, ""); err == nil {
		t.Error("expected error updating missing run")
	}
}

func TestListRunsFiltersByTenant(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := testRun("run-a")
	b := testRun("run-b")
	b.Tenant = "fabrikam"
	if err := s.CreateRun(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun(ctx, b); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListRuns(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all runs = %d", len(all))
	}
	contoso, err := s.ListRuns(ctx, "contoso", 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(contoso) != 1 || contoso[0].ID != "run-a" {
		t.Errorf("contoso runs = %+v", contoso)
	}
}

func TestSaveRecordUpserts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, testRun("run-1")); err != nil {
		t.Fatal(err)
	}

	started := time.Now().UTC()
	rec := &engine.ExecutionRecord{
		RunID:        "run-1",
		StepID:       "create:PolicyDefinition:/alz:p",
		Status:       engine.StepStatusInProgress,
		AttemptCount: 1,
		StartedAt:    started,
		UpdatedAt:    started,
	}
	if err := s.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}

	// Same key again with a transition: must update, not duplicate.
	rec.Status = engine.StepStatusSucceeded
	rec.AttemptCount = 4
	rec.UpdatedAt = started.Add(time.Second)
	if err := s.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord upsert: %v", err)
	}

	got, err := s.GetRecord(ctx, "run-1", rec.StepID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.Status != engine.StepStatusSucceeded || got.AttemptCount != 4 {
		t.Errorf("got %+v", got)
	}

	records, err := s.ListRecords(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("records = %d, want 1 after upsert", len(records))
	}
}

func TestListRecordsOrdered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, testRun("run-1")); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	for _, stepID := range []string{"delete:b", "create:a", "detach:c"} {
		rec := &engine.ExecutionRecord{
			RunID: "run-1", StepID: stepID,
			Status: engine.StepStatusPending, StartedAt: now, UpdatedAt: now,
		}
		if err := s.SaveRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	records, err := s.ListRecords(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i-1].StepID > records[i].StepID {
			t.Errorf("records not ordered: %s > %s", records[i-1].StepID, records[i].StepID)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := testStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
