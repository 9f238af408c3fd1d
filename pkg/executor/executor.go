// Package executor applies reconciliation plans against the control plane.
//
// Steps within a dependency rank run concurrently; a barrier separates
// ranks. Steps sharing an exclusiveGroup are serialized regardless of
// rank parallelism. Every step transition is flushed to the store before
// execution proceeds, so a crashed or cancelled run can be resumed from
// the record trail alone.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tenetops/tenet/pkg/controlplane"
	"github.com/tenetops/tenet/pkg/engine"
	"github.com/tenetops/tenet/pkg/stores"
	"github.com/tenetops/tenet/pkg/telemetry"
)

// ensureScopeSuffix names the synthetic prerequisite sub-step record.
const ensureScopeSuffix = "/ensure-scope"

// Executor runs plans.
type Executor struct {
	cp      controlplane.Interface
	store   stores.Store
	policy  RetryPolicy
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	ensured map[string]bool
}

// New creates an executor. metrics may be nil.
func New(cp controlplane.Interface, store stores.Store, policy RetryPolicy, logger zerolog.Logger, metrics *telemetry.Metrics) *Executor {
	return &Executor{
		cp:      cp,
		store:   store,
		policy:  policy.withDefaults(),
		logger:  logger.With().Str("component", "executor").Logger(),
		metrics: metrics,
		ensured: make(map[string]bool),
	}
}

// Execute runs a plan as a fresh run.
func (e *Executor) Execute(ctx context.Context, plan *engine.ReconciliationPlan) (*engine.RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.NewCancelledError("run cancelled before start", err)
	}
	run := engine.Run{
		ID:        uuid.NewString(),
		PlanID:    plan.ID,
		Tenant:    plan.Tenant,
		Mode:      plan.Mode,
		Status:    engine.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, &run); err != nil {
		return nil, err
	}
	return e.run(ctx, plan, run, nil)
}

// Resume continues a previous run of the same plan. Steps whose persisted
// record already succeeded are skipped; everything else is re-attempted
// from Pending.
func (e *Executor) Resume(ctx context.Context, plan *engine.ReconciliationPlan, runID string) (*engine.RunResult, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.PlanID != plan.ID {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("run %s executed plan %s, not %s", runID, run.PlanID, plan.ID), nil).
			WithCode(engine.ErrCodeValidation)
	}
	prior, err := e.store.ListRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(prior))
	for _, rec := range prior {
		if rec.Status == engine.StepStatusSucceeded {
			done[rec.StepID] = true
		}
	}

	run.Status = engine.RunStatusRunning
	run.Error = ""
	if err := e.store.UpdateRunStatus(ctx, runID, engine.RunStatusRunning, ""); err != nil {
		return nil, err
	}
	return e.run(ctx, plan, *run, done)
}

func (e *Executor) run(ctx context.Context, plan *engine.ReconciliationPlan, run engine.Run, done map[string]bool) (*engine.RunResult, error) {
	e.metrics.RunStarted(run.Tenant, string(run.Mode))
	e.logger.Info().
		Str("run_id", run.ID).
		Str("plan_id", plan.ID).
		Int("steps", len(plan.Steps)).
		Msg("run started")

	tracker := newRecordTracker(run.ID, e.store, e.logger)
	now := time.Now().UTC()
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if done[step.ID] {
			tracker.preload(step.ID, engine.StepStatusSucceeded, now)
			continue
		}
		tracker.create(step.ID, now)
	}

	var failed, cancelled bool
	for rank := 0; rank <= plan.MaxRank(); rank++ {
		steps := plan.StepsAtRank(rank)
		if len(steps) == 0 {
			continue
		}
		if ctx.Err() != nil {
			cancelled = true
			e.cancelPending(steps, done, tracker)
			continue
		}
		if failed {
			// Dependencies above are unmet; later ranks stay Pending.
			break
		}

		rankFailed, rankCancelled := e.executeRank(ctx, steps, done, tracker)
		failed = failed || rankFailed
		cancelled = cancelled || rankCancelled
	}

	result := &engine.RunResult{Run: run, Records: tracker.snapshot()}
	result.Summarize()

	var runErr error
	switch {
	case cancelled:
		result.Run.Status = engine.RunStatusCancelled
		runErr = engine.NewCancelledError("run cancelled by operator", ctx.Err())
	case failed:
		result.Run.Status = engine.RunStatusFailed
		runErr = engine.NewPermanentError(
			fmt.Sprintf("%d step(s) failed", result.Summary.Failed), nil).
			WithCode(engine.ErrCodeExecutionFailed)
	default:
		result.Run.Status = engine.RunStatusSucceeded
	}
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
		result.Run.Error = errMsg
	}
	// Persist the final run state on a fresh context: the run context may
	// already be cancelled.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.UpdateRunStatus(flushCtx, run.ID, result.Run.Status, errMsg); err != nil {
		e.logger.Error().Err(err).Str("run_id", run.ID).Msg("persisting final run status failed")
	}

	if n := tracker.flushFailures(); n > 0 {
		e.logger.Warn().
			Str("run_id", run.ID).
			Int("lost_writes", n).
			Msg("record trail is incomplete; resume and audit may be unreliable")
	}

	e.metrics.RunCompleted(run.Tenant, string(result.Run.Status))
	e.logger.Info().
		Str("run_id", run.ID).
		Str("status", string(result.Run.Status)).
		Int("succeeded", result.Summary.Succeeded).
		Int("failed", result.Summary.Failed).
		Int("cancelled", result.Summary.Cancelled).
		Int("retries", result.Summary.Retries).
		Msg("run finished")
	return result, runErr
}

// executeRank runs one rank's steps: exclusive groups are bucketed onto a
// single worker each, everything else fans out.
func (e *Executor) executeRank(ctx context.Context, steps []*engine.PlanStep, done map[string]bool, tracker *recordTracker) (failed, cancelled bool) {
	buckets := make(map[string][]*engine.PlanStep)
	var order []string
	for _, step := range steps {
		if done[step.ID] {
			continue
		}
		key := step.ExclusiveGroup
		if key == "" {
			key = "step/" + step.ID
		}
		if _, seen := buckets[key]; !seen {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], step)
	}
	sort.Strings(order)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, key := range order {
		bucket := buckets[key]
		wg.Add(1)
		go func(bucket []*engine.PlanStep) {
			defer wg.Done()
			for _, step := range bucket {
				status := e.executeStep(ctx, step, tracker)
				mu.Lock()
				switch status {
				case engine.StepStatusFailed:
					failed = true
				case engine.StepStatusCancelled:
					cancelled = true
				}
				mu.Unlock()
			}
		}(bucket)
	}
	wg.Wait()
	return failed, cancelled
}

// cancelPending marks not-yet-started steps Cancelled after an operator
// signal. In-flight steps mark themselves.
func (e *Executor) cancelPending(steps []*engine.PlanStep, done map[string]bool, tracker *recordTracker) {
	for _, step := range steps {
		if done[step.ID] {
			continue
		}
		tracker.transition(step.ID, engine.StepStatusCancelled, "cancelled before start")
	}
}

// executeStep drives one step through its state machine and returns the
// terminal status.
func (e *Executor) executeStep(ctx context.Context, step *engine.PlanStep, tracker *recordTracker) engine.StepStatus {
	started := time.Now()
	logger := e.logger.With().Str("step", step.ID).Logger()

	finish := func(status engine.StepStatus) engine.StepStatus {
		e.metrics.StepExecuted(string(step.Operation), string(status), time.Since(started))
		return status
	}

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			tracker.transition(step.ID, engine.StepStatusCancelled, "cancelled before attempt")
			return finish(engine.StepStatusCancelled)
		}

		tracker.begin(step.ID)
		err := e.attempt(ctx, step, tracker)
		if err == nil {
			tracker.transition(step.ID, engine.StepStatusSucceeded, "")
			logger.Debug().Int("attempts", attempt).Msg("step succeeded")
			return finish(engine.StepStatusSucceeded)
		}

		// An operator cancel is not a failure mode of the step; it must
		// never re-enter the retry loop.
		if ctx.Err() != nil || engine.IsCancelled(err) {
			tracker.transition(step.ID, engine.StepStatusCancelled, err.Error())
			logger.Info().Msg("step cancelled")
			return finish(engine.StepStatusCancelled)
		}

		tracker.transition(step.ID, engine.StepStatusFailed, err.Error())
		retryable := controlplane.IsTransient(err) || engine.IsRetryable(err)
		if !retryable || attempt == e.policy.MaxAttempts {
			logger.Warn().Err(err).Int("attempts", attempt).Msg("step failed")
			return finish(engine.StepStatusFailed)
		}

		// Failed -> Pending, bounded retry with incremental backoff.
		tracker.transition(step.ID, engine.StepStatusPending, err.Error())
		e.metrics.StepRetried()
		logger.Debug().Err(err).Int("attempt", attempt).Msg("transient failure, retrying")
		select {
		case <-time.After(e.policy.Backoff(attempt)):
		case <-ctx.Done():
			tracker.transition(step.ID, engine.StepStatusCancelled, "cancelled during backoff")
			return finish(engine.StepStatusCancelled)
		}
	}
	return finish(engine.StepStatusFailed)
}

// attempt performs one control-plane attempt for a step.
func (e *Executor) attempt(ctx context.Context, step *engine.PlanStep, tracker *recordTracker) error {
	// Creations into a scope that does not exist yet fail authorization
	// checks outright on some control planes, even for the operation that
	// would create the scope. Ensure the whole scope path first.
	if step.Operation == engine.OpCreate || step.Operation == engine.OpAdopt {
		if err := e.ensureScopePath(ctx, step, tracker); err != nil {
			return err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
	defer cancel()

	entity := &engine.ManagedEntity{
		Kind:    step.Entity.Kind,
		Name:    step.Entity.Name,
		Scope:   step.Entity.Scope,
		Payload: step.Payload,
		Source:  engine.SourceDeclared,
	}

	var err error
	switch step.Operation {
	case engine.OpCreate, engine.OpAdopt:
		err = e.cp.CreateOrUpdate(callCtx, entity)
	case engine.OpDetach:
		err = e.cp.DetachOwnership(callCtx, entity)
	case engine.OpDelete:
		err = e.cp.Delete(callCtx, entity)
		// Deleting what is already gone is convergence, not failure.
		if controlplane.IsNotFound(err) {
			err = nil
		}
	case engine.OpExclude, engine.OpEnsureScope:
		// Exclusions are bookkeeping only; no control-plane write.
		err = nil
	default:
		return engine.NewPermanentError(
			fmt.Sprintf("unsupported operation %s", step.Operation), nil).
			WithCode(engine.ErrCodeExecutionFailed).
			WithStep(step.ID)
	}

	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return engine.NewTransientError("control-plane call timed out", err).
			WithCode(engine.ErrCodeTimeout).
			WithStep(step.ID)
	}
	return err
}

// ensureScopePath walks the step's scope path from the root down and
// creates any missing scope node as a synthetic prerequisite sub-step.
func (e *Executor) ensureScopePath(ctx context.Context, step *engine.PlanStep, tracker *recordTracker) error {
	segments := strings.Split(strings.TrimPrefix(step.Entity.Scope, "/"), "/")
	if len(segments) < 2 {
		return nil // root scope always exists
	}

	scope := "/" + segments[0]
	for _, name := range segments[1:] {
		child := scope + "/" + name
		if err := e.ensureScope(ctx, step, scope, name, child, tracker); err != nil {
			return err
		}
		scope = child
	}
	return nil
}

func (e *Executor) ensureScope(ctx context.Context, step *engine.PlanStep, parent, name, scope string, tracker *recordTracker) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ensured[scope] {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
	defer cancel()

	for _, kind := range []engine.EntityKind{engine.KindManagementGroup, engine.KindSubscription} {
		_, err := e.cp.Get(callCtx, parent, kind, name)
		if err == nil {
			e.ensured[scope] = true
			return nil
		}
		if !controlplane.IsNotFound(err) {
			return err
		}
	}

	// Scope node is missing: create it as a synthetic sub-step so the
	// record trail shows the prerequisite.
	subID := step.ID + ensureScopeSuffix
	now := time.Now().UTC()
	tracker.create(subID, now)
	tracker.begin(subID)

	node := &engine.ManagedEntity{
		Kind:   engine.KindManagementGroup,
		Name:   name,
		Scope:  parent,
		Source: engine.SourceDeclared,
	}
	if err := e.cp.CreateOrUpdate(callCtx, node); err != nil {
		tracker.transition(subID, engine.StepStatusFailed, err.Error())
		return err
	}
	tracker.transition(subID, engine.StepStatusSucceeded, "")
	e.ensured[scope] = true
	e.logger.Info().Str("scope", scope).Str("step", step.ID).Msg("missing scope pre-created")
	return nil
}

// recordTracker owns the in-memory record set and mirrors every change to
// the store synchronously.
type recordTracker struct {
	mu         sync.Mutex
	runID      string
	store      stores.Store
	logger     zerolog.Logger
	records    map[string]*engine.ExecutionRecord
	flushFails int
}

func newRecordTracker(runID string, store stores.Store, logger zerolog.Logger) *recordTracker {
	return &recordTracker{
		runID:   runID,
		store:   store,
		logger:  logger,
		records: make(map[string]*engine.ExecutionRecord),
	}
}

// create registers a Pending record and flushes it.
func (t *recordTracker) create(stepID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := &engine.ExecutionRecord{
		RunID:     t.runID,
		StepID:    stepID,
		Status:    engine.StepStatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	t.records[stepID] = rec
	t.flush(rec)
}

// preload registers a record carried over from a previous run without
// rewriting it.
func (t *recordTracker) preload(stepID string, status engine.StepStatus, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[stepID] = &engine.ExecutionRecord{
		RunID:     t.runID,
		StepID:    stepID,
		Status:    status,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// begin moves a record to InProgress and counts the attempt.
func (t *recordTracker) begin(stepID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[stepID]
	if rec == nil || !rec.Status.CanTransition(engine.StepStatusInProgress) {
		return
	}
	rec.Status = engine.StepStatusInProgress
	rec.AttemptCount++
	rec.UpdatedAt = time.Now().UTC()
	t.flush(rec)
}

// transition moves a record to the given status when legal.
func (t *recordTracker) transition(stepID string, status engine.StepStatus, lastError string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[stepID]
	if rec == nil || !rec.Status.CanTransition(status) {
		return
	}
	rec.Status = status
	rec.LastError = lastError
	rec.UpdatedAt = time.Now().UTC()
	t.flush(rec)
}

// flush writes the record durably. Flushes use a background context so a
// cancelled run still records its final transitions. A failed flush does
// not stop execution, but it is loud: the record trail is what makes a run
// resumable and auditable.
func (t *recordTracker) flush(rec *engine.ExecutionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.store.SaveRecord(ctx, rec); err != nil {
		t.flushFails++
		t.logger.Error().Err(err).
			Str("run_id", t.runID).
			Str("step_id", rec.StepID).
			Str("status", string(rec.Status)).
			Msg("record flush failed")
	}
}

// flushFailures reports how many record writes were lost to store errors.
func (t *recordTracker) flushFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushFails
}

// snapshot returns the records sorted by step ID.
func (t *recordTracker) snapshot() []engine.ExecutionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]engine.ExecutionRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out
}
