// Package report renders classification results, plans, and run outcomes
// for operators, and persists them as lossless JSON artifacts. The console
// rendering is presentation only: the JSON artifacts round-trip into the
// exact structures the planner and executor consume.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/tenetops/tenet/pkg/classify"
	"github.com/tenetops/tenet/pkg/engine"
)

// Report is the full artifact for one reconciliation pass: what was
// observed, how it classified, what was planned, and (after apply) how
// execution went.
type Report struct {
	// Tenant identifies the tenant the report covers.
	Tenant string `json:"tenant"`

	// Mode is the reconciliation mode the pass ran under.
	Mode engine.Mode `json:"mode"`

	// GeneratedAt is when the report was assembled. The embedded plan
	// stays timestamp-free; only the report wrapper carries wall time.
	GeneratedAt time.Time `json:"generated_at"`

	// Observed summarizes the inventory snapshot.
	Observed ObservedSummary `json:"observed"`

	// Conflicts is the classifier output, severity-sorted.
	Conflicts []engine.Conflict `json:"conflicts"`

	// ToCreate lists declared entities with no observed counterpart.
	ToCreate []engine.EntityKey `json:"to_create,omitempty"`

	// Plan is the reconciliation plan, when planning succeeded.
	Plan *engine.ReconciliationPlan `json:"plan,omitempty"`

	// Run is the execution outcome, when the plan was applied.
	Run *engine.RunResult `json:"run,omitempty"`
}

// ObservedSummary condenses an inventory snapshot for the report header.
type ObservedSummary struct {
	Scopes      int       `json:"scopes"`
	Unreachable []string  `json:"unreachable_scopes,omitempty"`
	Entities    int       `json:"entities"`
	CollectedAt time.Time `json:"collected_at"`
}

// New assembles a report from the collector and classifier outputs. Plan
// and run are optional and attached by the caller as the pass progresses.
func New(snapshot *engine.InventorySnapshot, result *classify.Result, mode engine.Mode) *Report {
	rep := &Report{
		Tenant:      snapshot.Tenant,
		Mode:        mode,
		GeneratedAt: time.Now().UTC(),
		Conflicts:   result.Conflicts,
	}
	rep.Observed = ObservedSummary{
		Entities:    len(snapshot.Entities),
		CollectedAt: snapshot.CollectedAt,
	}
	if snapshot.Scopes != nil {
		for _, id := range snapshot.Scopes.SortedIDs() {
			rep.Observed.Scopes++
			if snapshot.Scopes.Nodes[id].Status == engine.ScopeUnreachable {
				rep.Observed.Unreachable = append(rep.Observed.Unreachable, id)
			}
		}
	}
	for i := range result.ToCreate {
		rep.ToCreate = append(rep.ToCreate, result.ToCreate[i].Key())
	}
	return rep
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, rep *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return engine.NewPermanentError("encoding report", err).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// ReadReport parses a report previously written with WriteJSON. An
// embedded plan is verified the same way ReadPlan verifies one.
func ReadReport(r io.Reader) (*Report, error) {
	var rep Report
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rep); err != nil {
		return nil, engine.NewPermanentError("parsing report", err).WithCode(engine.ErrCodeValidation)
	}
	if rep.Plan != nil {
		if err := verifyPlan(rep.Plan); err != nil {
			return nil, err
		}
	}
	return &rep, nil
}

// WritePlan writes a plan artifact. The artifact is the plan itself, so a
// re-plan over unchanged inputs produces a byte-identical file.
func WritePlan(w io.Writer, plan *engine.ReconciliationPlan) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(plan); err != nil {
		return engine.NewPermanentError("encoding plan", err).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// ReadPlan parses a plan artifact and verifies both its structure and its
// content hash, so a hand-edited plan file is rejected before execution.
func ReadPlan(r io.Reader) (*engine.ReconciliationPlan, error) {
	var plan engine.ReconciliationPlan
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&plan); err != nil {
		return nil, engine.NewPermanentError("parsing plan", err).WithCode(engine.ErrCodeValidation)
	}
	if err := verifyPlan(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func verifyPlan(plan *engine.ReconciliationPlan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	body := *plan
	body.ID = ""
	id, err := engine.HashCanonical(&body)
	if err != nil {
		return err
	}
	if id != plan.ID {
		return engine.NewPermanentError(
			fmt.Sprintf("plan ID %s does not match content hash %s", plan.ID, id), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// Emitter renders reports for the console.
type Emitter struct {
	out    io.Writer
	logger zerolog.Logger

	red    *color.Color
	yellow *color.Color
	green  *color.Color
	faint  *color.Color
}

// NewEmitter creates an emitter writing to out. Color output follows
// fatih/color's terminal detection; pass plain=true to force it off.
func NewEmitter(out io.Writer, plain bool, logger zerolog.Logger) *Emitter {
	e := &Emitter{
		out:    out,
		logger: logger.With().Str("component", "report").Logger(),
		red:    color.New(color.FgRed, color.Bold),
		yellow: color.New(color.FgYellow),
		green:  color.New(color.FgGreen),
		faint:  color.New(color.Faint),
	}
	if plain {
		for _, c := range []*color.Color{e.red, e.yellow, e.green, e.faint} {
			c.DisableColor()
		}
	}
	return e
}

func (e *Emitter) severity(s engine.Severity) string {
	switch s {
	case engine.SeverityRed:
		return e.red.Sprint("RED   ")
	case engine.SeverityYellow:
		return e.yellow.Sprint("YELLOW")
	default:
		return e.green.Sprint("GREEN ")
	}
}

// WriteConsole renders the full report: observed summary, conflicts by
// severity, pending creations, the plan, and the run outcome when present.
func (e *Emitter) WriteConsole(rep *Report) {
	fmt.Fprintf(e.out, "Tenant %s (%s mode)\n", rep.Tenant, rep.Mode)
	fmt.Fprintf(e.out, "Observed: %d scopes, %d entities\n", rep.Observed.Scopes, rep.Observed.Entities)
	for _, scope := range rep.Observed.Unreachable {
		fmt.Fprintf(e.out, "  %s scope %s unreachable, treated as divergence\n",
			e.yellow.Sprint("!"), scope)
	}

	e.writeConflicts(rep)
	if rep.Plan != nil {
		fmt.Fprintln(e.out)
		e.WritePlanSummary(rep.Plan)
	}
	if rep.Run != nil {
		fmt.Fprintln(e.out)
		e.WriteRunSummary(rep.Run)
	}
}

func (e *Emitter) writeConflicts(rep *Report) {
	if len(rep.Conflicts) == 0 {
		fmt.Fprintf(e.out, "%s no conflicts\n", e.green.Sprint("✓"))
	} else {
		fmt.Fprintf(e.out, "\nConflicts (%d):\n", len(rep.Conflicts))
		for i := range rep.Conflicts {
			c := &rep.Conflicts[i]
			fmt.Fprintf(e.out, "  %s %-19s %-18s %s/%s\n",
				e.severity(c.Severity), c.Category, c.Entity.Kind, c.Entity.Scope, c.Entity.Name)
			fmt.Fprintf(e.out, "         %s %s\n", e.faint.Sprint(c.SuggestedAction+":"), c.Rationale)
		}
	}
	if len(rep.ToCreate) > 0 {
		fmt.Fprintf(e.out, "\nTo create (%d):\n", len(rep.ToCreate))
		for _, k := range rep.ToCreate {
			fmt.Fprintf(e.out, "  %s %s %s/%s\n", e.green.Sprint("+"), k.Kind, k.Scope, k.Name)
		}
	}
}

// WritePlanSummary renders the plan grouped by dependency rank.
func (e *Emitter) WritePlanSummary(plan *engine.ReconciliationPlan) {
	fmt.Fprintf(e.out, "Plan %s: %d step(s)\n", shortID(plan.ID), len(plan.Steps))
	for rank := 0; rank <= plan.MaxRank(); rank++ {
		steps := plan.StepsAtRank(rank)
		if len(steps) == 0 {
			continue
		}
		fmt.Fprintf(e.out, "  rank %d:\n", rank)
		for _, step := range steps {
			marker := e.opMarker(step.Operation)
			fmt.Fprintf(e.out, "    %s %-7s %-18s %s/%s",
				marker, step.Operation, step.Entity.Kind, step.Entity.Scope, step.Entity.Name)
			if step.ExclusiveGroup != "" {
				fmt.Fprintf(e.out, " %s", e.faint.Sprintf("[%s]", step.ExclusiveGroup))
			}
			fmt.Fprintln(e.out)
		}
	}
}

func (e *Emitter) opMarker(op engine.StepOperation) string {
	switch op {
	case engine.OpDelete:
		return e.red.Sprint("-")
	case engine.OpDetach:
		return e.yellow.Sprint("~")
	case engine.OpExclude:
		return e.faint.Sprint(".")
	default:
		return e.green.Sprint("+")
	}
}

// WriteRunSummary renders the execution outcome, listing failed and
// cancelled steps with their last recorded error.
func (e *Emitter) WriteRunSummary(result *engine.RunResult) {
	var status string
	switch result.Run.Status {
	case engine.RunStatusSucceeded:
		status = e.green.Sprint(string(result.Run.Status))
	case engine.RunStatusFailed:
		status = e.red.Sprint(string(result.Run.Status))
	default:
		status = e.yellow.Sprint(string(result.Run.Status))
	}
	fmt.Fprintf(e.out, "Run %s: %s\n", shortID(result.Run.ID), status)
	fmt.Fprintf(e.out, "  %d succeeded, %d failed, %d cancelled, %d retries\n",
		result.Summary.Succeeded, result.Summary.Failed, result.Summary.Cancelled, result.Summary.Retries)
	for i := range result.Records {
		rec := &result.Records[i]
		switch rec.Status {
		case engine.StepStatusFailed:
			fmt.Fprintf(e.out, "  %s %s (attempt %d): %s\n",
				e.red.Sprint("✗"), rec.StepID, rec.AttemptCount, rec.LastError)
		case engine.StepStatusCancelled:
			fmt.Fprintf(e.out, "  %s %s cancelled\n", e.yellow.Sprint("!"), rec.StepID)
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
