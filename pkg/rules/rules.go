// Package rules implements the severity rule table applied during conflict
// classification. Builtin rules cover the escalations the engine always
// enforces; operator-supplied Rego rules can escalate further. Rules only
// ever raise severity, never lower it.
package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/tenetops/tenet/pkg/engine"
)

// regoQuery is the document every operator rule must populate: a set of
// {severity, rationale} objects under package tenet.rules.
const regoQuery = "data.tenet.rules.escalate"

// Input is the context a rule evaluates. It is serialized as the Rego
// input document, so field names here are the operator-facing contract.
type Input struct {
	// Category is the conflict category under evaluation.
	Category engine.ConflictCategory `json:"category"`

	// Kind, Name and Scope identify the entity in conflict.
	Kind  engine.EntityKind `json:"kind"`
	Name  string            `json:"name"`
	Scope string            `json:"scope"`

	// ObservedEffect and DesiredEffect carry the policy effects on either
	// side of the conflict; empty for kinds without effects.
	ObservedEffect engine.PolicyEffect `json:"observed_effect,omitempty"`
	DesiredEffect  engine.PolicyEffect `json:"desired_effect,omitempty"`

	// Orphan is set only for Orphaned conflicts.
	Orphan *OrphanContext `json:"orphan,omitempty"`
}

// OrphanContext describes what an orphaned entity still influences.
type OrphanContext struct {
	// ProtectedAssignments lists resource IDs of enforcing policy
	// assignments that an orphaned exemption currently shields. Deleting
	// the exemption would change enforcement behavior, so a non-empty list
	// escalates the conflict.
	ProtectedAssignments []string `json:"protected_assignments,omitempty"`
}

// Verdict is one rule's contribution to a conflict's severity.
type Verdict struct {
	// Rule names the rule that fired.
	Rule string `json:"rule"`

	// Severity is the floor this rule imposes.
	Severity engine.Severity `json:"severity"`

	// Rationale explains the escalation in operator terms.
	Rationale string `json:"rationale"`
}

// Rule is a single severity rule.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, in *Input) (*Verdict, error)
}

// Table evaluates builtin and operator rules against classified conflicts.
type Table struct {
	mu       sync.RWMutex
	builtins []Rule
	loaded   map[string]*compiledRule
	logger   zerolog.Logger
}

type compiledRule struct {
	name  string
	query rego.PreparedEvalQuery
}

// NewTable creates a rule table with the builtin rules registered.
func NewTable(logger zerolog.Logger) *Table {
	return &Table{
		builtins: builtinRules(),
		loaded:   make(map[string]*compiledRule),
		logger:   logger.With().Str("component", "rules").Logger(),
	}
}

// LoadDirectory compiles every .rego file in dir as an operator rule. A
// missing directory is not an error; a file that fails to compile is.
func (t *Table) LoadDirectory(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return engine.NewPermanentError(fmt.Sprintf("reading rules directory %s", dir), err).
			WithCode(engine.ErrCodeValidation)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		src, err := os.ReadFile(path)
		if err != nil {
			return engine.NewPermanentError(fmt.Sprintf("reading rule %s", path), err).
				WithCode(engine.ErrCodeValidation)
		}
		if err := t.compile(ctx, entry.Name(), string(src)); err != nil {
			return err
		}
	}
	t.logger.Info().Int("count", len(t.loaded)).Str("dir", dir).Msg("operator rules loaded")
	return nil
}

// LoadSource compiles a single rule from source, for tests and embedded
// rule sets.
func (t *Table) LoadSource(ctx context.Context, name, src string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compile(ctx, name, src)
}

func (t *Table) compile(ctx context.Context, name, src string) error {
	query, err := rego.New(
		rego.Module(name, src),
		rego.Query(regoQuery),
	).PrepareForEval(ctx)
	if err != nil {
		return engine.NewPermanentError(fmt.Sprintf("compiling rule %s", name), err).
			WithCode(engine.ErrCodeValidation)
	}
	t.loaded[name] = &compiledRule{name: name, query: query}
	t.logger.Debug().Str("rule", name).Msg("rule compiled")
	return nil
}

// Names returns the loaded operator rule names in sorted order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.loaded))
	for name := range t.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate applies every rule to the input and returns the resulting
// severity: the maximum of the base severity and all rule verdicts.
// Verdicts below the base are recorded but do not lower it.
func (t *Table) Evaluate(ctx context.Context, in *Input, base engine.Severity) (engine.Severity, []Verdict, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := base
	var verdicts []Verdict
	record := func(v *Verdict) {
		if v == nil {
			return
		}
		verdicts = append(verdicts, *v)
		if v.Severity.Rank() > result.Rank() {
			result = v.Severity
		}
	}

	for _, rule := range t.builtins {
		v, err := rule.Evaluate(ctx, in)
		if err != nil {
			return base, nil, engine.NewPermanentError(
				fmt.Sprintf("rule %s failed", rule.Name()), err).
				WithCode(engine.ErrCodeValidation)
		}
		record(v)
	}

	for _, name := range t.sortedLoaded() {
		cr := t.loaded[name]
		vs, err := t.evaluateRego(ctx, cr, in)
		if err != nil {
			return base, nil, err
		}
		for i := range vs {
			record(&vs[i])
		}
	}
	return result, verdicts, nil
}

func (t *Table) sortedLoaded() []string {
	names := make([]string, 0, len(t.loaded))
	for name := range t.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Table) evaluateRego(ctx context.Context, cr *compiledRule, in *Input) ([]Verdict, error) {
	results, err := cr.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("evaluating rule %s", cr.name), err).
			WithCode(engine.ErrCodeValidation)
	}

	var verdicts []Verdict
	for _, result := range results {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range set {
				v, err := parseVerdict(cr.name, item)
				if err != nil {
					return nil, err
				}
				verdicts = append(verdicts, *v)
			}
		}
	}
	return verdicts, nil
}

// parseVerdict converts one escalate-set entry into a verdict. Entries may
// be a bare rationale string (implying Red) or a {severity, rationale}
// object.
func parseVerdict(rule string, item interface{}) (*Verdict, error) {
	v := &Verdict{Rule: rule, Severity: engine.SeverityRed}
	switch val := item.(type) {
	case string:
		v.Rationale = val
	case map[string]interface{}:
		if s, ok := val["severity"].(string); ok {
			v.Severity = engine.Severity(s)
		}
		if r, ok := val["rationale"].(string); ok {
			v.Rationale = r
		}
	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("rule %s produced unsupported verdict %T", rule, item), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if err := v.Severity.Validate(); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("rule %s produced invalid severity", rule), err).
			WithCode(engine.ErrCodeValidation)
	}
	return v, nil
}
