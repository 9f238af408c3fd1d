package planner

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tenetops/tenet/pkg/engine"
)

// Override is one operator acknowledgement of a Red conflict. Without an
// action the conflict is acknowledged and planning proceeds around it;
// with an executable action the planner emits a step for it.
type Override struct {
	Kind  engine.EntityKind `yaml:"kind" validate:"required"`
	Scope string            `yaml:"scope" validate:"required,startswith=/"`
	Name  string            `yaml:"name" validate:"required"`

	// Action, when set, must be an executable suggested action.
	Action engine.SuggestedAction `yaml:"action"`

	// Justification is the operator's reason; required for audit.
	Justification string `yaml:"justification" validate:"required"`
}

// Key returns the entity key the override targets.
func (o *Override) Key() engine.EntityKey {
	return engine.EntityKey{Kind: o.Kind, Scope: o.Scope, Name: o.Name}
}

// Overrides is an operator-supplied override set.
type Overrides struct {
	Overrides []Override `yaml:"overrides" validate:"dive"`
}

// Lookup returns the override for a key, if any.
func (o *Overrides) Lookup(key engine.EntityKey) *Override {
	if o == nil {
		return nil
	}
	for i := range o.Overrides {
		if o.Overrides[i].Key() == key {
			return &o.Overrides[i]
		}
	}
	return nil
}

// LoadOverrides reads an override file.
func LoadOverrides(path string) (*Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("reading overrides %s", path), err).
			WithCode(engine.ErrCodeValidation)
	}
	return ReadOverrides(bytes.NewReader(data))
}

// ReadOverrides parses and validates an override document.
func ReadOverrides(r io.Reader) (*Overrides, error) {
	var o Overrides
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil {
		return nil, engine.NewPermanentError("overrides are not valid YAML", err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := validator.New().Struct(&o); err != nil {
		return nil, engine.NewPermanentError("overrides failed validation", err).
			WithCode(engine.ErrCodeValidation)
	}
	for i := range o.Overrides {
		ov := &o.Overrides[i]
		if ov.Action != "" && !ov.Action.IsExecutable() {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("override for %s carries non-executable action %q", ov.Key(), ov.Action), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}
	return &o, nil
}
