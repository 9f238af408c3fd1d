// Package manifest loads and normalizes declared tenant state.
//
// A manifest is a YAML document declaring the scope hierarchy and every
// entity the platform team intends to manage. Loading normalizes it into
// the same entity shape the inventory collector produces, so the
// classifier diffs like against like.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tenetops/tenet/pkg/engine"
)

// Manifest is the raw declared-state document.
type Manifest struct {
	// Tenant is the tenant this manifest targets.
	Tenant string `yaml:"tenant" validate:"required"`

	// RootScope is the tenant root scope path.
	RootScope string `yaml:"rootScope" validate:"required,startswith=/"`

	// Scopes declares the management-group/subscription hierarchy under the
	// root. The root itself is implicit.
	Scopes []ScopeDecl `yaml:"scopes" validate:"dive"`

	// Entities declares every managed entity.
	Entities []EntityDecl `yaml:"entities" validate:"dive"`
}

// ScopeDecl declares one scope node.
type ScopeDecl struct {
	ID          string `yaml:"id" validate:"required,startswith=/"`
	Parent      string `yaml:"parent" validate:"required,startswith=/"`
	DisplayName string `yaml:"displayName"`
}

// EntityDecl declares one managed entity.
type EntityDecl struct {
	Kind    string                 `yaml:"kind" validate:"required"`
	Name    string                 `yaml:"name" validate:"required"`
	Scope   string                 `yaml:"scope" validate:"required,startswith=/"`
	Effect  string                 `yaml:"effect"`
	Payload map[string]interface{} `yaml:"payload"`
}

// refPattern matches manifest-internal references of the form
// ${ref:Kind:/scope/path:name}.
var refPattern = regexp.MustCompile(`^\$\{ref:([A-Za-z]+):(/[^:}]*):([^:}]+)\}$`)

// Load reads and normalizes a manifest file.
func Load(path string) (*engine.DesiredSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("reading manifest %s", path), err).
			WithCode(engine.ErrCodeManifestInvalid)
	}
	set, err := Read(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	set.Source = path
	return set, nil
}

// Read parses and normalizes a manifest document. The result is a desired
// set with a validated scope tree, normalized entities with canonical
// payload hashes, and manifest-internal references resolved to resource
// IDs. An unresolved reference does not fail the load: the entity is
// marked unresolvable and surfaced to the classifier instead of being
// silently dropped.
func Read(r io.Reader) (*engine.DesiredSet, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, engine.NewPermanentError("manifest is not valid YAML", err).
			WithCode(engine.ErrCodeManifestInvalid)
	}
	if err := validator.New().Struct(&m); err != nil {
		return nil, engine.NewPermanentError("manifest failed validation", err).
			WithCode(engine.ErrCodeManifestInvalid)
	}
	return m.Normalize()
}

// Normalize converts the raw manifest into a desired set.
func (m *Manifest) Normalize() (*engine.DesiredSet, error) {
	tree, err := m.buildScopeTree()
	if err != nil {
		return nil, err
	}

	declared := make(map[engine.EntityKey]bool, len(m.Entities))
	for _, d := range m.Entities {
		kind := engine.EntityKind(d.Kind)
		if err := kind.Validate(); err != nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("entity %s at %s: unknown kind %q", d.Name, d.Scope, d.Kind), nil).
				WithCode(engine.ErrCodeManifestInvalid)
		}
		key := engine.EntityKey{Kind: kind, Name: d.Name, Scope: d.Scope}
		if declared[key] {
			return nil, engine.NewPermanentError("duplicate entity declaration", nil).
				WithCode(engine.ErrCodeManifestInvalid).
				WithEntity(key)
		}
		declared[key] = true
	}

	set := &engine.DesiredSet{
		Tenant: m.Tenant,
		Scopes: tree,
	}
	for _, d := range m.Entities {
		e, err := m.normalizeEntity(&d, tree, declared)
		if err != nil {
			return nil, err
		}
		set.Entities = append(set.Entities, *e)
	}
	sort.Slice(set.Entities, func(i, j int) bool {
		return set.Entities[i].Key().Less(set.Entities[j].Key())
	})
	return set, nil
}

// buildScopeTree assembles the declared hierarchy. Scope declarations may
// appear in any order; insertion is retried until a pass adds nothing,
// which also catches declarations whose parent never resolves.
func (m *Manifest) buildScopeTree() (*engine.ScopeTree, error) {
	tree := engine.NewScopeTree(m.RootScope, "")
	pending := append([]ScopeDecl(nil), m.Scopes...)
	for len(pending) > 0 {
		var next []ScopeDecl
		for _, s := range pending {
			if !tree.Contains(s.Parent) {
				next = append(next, s)
				continue
			}
			if err := tree.Add(s.ID, s.Parent, s.DisplayName, engine.ScopeReachable); err != nil {
				return nil, engine.NewPermanentError(
					fmt.Sprintf("scope declaration %s", s.ID), err).
					WithCode(engine.ErrCodeManifestInvalid)
			}
		}
		if len(next) == len(pending) {
			ids := make([]string, len(next))
			for i, s := range next {
				ids[i] = s.ID
			}
			sort.Strings(ids)
			return nil, engine.NewPermanentError(
				fmt.Sprintf("scopes with unresolvable parents: %s", strings.Join(ids, ", ")), nil).
				WithCode(engine.ErrCodeManifestInvalid)
		}
		pending = next
	}
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	return tree, nil
}

func (m *Manifest) normalizeEntity(d *EntityDecl, tree *engine.ScopeTree, declared map[engine.EntityKey]bool) (*engine.ManagedEntity, error) {
	kind := engine.EntityKind(d.Kind)
	key := engine.EntityKey{Kind: kind, Name: d.Name, Scope: d.Scope}

	if !tree.Contains(d.Scope) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("entity declared at undeclared scope %s", d.Scope), nil).
			WithCode(engine.ErrCodeManifestInvalid).
			WithEntity(key)
	}

	e := &engine.ManagedEntity{
		Kind:   kind,
		Name:   d.Name,
		Scope:  d.Scope,
		Effect: engine.PolicyEffect(d.Effect),
		Source: engine.SourceDeclared,
	}
	if err := e.Effect.Validate(); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("entity %s: invalid effect %q", key, d.Effect), nil).
			WithCode(engine.ErrCodeManifestInvalid).
			WithEntity(key)
	}

	if d.Payload != nil {
		resolved, unresolved := resolveRefs(d.Payload, declared)
		raw, err := json.Marshal(resolved)
		if err != nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("entity %s: payload not serializable", key), err).
				WithCode(engine.ErrCodeManifestInvalid).
				WithEntity(key)
		}
		e.Payload = raw
		hash, err := engine.HashPayload(raw)
		if err != nil {
			return nil, err
		}
		e.PayloadHash = hash
		if len(unresolved) > 0 {
			sort.Strings(unresolved)
			e.Unresolvable = true
			e.UnresolvedRefs = unresolved
		}
		if e.Effect == engine.EffectNone {
			if eff, ok := resolved["effect"].(string); ok {
				e.Effect = engine.PolicyEffect(eff)
				if err := e.Effect.Validate(); err != nil {
					return nil, engine.NewPermanentError(
						fmt.Sprintf("entity %s: invalid payload effect %q", key, eff), nil).
						WithCode(engine.ErrCodeManifestInvalid).
						WithEntity(key)
				}
			}
		}
	}

	if err := e.Validate(); err != nil {
		return nil, engine.NewPermanentError("entity declaration invalid", err).
			WithCode(engine.ErrCodeManifestInvalid).
			WithEntity(key)
	}
	return e, nil
}

// resolveRefs walks a payload document and replaces ${ref:Kind:scope:name}
// strings with the referenced entity's resource ID. References to entities
// not declared in this manifest are collected instead of replaced.
func resolveRefs(payload map[string]interface{}, declared map[engine.EntityKey]bool) (map[string]interface{}, []string) {
	var unresolved []string
	out := resolveValue(payload, declared, &unresolved).(map[string]interface{})
	return out, unresolved
}

func resolveValue(v interface{}, declared map[engine.EntityKey]bool, unresolved *[]string) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = resolveValue(inner, declared, unresolved)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = resolveValue(inner, declared, unresolved)
		}
		return out
	case string:
		match := refPattern.FindStringSubmatch(val)
		if match == nil {
			return val
		}
		key := engine.EntityKey{
			Kind:  engine.EntityKind(match[1]),
			Scope: match[2],
			Name:  match[3],
		}
		if !declared[key] {
			*unresolved = append(*unresolved, val)
			return val
		}
		return key.ResourceID()
	default:
		return v
	}
}
