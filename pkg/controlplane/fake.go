package controlplane

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/tenetops/tenet/pkg/engine"
)

// Fake is an in-memory control plane. It backs the "memory" driver, every
// executor and collector test, and rehearsal runs against a synthetic
// tenant. It is safe for concurrent use and deliberately mimics two
// awkward behaviors of real control planes: paginated listings and the
// rejection of concurrent writes to the same identity's credential set.
type Fake struct {
	mu sync.Mutex

	entities map[engine.EntityKey]*engine.ManagedEntity
	detached map[engine.EntityKey]bool

	// deniedScopes lists scopes whose enumeration fails with
	// AuthorizationDenied.
	deniedScopes map[string]bool

	// scripted errors are consumed one per matching call.
	scripts map[string][]error

	// pageSize bounds List pages; small values exercise pagination.
	pageSize int

	// identity write tracking.
	inFlightIdentity map[string]bool
	identityClashes  []string

	// concurrency tracking across all write ops.
	inFlightWrites int
	maxWrites      int

	ops []string
}

// NewFake creates an empty fake control plane.
func NewFake() *Fake {
	return &Fake{
		entities:         make(map[engine.EntityKey]*engine.ManagedEntity),
		detached:         make(map[engine.EntityKey]bool),
		deniedScopes:     make(map[string]bool),
		scripts:          make(map[string][]error),
		pageSize:         100,
		inFlightIdentity: make(map[string]bool),
	}
}

// SetPageSize bounds List pages. Values below 1 reset the default.
func (f *Fake) SetPageSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 1 {
		n = 100
	}
	f.pageSize = n
}

// Seed inserts entities directly, bypassing the op log and scripts.
func (f *Fake) Seed(entities ...engine.ManagedEntity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range entities {
		e := entities[i]
		e.Source = engine.SourceObserved
		f.entities[e.Key()] = cloneEntity(&e)
	}
}

// DenyScope makes enumeration of the given scope fail with
// AuthorizationDenied, simulating RBAC that has not yet propagated.
func (f *Fake) DenyScope(scope string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deniedScopes[scope] = true
}

// ScriptError queues errors returned by successive calls matching op and
// target ("op" is get/list/create/delete/detach; target is a scope for list
// and an entity key string otherwise).
func (f *Fake) ScriptError(op, target string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := op + "|" + target
	f.scripts[k] = append(f.scripts[k], errs...)
}

// TransientError builds a transient control-plane error for scripting.
func TransientError(message string) *Error {
	return &Error{Kind: ErrTransient, Message: message}
}

// Ops returns the ordered log of operations performed.
func (f *Fake) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

// MaxConcurrentWrites reports the peak number of writes in flight at once.
func (f *Fake) MaxConcurrentWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxWrites
}

// IdentityClashes reports identities that received concurrent writes. A real
// control plane rejects these; the executor's exclusive groups must make
// this list stay empty.
func (f *Fake) IdentityClashes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.identityClashes...)
}

// Detached reports whether DetachOwnership was called for the key.
func (f *Fake) Detached(key engine.EntityKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detached[key]
}

// Has reports whether the entity currently exists.
func (f *Fake) Has(key engine.EntityKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entities[key]
	return ok
}

func (f *Fake) consumeScript(op, target string) error {
	k := op + "|" + target
	queue := f.scripts[k]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.scripts[k] = queue[1:]
	return err
}

// Get fetches a single entity by key.
func (f *Fake) Get(ctx context.Context, scope string, kind engine.EntityKind, name string) (*engine.ManagedEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: ErrTransient, Op: "get", Message: "context expired", Err: err}
	}
	key := engine.EntityKey{Kind: kind, Name: name, Scope: scope}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "get "+key.String())
	if err := f.consumeScript("get", key.String()); err != nil {
		return nil, err
	}
	e, ok := f.entities[key]
	if !ok {
		return nil, &Error{Kind: ErrNotFound, Op: "get", Message: key.String()}
	}
	return cloneEntity(e), nil
}

// List enumerates entities of one kind directly at a scope, one page at a
// time. Keys are returned in stable lexical order so enumeration is
// deterministic.
func (f *Fake) List(ctx context.Context, scope string, kind engine.EntityKind, pageToken string) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: ErrTransient, Op: "list", Message: "context expired", Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, fmt.Sprintf("list %s %s token=%q", scope, kind, pageToken))

	if f.deniedScopes[scope] {
		return nil, &Error{Kind: ErrAuthorizationDenied, Op: "list", Message: scope}
	}
	if err := f.consumeScript("list", scope); err != nil {
		return nil, err
	}

	var keys []engine.EntityKey
	for key := range f.entities {
		if key.Scope == scope && key.Kind == kind {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 || n > len(keys) {
			return nil, &Error{Kind: ErrUnknown, Op: "list", Message: "bad page token"}
		}
		start = n
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	page := &Page{}
	for _, key := range keys[start:end] {
		page.Entities = append(page.Entities, *cloneEntity(f.entities[key]))
	}
	if end < len(keys) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// CreateOrUpdate writes an entity idempotently.
func (f *Fake) CreateOrUpdate(ctx context.Context, entity *engine.ManagedEntity) error {
	return f.write(ctx, "create", entity, func(key engine.EntityKey) {
		stored := cloneEntity(entity)
		stored.Source = engine.SourceObserved
		f.entities[key] = stored
		delete(f.detached, key)
	})
}

// Delete removes an entity.
func (f *Fake) Delete(ctx context.Context, entity *engine.ManagedEntity) error {
	return f.write(ctx, "delete", entity, func(key engine.EntityKey) {
		delete(f.entities, key)
	})
}

// DetachOwnership releases management of an entity without deleting it.
func (f *Fake) DetachOwnership(ctx context.Context, entity *engine.ManagedEntity) error {
	return f.write(ctx, "detach", entity, func(key engine.EntityKey) {
		f.detached[key] = true
	})
}

func (f *Fake) write(ctx context.Context, op string, entity *engine.ManagedEntity, apply func(engine.EntityKey)) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: ErrTransient, Op: op, Message: "context expired", Err: err}
	}
	key := entity.Key()

	f.mu.Lock()
	f.ops = append(f.ops, op+" "+key.String())
	if err := f.consumeScript(op, key.String()); err != nil {
		f.mu.Unlock()
		return err
	}

	identity := writeIdentity(entity)
	if identity != "" {
		if f.inFlightIdentity[identity] {
			f.identityClashes = append(f.identityClashes, identity)
			f.mu.Unlock()
			return &Error{Kind: ErrConflict, Op: op, Message: "concurrent write to identity " + identity}
		}
		f.inFlightIdentity[identity] = true
	}
	f.inFlightWrites++
	if f.inFlightWrites > f.maxWrites {
		f.maxWrites = f.inFlightWrites
	}
	f.mu.Unlock()

	// Hold the write "in flight" outside the lock so genuine concurrency is
	// observable by the clash detector.
	f.mu.Lock()
	defer f.mu.Unlock()
	apply(key)
	f.inFlightWrites--
	if identity != "" {
		delete(f.inFlightIdentity, identity)
	}
	return nil
}

// writeIdentity extracts the identity a write mutates, for identity-bound
// kinds. The principal from the payload wins; the entity name is the
// fallback.
func writeIdentity(entity *engine.ManagedEntity) string {
	if !entity.Kind.IsIdentityBound() {
		return ""
	}
	if p := gjson.GetBytes(entity.Payload, "principalId"); p.Exists() {
		return p.String()
	}
	return entity.Name
}
