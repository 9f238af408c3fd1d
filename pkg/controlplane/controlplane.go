// Package controlplane defines the abstract Resource Control Plane the
// reconciliation core talks to, its closed error taxonomy, and an in-memory
// implementation used by tests and rehearsal runs. Concrete providers live
// outside this module and register themselves through the driver registry.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tenetops/tenet/pkg/engine"
)

// ErrorKind is the closed taxonomy every control-plane error must map to.
// The classifier and executor branch only on this taxonomy, never on
// provider-specific error text.
type ErrorKind string

const (
	// ErrNotFound means the entity or scope does not exist.
	ErrNotFound ErrorKind = "NotFound"

	// ErrConflict means the write collided with existing state, such as a
	// name collision or an optimistic concurrency failure.
	ErrConflict ErrorKind = "Conflict"

	// ErrAuthorizationDenied means the caller lacks permission on the scope.
	ErrAuthorizationDenied ErrorKind = "AuthorizationDenied"

	// ErrTransient means the call may succeed on retry: throttling, network
	// failure, eventual-consistency lag.
	ErrTransient ErrorKind = "Transient"

	// ErrUnknown is everything the provider could not classify.
	ErrUnknown ErrorKind = "Unknown"
)

// Error is a classified control-plane error.
type Error struct {
	// Kind is the taxonomy bucket.
	Kind ErrorKind

	// Op is the operation that failed (get, list, create, delete, detach).
	Op string

	// Message is the provider's error text, verbatim, for operator reports.
	Message string

	// Err is the underlying provider error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("control plane %s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("control plane %s: %s", e.Op, e.Kind)
}

// Unwrap returns the underlying provider error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the taxonomy kind from an error chain. Unclassified
// errors report ErrUnknown.
func KindOf(err error) ErrorKind {
	var cpe *Error
	if errors.As(err, &cpe) {
		return cpe.Kind
	}
	return ErrUnknown
}

// IsNotFound reports whether the error is a NotFound.
func IsNotFound(err error) bool {
	return KindOf(err) == ErrNotFound
}

// IsTransient reports whether the error is retryable.
func IsTransient(err error) bool {
	return KindOf(err) == ErrTransient
}

// IsAuthorizationDenied reports whether the error is an authorization denial.
func IsAuthorizationDenied(err error) bool {
	return KindOf(err) == ErrAuthorizationDenied
}

// Page is one page of a List enumeration. An empty NextToken means the
// enumeration is complete; anything else means the caller must keep paging.
// A truncated result is a correctness bug, not a performance shortcut.
type Page struct {
	Entities  []engine.ManagedEntity
	NextToken string
}

// Interface is the abstract Resource Control Plane.
type Interface interface {
	// Get fetches a single entity by key.
	Get(ctx context.Context, scope string, kind engine.EntityKind, name string) (*engine.ManagedEntity, error)

	// List enumerates entities of one kind directly at a scope. Pass the
	// previous page's NextToken to continue; an empty token starts over.
	List(ctx context.Context, scope string, kind engine.EntityKind, pageToken string) (*Page, error)

	// CreateOrUpdate writes an entity idempotently.
	CreateOrUpdate(ctx context.Context, entity *engine.ManagedEntity) error

	// Delete removes an entity.
	Delete(ctx context.Context, entity *engine.ManagedEntity) error

	// DetachOwnership releases management of an entity without deleting it.
	DetachOwnership(ctx context.Context, entity *engine.ManagedEntity) error
}

// OpenFunc constructs a control plane from a driver-specific DSN.
type OpenFunc func(dsn string) (Interface, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]OpenFunc)
)

// Register makes a control-plane driver available under the given name.
// Drivers typically call Register from an init function.
func Register(name string, open OpenFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic("controlplane: duplicate driver " + name)
	}
	drivers[name] = open
}

// Open constructs a control plane by driver name.
func Open(name, dsn string) (Interface, error) {
	driversMu.RLock()
	open, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("controlplane: unknown driver %q (registered: %v)", name, driverNames())
	}
	return open(dsn)
}

func driverNames() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	// The in-memory driver ships with the core so rehearsal runs and tests
	// work without a provider.
	Register("memory", func(dsn string) (Interface, error) {
		return NewFake(), nil
	})
}

// cloneEntity deep-copies an entity so callers cannot mutate stored state.
func cloneEntity(e *engine.ManagedEntity) *engine.ManagedEntity {
	out := *e
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.UnresolvedRefs != nil {
		out.UnresolvedRefs = append([]string(nil), e.UnresolvedRefs...)
	}
	return &out
}
