// Package inventory collects the observed state of a tenant from the
// control plane into an immutable snapshot.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/tenetops/tenet/pkg/controlplane"
	"github.com/tenetops/tenet/pkg/engine"
)

// collectedKinds is every entity kind the collector enumerates at each
// scope. Missing one here would make the snapshot silently lossy.
var collectedKinds = []engine.EntityKind{
	engine.KindManagementGroup,
	engine.KindSubscription,
	engine.KindPolicyDefinition,
	engine.KindPolicySetDefinition,
	engine.KindPolicyAssignment,
	engine.KindPolicyExemption,
	engine.KindRoleDefinition,
	engine.KindRoleAssignment,
	engine.KindNetworkResource,
}

// Options tunes collection behavior.
type Options struct {
	// CallTimeout bounds each control-plane call. Expiry is a transient
	// failure, not a verdict.
	CallTimeout time.Duration

	// RetryAttempts bounds transient-failure retries per call.
	RetryAttempts int

	// RetryBackoff is the increment of the incremental backoff between
	// retries.
	RetryBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 90 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 4
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 250 * time.Millisecond
	}
	return o
}

// Collector queries the control plane for the observed state of a tenant.
// It is read-only: collection performs no writes.
type Collector struct {
	cp     controlplane.Interface
	tenant string
	opts   Options
	logger zerolog.Logger
}

// NewCollector creates a collector for one tenant.
func NewCollector(cp controlplane.Interface, tenant string, opts Options, logger zerolog.Logger) *Collector {
	return &Collector{
		cp:     cp,
		tenant: tenant,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "inventory").Logger(),
	}
}

// Collect walks the scope hierarchy from scopeRoot and enumerates every
// entity kind at every reachable scope. A scope whose enumeration is denied
// is recorded as Unreachable rather than aborting the whole collection;
// any other failure of the root scope, or an unclassified error anywhere,
// aborts with a collection error.
func (c *Collector) Collect(ctx context.Context, scopeRoot string) (*engine.InventorySnapshot, error) {
	tree := engine.NewScopeTree(scopeRoot, "")
	snapshot := &engine.InventorySnapshot{
		Tenant: c.tenant,
		Scopes: tree,
	}

	queue := []string{scopeRoot}
	for len(queue) > 0 {
		scope := queue[0]
		queue = queue[1:]

		entities, err := c.enumerateScope(ctx, scope)
		if err != nil {
			if controlplane.IsAuthorizationDenied(err) && scope != scopeRoot {
				c.logger.Warn().Str("scope", scope).Msg("scope enumeration denied, recording as unreachable")
				tree.Nodes[scope].Status = engine.ScopeUnreachable
				continue
			}
			return nil, engine.NewPermanentError(
				fmt.Sprintf("inventory collection failed at scope %s", scope), err).
				WithCode(engine.ErrCodeCollectionFailed)
		}

		for i := range entities {
			e := &entities[i]
			snapshot.Entities = append(snapshot.Entities, *e)
			if !e.Kind.IsScopeNode() {
				continue
			}
			child := e.Scope + "/" + e.Name
			if err := tree.Add(child, scope, e.Name, engine.ScopeReachable); err != nil {
				return nil, err
			}
			queue = append(queue, child)
		}
	}

	snapshot.CollectedAt = time.Now().UTC()
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}

	c.logger.Info().
		Int("entities", len(snapshot.Entities)).
		Int("scopes", len(tree.Nodes)).
		Strs("unreachable", snapshot.UnreachableScopes()).
		Msg("inventory collected")
	return snapshot, nil
}

// enumerateScope lists every kind at one scope, paging each enumeration to
// completion.
func (c *Collector) enumerateScope(ctx context.Context, scope string) ([]engine.ManagedEntity, error) {
	var out []engine.ManagedEntity
	for _, kind := range collectedKinds {
		token := ""
		for {
			var page *controlplane.Page
			err := c.withRetry(ctx, func(callCtx context.Context) error {
				var listErr error
				page, listErr = c.cp.List(callCtx, scope, kind, token)
				return listErr
			})
			if err != nil {
				return nil, err
			}
			for i := range page.Entities {
				e, err := normalizeObserved(&page.Entities[i])
				if err != nil {
					return nil, err
				}
				out = append(out, *e)
			}
			if page.NextToken == "" {
				break
			}
			token = page.NextToken
		}
	}
	return out, nil
}

// withRetry runs one control-plane call with a timeout, retrying transient
// failures with incremental backoff. Timeout expiry counts as transient.
func (c *Collector) withRetry(ctx context.Context, call func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.RetryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		err := call(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return engine.NewCancelledError("collection cancelled", ctx.Err())
		}
		retryable := controlplane.IsTransient(err) || callCtx.Err() == context.DeadlineExceeded
		if !retryable || attempt == c.opts.RetryAttempts {
			return lastErr
		}

		c.logger.Debug().Err(err).Int("attempt", attempt).Msg("transient collection failure, retrying")
		select {
		case <-time.After(time.Duration(attempt) * c.opts.RetryBackoff):
		case <-ctx.Done():
			return engine.NewCancelledError("collection cancelled", ctx.Err())
		}
	}
	return lastErr
}

// normalizeObserved fills derived fields on an observed entity: source,
// payload hash, and the policy effect lifted out of the payload document.
func normalizeObserved(e *engine.ManagedEntity) (*engine.ManagedEntity, error) {
	out := *e
	out.Source = engine.SourceObserved
	if err := out.Validate(); err != nil {
		return nil, engine.NewPermanentError("observed entity invalid", err).
			WithCode(engine.ErrCodeCollectionFailed).
			WithEntity(out.Key())
	}
	if len(out.Payload) > 0 {
		hash, err := engine.HashPayload(out.Payload)
		if err != nil {
			return nil, err
		}
		out.PayloadHash = hash
		if out.Effect == engine.EffectNone {
			if effect := gjson.GetBytes(out.Payload, "effect"); effect.Exists() {
				out.Effect = engine.PolicyEffect(effect.String())
				if err := out.Effect.Validate(); err != nil {
					out.Effect = engine.EffectNone
				}
			}
		}
	}
	return &out, nil
}

// WriteSnapshot serializes a snapshot to JSON for artifact exchange.
func WriteSnapshot(w io.Writer, snapshot *engine.InventorySnapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snapshot)
}

// ReadSnapshot deserializes a snapshot produced by WriteSnapshot and
// revalidates its invariants.
func ReadSnapshot(r io.Reader) (*engine.InventorySnapshot, error) {
	var snapshot engine.InventorySnapshot
	if err := json.NewDecoder(r).Decode(&snapshot); err != nil {
		return nil, engine.NewPermanentError("snapshot is not valid JSON", err).
			WithCode(engine.ErrCodeCollectionFailed)
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	return &snapshot, nil
}
