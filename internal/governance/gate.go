package governance

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/crewd/internal/governance"

// writeTool is the one tool subject to path policy and lock checks.
const writeTool = "write_file"

// Gate is the policy decision point for agent tool use.
//
// Construct one per daemon with NewGate; there is no process-wide default
// instance. A nil LockReader disables lock checks.
type Gate struct {
	registry *Registry
	policy   *PathPolicy
	locks    LockReader

	denialsTotal metric.Int64Counter
}

// NewGate creates a Gate over the given registry and path policy.
// locks may be nil when no lock manager is available.
func NewGate(registry *Registry, policy *PathPolicy, locks LockReader) (*Gate, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if policy == nil {
		return nil, fmt.Errorf("path policy is required")
	}

	meter := otel.Meter(instrumentationName)
	denialsTotal, _ := meter.Int64Counter("crewd_governance_denials_total",
		metric.WithDescription("Tool calls denied by policy"))

	return &Gate{
		registry:     registry,
		policy:       policy,
		locks:        locks,
		denialsTotal: denialsTotal,
	}, nil
}

// Registry exposes the closed tool registry for session tool listing.
func (g *Gate) Registry() *Registry {
	return g.registry
}

// Validate authorizes one tool call for a role.
//
// Decision order: the tool must exist, the role must be in its allowed
// set, and write_file paths must pass the role's path policy.
func (g *Gate) Validate(call ToolCall, role string) ValidationResult {
	descriptor, ok := g.registry.Get(call.Name)
	if !ok {
		return g.deny(call.Name, role, fmt.Sprintf("Unknown tool: %s", call.Name))
	}

	if !descriptor.AllowsRole(role) {
		return g.deny(call.Name, role, fmt.Sprintf("Tool %s is not available to %s role", call.Name, role))
	}

	if call.Name == writeTool {
		path := call.StringParam("path")
		if path == "" {
			return g.deny(call.Name, role, fmt.Sprintf("Tool %s requires a path parameter", call.Name))
		}
		if result := g.policy.Validate(path, role); !result.Allowed {
			return g.deny(call.Name, role, result.Reason)
		}
	}

	return Allow()
}

// ValidateWithLocks runs Validate and then, for write_file calls when a
// lock manager is configured, checks the target path's lock.
//
// A lock held by the caller's own chain is available. A locked path is
// unavailable when the caller supplies no chain id; omitting the id must
// not bypass another chain's lock.
func (g *Gate) ValidateWithLocks(ctx context.Context, call ToolCall, role, chainID string) (ValidationResult, error) {
	result := g.Validate(call, role)
	if !result.Allowed {
		return result, nil
	}

	if call.Name != writeTool || g.locks == nil {
		return result, nil
	}

	path := call.StringParam("path")
	status, err := g.locks.Lookup(ctx, path)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("lock lookup for %s: %w", path, err)
	}

	if status.Locked && (chainID == "" || status.ChainID != chainID) {
		logging.FromContext(ctx).Debug(ctx, "write denied by file lock",
			zap.String("path", path),
			zap.String("lock_owner", status.ChainID),
			zap.String("chain_id", chainID))
		return g.deny(call.Name, role, fmt.Sprintf("File %s is locked by chain %s", path, status.ChainID)), nil
	}

	return Allow(), nil
}

// ValidateBatch validates each call independently, preserving order.
func (g *Gate) ValidateBatch(calls []ToolCall, role string) []ValidationResult {
	results := make([]ValidationResult, len(calls))
	for i, call := range calls {
		results[i] = g.Validate(call, role)
	}
	return results
}

// AllAllowed reports whether every call in the batch is allowed.
func (g *Gate) AllAllowed(calls []ToolCall, role string) bool {
	for _, call := range calls {
		if !g.Validate(call, role).Allowed {
			return false
		}
	}
	return true
}

func (g *Gate) deny(tool, role, reason string) ValidationResult {
	g.denialsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("role", role),
	))
	return Deny(reason)
}
