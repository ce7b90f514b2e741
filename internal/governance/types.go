// Package governance authorizes agent tool use.
//
// It combines a closed tool registry (tool name, allowed roles, executor)
// with role-scoped file path policy and an optional distributed lock check.
// Every decision is deterministic and carries a reason suitable for display
// verbatim to the agent as corrective feedback.
package governance

import (
	"context"
	"encoding/json"
	"fmt"
)

// Agent roles.
const (
	RoleOrchestrator = "orchestrator"
	RoleDesign       = "design"
	RoleImpl         = "impl"
	RoleReview       = "review"
	RoleIdeation     = "ideation"
)

// ToolCall is a named action with parameters, as proposed by the model.
type ToolCall struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// ParseParams decodes raw JSON tool input into a ToolCall.
func ParseParams(name string, input json.RawMessage) (ToolCall, error) {
	call := ToolCall{Name: name, Params: map[string]any{}}
	if len(input) == 0 {
		return call, nil
	}
	if err := json.Unmarshal(input, &call.Params); err != nil {
		return call, fmt.Errorf("invalid params for tool %s: %w", name, err)
	}
	return call, nil
}

// StringParam returns a string parameter by key, or "" when absent.
func (c ToolCall) StringParam(key string) string {
	if v, ok := c.Params[key].(string); ok {
		return v
	}
	return ""
}

// ValidationResult is a policy decision. Allowed decisions never carry a
// reason; denials always do.
type ValidationResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is the single allowed decision value.
func Allow() ValidationResult {
	return ValidationResult{Allowed: true}
}

// Deny produces a denial with the given reason.
func Deny(reason string) ValidationResult {
	return ValidationResult{Allowed: false, Reason: reason}
}

// ToolResult is the outcome of an executed tool call.
type ToolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExecContext scopes a tool execution to its session and workflow.
type ExecContext struct {
	Role       string
	WorkflowID string
	SessionID  string
	ChainID    string
	TaskID     string
	WorkDir    string
}

// Executor runs an allowed tool call.
type Executor func(ctx context.Context, execCtx ExecContext, call ToolCall) (*ToolResult, error)

// LockStatus reports whether a path is held by a chain.
type LockStatus struct {
	Locked  bool
	ChainID string
}

// LockReader looks up distributed file locks. The gate only reads lock
// state; acquisition and release belong to the external lock manager.
type LockReader interface {
	Lookup(ctx context.Context, path string) (LockStatus, error)
}
