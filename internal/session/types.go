// Package session runs bounded agent conversation loops against an LLM
// provider, composing governance, checkpoint approval, cost tracking,
// and retry into a single per-session control flow.
package session

import (
	"time"

	"github.com/fyrsmithlabs/crewd/internal/governance"
	"github.com/fyrsmithlabs/crewd/internal/llm"
)

// Session outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeInterrupted = "interrupted"
)

// Stop reasons a session can end with.
const (
	StopEndTurn       = "end_turn"
	StopMaxIterations = "max_iterations"
	StopMaxDepth      = "max_depth"
	StopCostLimit     = "cost_limit"
	StopPaused        = "paused"
	StopError         = "error"
)

// ToolCallRecord is the audit record of one proposed tool call.
type ToolCallRecord struct {
	Name    string         `json:"name"`
	Params  map[string]any `json:"params,omitempty"`
	Allowed bool           `json:"allowed"`

	// Reason carries the denial or checkpoint reason when not allowed.
	Reason string `json:"reason,omitempty"`

	Result    *governance.ToolResult `json:"result,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Session is the durable record of one agent loop. It is created at
// session start, persisted after every tool call, and finalized with an
// outcome at session end.
type Session struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Model string `json:"model,omitempty"`

	WorkflowID string `json:"workflowId,omitempty"`
	StageIndex int    `json:"stageIndex,omitempty"`
	ChainID    string `json:"chainId,omitempty"`
	TaskID     string `json:"taskId,omitempty"`

	ParentID string   `json:"parentId,omitempty"`
	ChildIDs []string `json:"childIds,omitempty"`
	Depth    int      `json:"depth"`

	Outcome    string `json:"outcome,omitempty"`
	StopReason string `json:"stopReason,omitempty"`

	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`

	Messages  []llm.Message    `json:"messages"`
	ToolCalls []ToolCallRecord `json:"toolCalls"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Result is what a finished session reports to its caller.
type Result struct {
	SessionID  string `json:"sessionId"`
	Outcome    string `json:"outcome"`
	StopReason string `json:"stopReason"`

	// FinalText is the assistant's last textual reply.
	FinalText string `json:"finalText,omitempty"`

	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`

	// Children holds the results of nested sessions spawned by this one.
	Children []*Result `json:"children,omitempty"`
}

// Success reports whether the session ended with a successful outcome.
func (r *Result) Success() bool {
	return r.Outcome == OutcomeSuccess
}
