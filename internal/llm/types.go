// Package llm defines the model provider contract used by agent sessions
// and implements it for the Anthropic Messages API.
package llm

import (
	"context"
	"encoding/json"
)

// Provider is the model backend used by agent sessions.
//
// Implementations must be safe for concurrent use. Transient failures are
// reported with errors the retry package classifies as retryable; callers
// own the retry loop.
type Provider interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ChatRequest is one conversation turn sent to the provider.
type ChatRequest struct {
	// Model overrides the client default when non-empty.
	Model string

	// System is the system prompt for this session's role and stage.
	System string

	// MaxTokens caps the response length. Zero uses the client default.
	MaxTokens int

	Messages []Message
	Tools    []Tool
}

// Message is a single conversation entry.
//
// An assistant message may carry tool calls alongside text. A user message
// may carry tool results answering earlier calls.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Tool describes a callable tool offered to the model.
type Tool struct {
	Name        string
	Description string

	// InputSchema is a JSON Schema object describing the tool arguments.
	InputSchema json.RawMessage
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult answers a ToolCall. A denial travels back as a result with
// IsError set, never as a dropped call.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Usage reports token consumption for one provider call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Stop reasons returned by ChatResponse.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ChatResponse is the provider's reply for one turn.
type ChatResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// HasToolCalls reports whether the model requested any tool invocations.
func (r *ChatResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}
