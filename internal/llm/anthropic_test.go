package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/crewd/internal/config"
	"github.com/fyrsmithlabs/crewd/internal/retry"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *AnthropicClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewAnthropicClient(config.ProviderConfig{
		APIKey:            config.Secret("sk-test"),
		BaseURL:           server.URL,
		Model:             "claude-sonnet-4-5-20250929",
		RequestsPerSecond: 1000,
		Timeout:           config.Duration(5 * time.Second),
	})
	require.NoError(t, err)
	return client
}

func TestNewAnthropicClientRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropicClient(config.ProviderConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key required")
}

func TestChatTextResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("X-API-Key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("Anthropic-Version"))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"content": [{"type": "text", "text": "design looks sound"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 120, "output_tokens": 30}
		}`)
	})

	resp, err := client.Chat(context.Background(), &ChatRequest{
		System:   "You are a reviewer.",
		Messages: []Message{{Role: RoleUser, Content: "review this design"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "design looks sound", resp.Content)
	assert.Equal(t, StopEndTurn, resp.StopReason)
	assert.False(t, resp.HasToolCalls())
	assert.Equal(t, 120, resp.Usage.InputTokens)
	assert.Equal(t, 30, resp.Usage.OutputTokens)
}

func TestChatToolUseResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "write_file", req.Tools[0].Name)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"content": [
				{"type": "text", "text": "writing the file now"},
				{"type": "tool_use", "id": "toolu_1", "name": "write_file",
				 "input": {"path": "src/main.go", "content": "package main"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 200, "output_tokens": 80}
		}`)
	})

	resp, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "implement the change"}},
		Tools: []Tool{{
			Name:        "write_file",
			Description: "Write a file in the workspace",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, StopToolUse, resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "write_file", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path": "src/main.go", "content": "package main"}`, string(resp.ToolCalls[0].Input))
}

func TestChatSendsToolResults(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req anthropicRequest
		require.NoError(t, json.Unmarshal(body, &req))

		require.Len(t, req.Messages, 3)
		last := req.Messages[2]
		assert.Equal(t, "user", last.Role)
		require.NotEmpty(t, last.Content)
		assert.Equal(t, "tool_result", last.Content[0].Type)
		assert.Equal(t, "toolu_1", last.Content[0].ToolUseID)
		assert.True(t, last.Content[0].IsError)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"content": [{"type": "text", "text": "understood"}], "stop_reason": "end_turn", "usage": {}}`)
	})

	_, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			{Role: RoleUser, Content: "implement"},
			{Role: RoleAssistant, Content: "calling tool", ToolCalls: []ToolCall{
				{ID: "toolu_1", Name: "write_file", Input: json.RawMessage(`{}`)},
			}},
			{Role: RoleUser, ToolResults: []ToolResult{
				{ToolCallID: "toolu_1", Content: "Tool write_file is not available to review role", IsError: true},
			}},
		},
	})
	require.NoError(t, err)
}

func TestChatRateLimitedIsRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error": {"type": "rate_limit_error", "message": "slow down"}}`)
	})

	_, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
	assert.Contains(t, err.Error(), "slow down")
}

func TestChatServerErrorIsRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
}

func TestChatClientErrorIsFatal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": {"type": "invalid_request_error", "message": "bad schema"}}`)
	})

	_, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err))
	assert.Contains(t, err.Error(), "bad schema")
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not reach the server")
	})

	_, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no content")
}
