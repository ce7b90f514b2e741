package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/crewd/internal/checkpoint"
	"github.com/fyrsmithlabs/crewd/internal/cost"
	"github.com/fyrsmithlabs/crewd/internal/governance"
	"github.com/fyrsmithlabs/crewd/internal/hooks"
	"github.com/fyrsmithlabs/crewd/internal/llm"
	"github.com/fyrsmithlabs/crewd/internal/retry"
)

// scriptedProvider replays a fixed sequence of responses and records
// every request it saw.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	requests  []*llm.ChatRequest
}

func (p *scriptedProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return nil, errors.New("scripted provider exhausted")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// scriptedApprover answers approval requests with a fixed response, or
// blocks until the context expires when blocking is set.
type scriptedApprover struct {
	blocking bool
	response *checkpoint.Response
}

func (a *scriptedApprover) Approve(ctx context.Context, req *checkpoint.Request) (*checkpoint.Response, error) {
	if a.blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return a.response, nil
}

type loopFixture struct {
	provider *scriptedProvider
	loop     *Loop
	store    *Store

	mu       sync.Mutex
	executed []governance.ToolCall
}

func (fx *loopFixture) executedCalls() []governance.ToolCall {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]governance.ToolCall(nil), fx.executed...)
}

func newLoopFixture(t *testing.T, cfg Config, approver checkpoint.Approver) *loopFixture {
	t.Helper()

	fx := &loopFixture{provider: &scriptedProvider{}}

	record := func(ctx context.Context, execCtx governance.ExecContext, call governance.ToolCall) (*governance.ToolResult, error) {
		fx.mu.Lock()
		fx.executed = append(fx.executed, call)
		fx.mu.Unlock()
		return &governance.ToolResult{Success: true, Data: "ok: " + call.Name}, nil
	}

	registry, err := governance.NewRegistry(
		&governance.ToolDescriptor{
			Name:        "read_file",
			Description: "Read a file",
			Roles:       []string{governance.RoleOrchestrator, governance.RoleImpl},
			Executor:    record,
		},
		&governance.ToolDescriptor{
			Name:        "write_file",
			Description: "Write a file",
			Roles:       []string{governance.RoleOrchestrator, governance.RoleImpl},
			Executor:    record,
		},
		&governance.ToolDescriptor{
			Name:        "run_command",
			Description: "Run a shell command",
			Roles:       []string{governance.RoleOrchestrator, governance.RoleImpl},
			Executor:    record,
		},
		&governance.ToolDescriptor{
			Name:        "spawn_agent",
			Description: "Delegate to a nested agent",
			Roles:       []string{governance.RoleOrchestrator},
		},
	)
	require.NoError(t, err)

	gate, err := governance.NewGate(registry, governance.DefaultPathPolicy(), nil)
	require.NoError(t, err)

	var checkpoints *checkpoint.Handler
	if approver != nil {
		checkpoints, err = checkpoint.NewHandler(&checkpoint.Config{
			SensitiveActions: []string{"run_command"},
			ApprovalTimeout:  50 * time.Millisecond,
		}, approver)
		require.NoError(t, err)
	}

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	loop, err := NewLoop(fx.provider, gate, checkpoints, retry.NewExecutor(nil), store, nil, cfg)
	require.NoError(t, err)

	fx.loop = loop
	fx.store = store
	return fx
}

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Content:    content,
		StopReason: llm.StopEndTurn,
		Usage:      llm.Usage{InputTokens: 100, OutputTokens: 50},
	}
}

func toolResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		ToolCalls:  calls,
		StopReason: llm.StopToolUse,
		Usage:      llm.Usage{InputTokens: 100, OutputTokens: 50},
	}
}

func toolCall(id, name string, params map[string]any) llm.ToolCall {
	input, _ := json.Marshal(params)
	return llm.ToolCall{ID: id, Name: name, Input: input}
}

func TestLoopEndTurn(t *testing.T) {
	fx := newLoopFixture(t, Config{}, nil)
	fx.provider.responses = []*llm.ChatResponse{textResponse("All done.")}

	result, err := fx.loop.Run(context.Background(), &Request{Role: governance.RoleOrchestrator})
	require.NoError(t, err)

	assert.Equal(t, StopEndTurn, result.StopReason)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.True(t, result.Success())
	assert.Equal(t, "All done.", result.FinalText)
	assert.Equal(t, 100, result.InputTokens)
	assert.Equal(t, 50, result.OutputTokens)

	persisted, err := fx.store.Get(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, persisted.Outcome)
	assert.NotNil(t, persisted.EndedAt)
	require.Len(t, persisted.Messages, 2)
	assert.Equal(t, llm.RoleAssistant, persisted.Messages[1].Role)
}

func TestLoopMaxDepth(t *testing.T) {
	fx := newLoopFixture(t, Config{MaxDepth: 2}, nil)

	result, err := fx.loop.Run(context.Background(), &Request{
		Role:  governance.RoleImpl,
		Depth: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, StopMaxDepth, result.StopReason)
	assert.Equal(t, OutcomeFailure, result.Outcome)
	assert.Zero(t, fx.provider.callCount(), "no provider traffic past the depth cap")
}

func TestLoopMaxIterations(t *testing.T) {
	fx := newLoopFixture(t, Config{MaxIterations: 1}, nil)
	fx.provider.responses = []*llm.ChatResponse{
		toolResponse(toolCall("t1", "read_file", map[string]any{"path": "src/main.go"})),
	}

	result, err := fx.loop.Run(context.Background(), &Request{Role: governance.RoleImpl})
	require.NoError(t, err)

	assert.Equal(t, StopMaxIterations, result.StopReason)
	assert.Equal(t, OutcomeFailure, result.Outcome)
	assert.Equal(t, 1, fx.provider.callCount())
}

func TestLoopRequestOverridesLimits(t *testing.T) {
	t.Run("iteration cap", func(t *testing.T) {
		// The loop config allows the default 50 turns; the request tightens
		// the cap to one for this session only.
		fx := newLoopFixture(t, Config{}, nil)
		fx.provider.responses = []*llm.ChatResponse{
			toolResponse(toolCall("t1", "read_file", map[string]any{"path": "src/main.go"})),
			toolResponse(toolCall("t2", "read_file", map[string]any{"path": "src/util.go"})),
		}

		result, err := fx.loop.Run(context.Background(), &Request{
			Role:          governance.RoleImpl,
			MaxIterations: 1,
		})
		require.NoError(t, err)

		assert.Equal(t, StopMaxIterations, result.StopReason)
		assert.Equal(t, 1, fx.provider.callCount())
	})

	t.Run("budget", func(t *testing.T) {
		fx := newLoopFixture(t, Config{}, nil)
		fx.provider.responses = []*llm.ChatResponse{
			toolResponse(toolCall("t1", "read_file", map[string]any{"path": "src/main.go"})),
		}

		result, err := fx.loop.Run(context.Background(), &Request{
			Role:   governance.RoleImpl,
			Budget: &cost.Budget{MaxTokens: 100},
		})
		require.NoError(t, err)

		assert.Equal(t, StopCostLimit, result.StopReason)
		assert.Empty(t, fx.executedCalls())
	})

	t.Run("children inherit the override", func(t *testing.T) {
		fx := newLoopFixture(t, Config{}, nil)
		fx.provider.responses = []*llm.ChatResponse{
			toolResponse(toolCall("t1", "spawn_agent", map[string]any{"prompt": "dig in"})),
			textResponse("Cannot delegate further."),
		}

		// The override tightens the default depth cap of 2 to 1. The parent
		// sits at the cap, so its child lands past it under the inherited
		// limit and fails without provider traffic of its own.
		result, err := fx.loop.Run(context.Background(), &Request{
			Role:     governance.RoleOrchestrator,
			Depth:    1,
			MaxDepth: 1,
		})
		require.NoError(t, err)
		assert.True(t, result.Success())

		require.Len(t, result.Children, 1)
		assert.Equal(t, StopMaxDepth, result.Children[0].StopReason)
		assert.Equal(t, 2, fx.provider.callCount())
	})
}

func TestLoopToolExecution(t *testing.T) {
	fx := newLoopFixture(t, Config{}, nil)
	fx.provider.responses = []*llm.ChatResponse{
		toolResponse(toolCall("t1", "read_file", map[string]any{"path": "src/main.go"})),
		textResponse("Read it."),
	}

	result, err := fx.loop.Run(context.Background(), &Request{Role: governance.RoleImpl})
	require.NoError(t, err)
	assert.True(t, result.Success())

	executed := fx.executedCalls()
	require.Len(t, executed, 1)
	assert.Equal(t, "read_file", executed[0].Name)
	assert.Equal(t, "src/main.go", executed[0].StringParam("path"))

	// The second provider request carries the tool result.
	require.Equal(t, 2, fx.provider.callCount())
	secondReq := fx.provider.requests[1]
	last := secondReq.Messages[len(secondReq.Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.Equal(t, "t1", last.ToolResults[0].ToolCallID)
	assert.Equal(t, "ok: read_file", last.ToolResults[0].Content)
	assert.False(t, last.ToolResults[0].IsError)

	persisted, err := fx.store.Get(result.SessionID)
	require.NoError(t, err)
	require.Len(t, persisted.ToolCalls, 1)
	assert.True(t, persisted.ToolCalls[0].Allowed)
	require.NotNil(t, persisted.ToolCalls[0].Result)
	assert.True(t, persisted.ToolCalls[0].Result.Success)
}

func TestLoopDenialFeedsBack(t *testing.T) {
	fx := newLoopFixture(t, Config{}, nil)
	fx.provider.responses = []*llm.ChatResponse{
		toolResponse(toolCall("t1", "task:approve", map[string]any{"taskId": "T-1"})),
		textResponse("Understood, I cannot approve."),
	}

	result, err := fx.loop.Run(context.Background(), &Request{Role: governance.RoleImpl})
	require.NoError(t, err)
	assert.True(t, result.Success(), "a denial never aborts the session")

	secondReq := fx.provider.requests[1]
	last := secondReq.Messages[len(secondReq.Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.True(t, last.ToolResults[0].IsError)
	assert.Equal(t, "Unknown tool: task:approve", last.ToolResults[0].Content)
	assert.Empty(t, fx.executedCalls())

	persisted, err := fx.store.Get(result.SessionID)
	require.NoError(t, err)
	require.Len(t, persisted.ToolCalls, 1)
	assert.False(t, persisted.ToolCalls[0].Allowed)
	assert.Equal(t, "Unknown tool: task:approve", persisted.ToolCalls[0].Reason)
}

func TestLoopCostLimit(t *testing.T) {
	fx := newLoopFixture(t, Config{
		Budget: cost.Budget{MaxTokens: 100},
	}, nil)
	fx.provider.responses = []*llm.ChatResponse{
		toolResponse(toolCall("t1", "read_file", map[string]any{"path": "src/main.go"})),
	}

	result, err := fx.loop.Run(context.Background(), &Request{Role: governance.RoleImpl})
	require.NoError(t, err)

	assert.Equal(t, StopCostLimit, result.StopReason)
	assert.Equal(t, OutcomeFailure, result.Outcome)
	assert.Empty(t, fx.executedCalls(), "tool calls in the breaching turn are not processed")
}

func TestLoopCheckpointRejection(t *testing.T) {
	approver := &scriptedApprover{response: &checkpoint.Response{Approved: false, Reason: "not in a deploy window", Actor: "alice"}}
	fx := newLoopFixture(t, Config{}, approver)
	fx.provider.responses = []*llm.ChatResponse{
		toolResponse(toolCall("t1", "run_command", map[string]any{"command": "make deploy"})),
		textResponse("Skipping the deploy."),
	}

	result, err := fx.loop.Run(context.Background(), &Request{Role: governance.RoleImpl})
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Empty(t, fx.executedCalls())

	secondReq := fx.provider.requests[1]
	last := secondReq.Messages[len(secondReq.Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.True(t, last.ToolResults[0].IsError)
	assert.Equal(t, "not in a deploy window", last.ToolResults[0].Content)
}

func TestLoopCheckpointTimeoutPauses(t *testing.T) {
	fx := newLoopFixture(t, Config{}, &scriptedApprover{blocking: true})
	fx.provider.responses = []*llm.ChatResponse{
		toolResponse(
			toolCall("t1", "run_command", map[string]any{"command": "make deploy"}),
			toolCall("t2", "read_file", map[string]any{"path": "src/main.go"}),
		),
	}

	result, err := fx.loop.Run(context.Background(), &Request{Role: governance.RoleImpl})
	require.NoError(t, err)

	assert.Equal(t, StopPaused, result.StopReason)
	assert.Equal(t, OutcomeInterrupted, result.Outcome)
	assert.Empty(t, fx.executedCalls(), "nothing executes after the pause")

	persisted, err := fx.store.Get(result.SessionID)
	require.NoError(t, err)
	require.Len(t, persisted.ToolCalls, 1, "the second call in the turn is never reached")
	assert.Contains(t, persisted.ToolCalls[0].Reason, "timed out")
}

func TestLoopDryRun(t *testing.T) {
	fx := newLoopFixture(t, Config{DryRun: true}, nil)
	fx.provider.responses = []*llm.ChatResponse{
		toolResponse(toolCall("t1", "write_file", map[string]any{"path": "src/main.go", "content": "x"})),
		textResponse("Done."),
	}

	result, err := fx.loop.Run(context.Background(), &Request{Role: governance.RoleImpl})
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Empty(t, fx.executedCalls(), "dry run acknowledges without executing")

	secondReq := fx.provider.requests[1]
	last := secondReq.Messages[len(secondReq.Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.False(t, last.ToolResults[0].IsError)
	assert.Contains(t, last.ToolResults[0].Content, "dry run")
}

func TestLoopProviderError(t *testing.T) {
	fx := newLoopFixture(t, Config{}, nil)
	// No scripted responses: the provider fails with a fatal error.

	result, err := fx.loop.Run(context.Background(), &Request{Role: governance.RoleImpl})
	require.NoError(t, err)
	assert.Equal(t, StopError, result.StopReason)
	assert.Equal(t, OutcomeFailure, result.Outcome)
}

func TestLoopSpawnChild(t *testing.T) {
	fx := newLoopFixture(t, Config{}, nil)
	fx.provider.responses = []*llm.ChatResponse{
		toolResponse(toolCall("t1", "spawn_agent", map[string]any{"prompt": "implement the parser"})),
		textResponse("Child finished the parser."), // child session turn
		textResponse("Delegation complete."),       // parent resumes
	}

	result, err := fx.loop.Run(context.Background(), &Request{Role: governance.RoleOrchestrator})
	require.NoError(t, err)
	assert.True(t, result.Success())

	require.Len(t, result.Children, 1)
	child := result.Children[0]
	assert.Equal(t, OutcomeSuccess, child.Outcome)
	assert.Equal(t, "Child finished the parser.", child.FinalText)

	parent, err := fx.store.Get(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{child.SessionID}, parent.ChildIDs)

	childSess, err := fx.store.Get(child.SessionID)
	require.NoError(t, err)
	assert.Equal(t, governance.RoleImpl, childSess.Role)
	assert.Equal(t, 1, childSess.Depth)
	assert.Equal(t, result.SessionID, childSess.ParentID)

	// The child saw the spawn prompt as its opening message.
	childOpening := fx.provider.requests[1].Messages[0]
	assert.Equal(t, "implement the parser", childOpening.Content)

	// The parent's tool result summarizes the child.
	parentResume := fx.provider.requests[2]
	last := parentResume.Messages[len(parentResume.Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.Contains(t, last.ToolResults[0].Content, child.SessionID)
	assert.False(t, last.ToolResults[0].IsError)
}

func TestLoopSpawnPastDepthCap(t *testing.T) {
	fx := newLoopFixture(t, Config{MaxDepth: 2}, nil)
	fx.provider.responses = []*llm.ChatResponse{
		toolResponse(toolCall("t1", "spawn_agent", map[string]any{"prompt": "go deeper"})),
		textResponse("Cannot delegate further."),
	}

	// The parent already sits at the cap, so its child lands past it.
	result, err := fx.loop.Run(context.Background(), &Request{Role: governance.RoleOrchestrator, Depth: 2})
	require.NoError(t, err)
	assert.True(t, result.Success())

	require.Len(t, result.Children, 1)
	assert.Equal(t, StopMaxDepth, result.Children[0].StopReason)
	assert.Equal(t, OutcomeFailure, result.Children[0].Outcome)

	// Two provider calls total: the child made none.
	assert.Equal(t, 2, fx.provider.callCount())
}

func TestHookSpawnerSucceedsOnUnsuccessfulSession(t *testing.T) {
	// The session runs to its iteration cap and ends as a failure, but the
	// hook action itself succeeded: the session ran. A stage transition
	// must not be aborted by the spawned agent's outcome.
	fx := newLoopFixture(t, Config{MaxIterations: 1}, nil)
	fx.provider.responses = []*llm.ChatResponse{
		toolResponse(toolCall("t1", "read_file", map[string]any{"path": "src/main.go"})),
	}

	spawner := &HookSpawner{Loop: fx.loop}
	err := spawner.Spawn(context.Background(), hooks.Context{WorkflowID: "WF-20260828-001"}, "", "triage the failure")
	require.NoError(t, err)

	// The session really ran, with the impl role defaulted.
	require.Equal(t, 1, fx.provider.callCount())
	assert.Contains(t, fx.provider.requests[0].System, "implementation agent")
}

func TestHookSpawnerWithoutLoop(t *testing.T) {
	spawner := &HookSpawner{}
	err := spawner.Spawn(context.Background(), hooks.Context{}, governance.RoleImpl, "x")
	assert.Error(t, err)
}

func TestSystemPromptListsTools(t *testing.T) {
	fx := newLoopFixture(t, Config{}, nil)
	fx.provider.responses = []*llm.ChatResponse{textResponse("ok")}

	_, err := fx.loop.Run(context.Background(), &Request{
		Role:      governance.RoleImpl,
		StageName: "Implementation",
	})
	require.NoError(t, err)

	req := fx.provider.requests[0]
	assert.Contains(t, req.System, "implementation agent")
	assert.Contains(t, req.System, "Implementation")
	assert.Contains(t, req.System, "read_file")
	require.NotEmpty(t, req.Tools)

	names := make([]string, 0, len(req.Tools))
	for _, tool := range req.Tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "read_file")
	assert.NotContains(t, names, "spawn_agent", "spawn_agent is not offered to impl role")
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	sess := &Session{
		ID:         "11111111-2222-3333-4444-555555555555",
		Role:       governance.RoleImpl,
		Depth:      1,
		Outcome:    OutcomeSuccess,
		StopReason: StopEndTurn,
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		ToolCalls: []ToolCallRecord{
			{Name: "read_file", Allowed: true, Timestamp: now},
		},
		StartedAt: now,
	}
	require.NoError(t, store.Save(sess))

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Role, got.Role)
	require.Len(t, got.ToolCalls, 1)
	assert.True(t, got.ToolCalls[0].Timestamp.Equal(now))

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
