package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/checkpoint"
	"github.com/fyrsmithlabs/crewd/internal/cost"
	"github.com/fyrsmithlabs/crewd/internal/governance"
	"github.com/fyrsmithlabs/crewd/internal/llm"
	"github.com/fyrsmithlabs/crewd/internal/logging"
	"github.com/fyrsmithlabs/crewd/internal/retry"
)

const instrumentationName = "github.com/fyrsmithlabs/crewd/internal/session"

// spawnTool is handled by the loop itself rather than an executor.
const spawnTool = "spawn_agent"

// Auditor appends agent replies to a workflow's audit trail.
type Auditor interface {
	PostMessage(ctx context.Context, workflowID, author, content string) error
}

// Config bounds one session loop. The zero value picks the defaults.
type Config struct {
	// MaxIterations caps provider turns (default: 50).
	MaxIterations int

	// MaxDepth caps nested spawning (default: 2).
	MaxDepth int

	// DryRun acknowledges allowed tool calls without executing them.
	DryRun bool

	// Budget and Pricing feed the per-session cost tracker.
	Budget  cost.Budget
	Pricing map[string]cost.Rate

	// WorkDir scopes tool execution contexts.
	WorkDir string
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 50
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 2
	}
	return c
}

// Request describes one session to run.
type Request struct {
	Role  string
	Model string

	// Opening seeds the conversation. Empty uses a generic opener.
	Opening string

	// StageName scopes the system prompt when bound to a workflow stage.
	StageName string

	WorkflowID string
	StageIndex int
	ChainID    string
	TaskID     string

	ParentID string
	Depth    int

	// MaxIterations, MaxDepth, and Budget override the loop configuration
	// for this session only. Zero values fall back to the loop config.
	MaxIterations int
	MaxDepth      int
	Budget        *cost.Budget
}

// limitsFor resolves the effective bounds for one request.
func (c Config) limitsFor(req *Request) Config {
	if req.MaxIterations > 0 {
		c.MaxIterations = req.MaxIterations
	}
	if req.MaxDepth > 0 {
		c.MaxDepth = req.MaxDepth
	}
	if req.Budget != nil {
		c.Budget = *req.Budget
	}
	return c
}

// Loop is the bounded agent control loop. One Loop serves many sessions;
// per-session state lives on the stack of Run.
type Loop struct {
	provider    llm.Provider
	gate        *governance.Gate
	checkpoints *checkpoint.Handler
	retries     *retry.Executor
	store       *Store
	audit       Auditor
	config      Config

	sessionsTotal  metric.Int64Counter
	toolCallsTotal metric.Int64Counter
}

// NewLoop creates a session loop. The checkpoint handler and auditor may
// be nil; provider, gate, retry executor, and store are required.
func NewLoop(provider llm.Provider, gate *governance.Gate, checkpoints *checkpoint.Handler, retries *retry.Executor, store *Store, audit Auditor, cfg Config) (*Loop, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if gate == nil {
		return nil, errors.New("governance gate is required")
	}
	if retries == nil {
		return nil, errors.New("retry executor is required")
	}
	if store == nil {
		return nil, errors.New("session store is required")
	}

	meter := otel.Meter(instrumentationName)
	sessionsTotal, _ := meter.Int64Counter("crewd_sessions_total",
		metric.WithDescription("Sessions finished, by stop reason"))
	toolCallsTotal, _ := meter.Int64Counter("crewd_session_tool_calls_total",
		metric.WithDescription("Tool calls proposed by the model"))

	return &Loop{
		provider:       provider,
		gate:           gate,
		checkpoints:    checkpoints,
		retries:        retries,
		store:          store,
		audit:          audit,
		config:         cfg.withDefaults(),
		sessionsTotal:  sessionsTotal,
		toolCallsTotal: toolCallsTotal,
	}, nil
}

// Run executes one session to completion and returns its result. The
// session record persists after every tool call, so a crash loses at
// most the in-flight turn.
func (l *Loop) Run(ctx context.Context, req *Request) (*Result, error) {
	if req.Role == "" {
		return nil, errors.New("session role is required")
	}

	sess := &Session{
		ID:         uuid.NewString(),
		Role:       req.Role,
		Model:      req.Model,
		WorkflowID: req.WorkflowID,
		StageIndex: req.StageIndex,
		ChainID:    req.ChainID,
		TaskID:     req.TaskID,
		ParentID:   req.ParentID,
		Depth:      req.Depth,
		StartedAt:  time.Now().UTC(),
	}
	ctx = logging.WithSessionID(ctx, sess.ID)
	log := logging.FromContext(ctx)
	cfg := l.config.limitsFor(req)

	// Depth is resolved before any provider traffic.
	if req.Depth > cfg.MaxDepth {
		log.Warn(ctx, "session exceeds max nesting depth",
			zap.Int("depth", req.Depth),
			zap.Int("max_depth", cfg.MaxDepth))
		return l.finalize(ctx, sess, nil, StopMaxDepth, OutcomeFailure, "")
	}

	descriptors := l.gate.Registry().ForRole(req.Role)
	tools := providerTools(descriptors)
	system := systemPrompt(req.Role, req.StageName, descriptors)

	opening := req.Opening
	if opening == "" {
		opening = "Begin your work for the current stage."
	}
	sess.Messages = []llm.Message{{Role: llm.RoleUser, Content: opening}}

	tracker := cost.NewTracker(cfg.Budget, l.config.Pricing)
	var children []*Result

	for iteration := 0; iteration < cfg.MaxIterations; iteration++ {
		var resp *llm.ChatResponse
		err := l.retries.Do(ctx, func(ctx context.Context) error {
			r, err := l.provider.Chat(ctx, &llm.ChatRequest{
				Model:    req.Model,
				System:   system,
				Messages: sess.Messages,
				Tools:    tools,
			})
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
		if err != nil {
			log.Error(ctx, "provider call failed", zap.Error(err), zap.Int("iteration", iteration))
			return l.finalize(ctx, sess, children, StopError, OutcomeFailure, "")
		}

		turnCost := tracker.Add(cost.Usage{
			Model:        req.Model,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		})
		sess.InputTokens += resp.Usage.InputTokens
		sess.OutputTokens += resp.Usage.OutputTokens
		sess.CostUSD += turnCost

		sess.Messages = append(sess.Messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		if resp.Content != "" && req.WorkflowID != "" && l.audit != nil {
			if err := l.audit.PostMessage(ctx, req.WorkflowID, req.Role, resp.Content); err != nil {
				log.Warn(ctx, "failed to append audit message", zap.Error(err))
			}
		}

		switch tracker.Check() {
		case cost.StatusExceeded:
			log.Warn(ctx, "cost limit exceeded, ending session",
				zap.Float64("cost_usd", sess.CostUSD))
			return l.finalize(ctx, sess, children, StopCostLimit, OutcomeFailure, resp.Content)
		case cost.StatusWarning:
			log.Warn(ctx, "session approaching budget ceiling",
				zap.Float64("cost_usd", sess.CostUSD))
		}

		paused := false
		var results []llm.ToolResult
		for _, tc := range resp.ToolCalls {
			l.toolCallsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tc.Name)))

			result, child := l.handleToolCall(ctx, req, sess, tc, &paused)
			if child != nil {
				children = append(children, child)
			}
			results = append(results, result)

			if err := l.store.Save(sess); err != nil {
				log.Warn(ctx, "failed to persist session", zap.Error(err))
			}
			if paused {
				break
			}
		}
		if len(results) > 0 {
			sess.Messages = append(sess.Messages, llm.Message{Role: llm.RoleUser, ToolResults: results})
		}

		if paused {
			return l.finalize(ctx, sess, children, StopPaused, OutcomeInterrupted, resp.Content)
		}
		if resp.StopReason == llm.StopEndTurn {
			return l.finalize(ctx, sess, children, StopEndTurn, OutcomeSuccess, resp.Content)
		}
	}

	log.Warn(ctx, "session hit iteration cap", zap.Int("max_iterations", cfg.MaxIterations))
	return l.finalize(ctx, sess, children, StopMaxIterations, OutcomeFailure, "")
}

// handleToolCall validates, checkpoints, and executes one proposed call.
// Denials become ordinary tool results so the agent can self-correct.
func (l *Loop) handleToolCall(ctx context.Context, req *Request, sess *Session, tc llm.ToolCall, paused *bool) (llm.ToolResult, *Result) {
	record := ToolCallRecord{Name: tc.Name, Timestamp: time.Now().UTC()}
	deny := func(reason string) llm.ToolResult {
		record.Reason = reason
		sess.ToolCalls = append(sess.ToolCalls, record)
		return llm.ToolResult{ToolCallID: tc.ID, Content: reason, IsError: true}
	}

	call, err := governance.ParseParams(tc.Name, tc.Input)
	if err != nil {
		return deny(err.Error()), nil
	}
	record.Params = call.Params

	decision, err := l.gate.ValidateWithLocks(ctx, call, req.Role, req.ChainID)
	if err != nil {
		return deny(fmt.Sprintf("Validation for %s failed: %v", tc.Name, err)), nil
	}
	if !decision.Allowed {
		return deny(decision.Reason), nil
	}

	if l.checkpoints != nil && l.checkpoints.IsSensitive(tc.Name) {
		verdict := l.checkpoints.Evaluate(ctx, &checkpoint.Request{
			SessionID:  sess.ID,
			WorkflowID: req.WorkflowID,
			Role:       req.Role,
			Call:       call,
			Prompt:     fmt.Sprintf("Session %s (%s role) wants to run %s", sess.ID, req.Role, tc.Name),
		})
		switch verdict.Decision {
		case checkpoint.DecisionRejected:
			return deny(verdict.Reason), nil
		case checkpoint.DecisionTimeout:
			*paused = true
			return deny(verdict.Reason), nil
		}
	}
	record.Allowed = true

	if l.config.DryRun {
		record.Result = &governance.ToolResult{Success: true, Data: "dry_run"}
		sess.ToolCalls = append(sess.ToolCalls, record)
		return llm.ToolResult{
			ToolCallID: tc.ID,
			Content:    fmt.Sprintf("Acknowledged %s (dry run, not executed)", tc.Name),
		}, nil
	}

	if tc.Name == spawnTool {
		childResult, content, isErr := l.spawnChild(ctx, req, sess, call)
		record.Result = &governance.ToolResult{Success: !isErr, Data: childResult}
		sess.ToolCalls = append(sess.ToolCalls, record)
		return llm.ToolResult{ToolCallID: tc.ID, Content: content, IsError: isErr}, childResult
	}

	descriptor, _ := l.gate.Registry().Get(tc.Name)
	if descriptor.Executor == nil {
		// Tools without a daemon-side executor are governed here but
		// executed by the host; the approved call is recorded for it.
		record.Result = &governance.ToolResult{Success: true, Data: "recorded"}
		sess.ToolCalls = append(sess.ToolCalls, record)
		return llm.ToolResult{
			ToolCallID: tc.ID,
			Content:    fmt.Sprintf("Recorded %s for host execution", tc.Name),
		}, nil
	}

	execCtx := governance.ExecContext{
		Role:       req.Role,
		WorkflowID: req.WorkflowID,
		SessionID:  sess.ID,
		ChainID:    req.ChainID,
		TaskID:     req.TaskID,
		WorkDir:    l.config.WorkDir,
	}
	toolResult, err := descriptor.Executor(ctx, execCtx, call)
	if err != nil {
		toolResult = &governance.ToolResult{Success: false, Error: err.Error()}
	}
	record.Result = toolResult
	sess.ToolCalls = append(sess.ToolCalls, record)

	return llm.ToolResult{
		ToolCallID: tc.ID,
		Content:    renderToolResult(toolResult),
		IsError:    !toolResult.Success,
	}, nil
}

// finalize stamps the outcome, persists the record, and builds the
// caller-facing result.
func (l *Loop) finalize(ctx context.Context, sess *Session, children []*Result, stopReason, outcome, finalText string) (*Result, error) {
	now := time.Now().UTC()
	sess.EndedAt = &now
	sess.Outcome = outcome
	sess.StopReason = stopReason

	if err := l.store.Save(sess); err != nil {
		logging.FromContext(ctx).Warn(ctx, "failed to persist finished session", zap.Error(err))
	}

	l.sessionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stop_reason", stopReason),
		attribute.String("outcome", outcome),
	))
	logging.FromContext(ctx).Info(ctx, "session finished",
		zap.String("stop_reason", stopReason),
		zap.String("outcome", outcome),
		zap.Int("tool_calls", len(sess.ToolCalls)),
		zap.Float64("cost_usd", sess.CostUSD))

	return &Result{
		SessionID:    sess.ID,
		Outcome:      outcome,
		StopReason:   stopReason,
		FinalText:    finalText,
		InputTokens:  sess.InputTokens,
		OutputTokens: sess.OutputTokens,
		CostUSD:      sess.CostUSD,
		Children:     children,
	}, nil
}

// renderToolResult flattens an executed result into tool-result text.
func renderToolResult(result *governance.ToolResult) string {
	if !result.Success {
		return result.Error
	}
	switch data := result.Data.(type) {
	case nil:
		return "ok"
	case string:
		return data
	default:
		out, err := json.Marshal(data)
		if err != nil {
			return fmt.Sprintf("%v", data)
		}
		return string(out)
	}
}
