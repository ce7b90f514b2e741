package session

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/governance"
	"github.com/fyrsmithlabs/crewd/internal/hooks"
	"github.com/fyrsmithlabs/crewd/internal/logging"
)

// spawnChild runs a nested impl session one level deeper, awaited
// synchronously. Its result is returned to the parent both as tool-result
// content and as an accumulated child result. Depth bookkeeping happens
// in Run: a child past the cap comes back as a max_depth failure without
// any provider traffic.
func (l *Loop) spawnChild(ctx context.Context, req *Request, sess *Session, call governance.ToolCall) (*Result, string, bool) {
	prompt := call.StringParam("prompt")
	if prompt == "" {
		return nil, "Tool spawn_agent requires a prompt parameter", true
	}

	childReq := &Request{
		Role:       governance.RoleImpl,
		Model:      req.Model,
		Opening:    prompt,
		StageName:  req.StageName,
		WorkflowID: req.WorkflowID,
		StageIndex: req.StageIndex,
		ChainID:    req.ChainID,
		TaskID:     req.TaskID,
		ParentID:   sess.ID,
		Depth:      req.Depth + 1,

		// Children run under the parent's per-session limits.
		MaxIterations: req.MaxIterations,
		MaxDepth:      req.MaxDepth,
		Budget:        req.Budget,
	}

	childResult, err := l.Run(ctx, childReq)
	if err != nil {
		return nil, fmt.Sprintf("spawn_agent failed: %v", err), true
	}
	sess.ChildIDs = append(sess.ChildIDs, childResult.SessionID)

	logging.FromContext(ctx).Info(ctx, "child session finished",
		zap.String("child_session_id", childResult.SessionID),
		zap.String("outcome", childResult.Outcome),
		zap.String("stop_reason", childResult.StopReason))

	summary, marshalErr := json.Marshal(map[string]any{
		"sessionId":  childResult.SessionID,
		"outcome":    childResult.Outcome,
		"stopReason": childResult.StopReason,
		"finalText":  childResult.FinalText,
	})
	if marshalErr != nil {
		return childResult, childResult.Outcome, !childResult.Success()
	}
	return childResult, string(summary), !childResult.Success()
}

// HookSpawner adapts the loop to the hook runner's AgentSpawner
// collaborator so spawn_agent hook actions start real sessions.
type HookSpawner struct {
	Loop  *Loop
	Model string
}

// Spawn runs a session for a hook action, awaited synchronously.
// The loop is bound after construction; until then spawning fails.
func (s *HookSpawner) Spawn(ctx context.Context, hctx hooks.Context, role, prompt string) error {
	if s.Loop == nil {
		return fmt.Errorf("no session loop is configured for agent spawning")
	}
	if role == "" {
		role = governance.RoleImpl
	}

	result, err := s.Loop.Run(ctx, &Request{
		Role:       role,
		Model:      s.Model,
		Opening:    prompt,
		WorkflowID: hctx.WorkflowID,
		StageIndex: hctx.StageIndex,
		ChainID:    hctx.ChainID,
		TaskID:     hctx.TaskID,
	})
	if err != nil {
		return err
	}

	// The hook action succeeds once the session ran; the session's own
	// outcome is recorded but does not fail the transition.
	if !result.Success() {
		logging.FromContext(ctx).Warn(ctx, "hook-spawned session ended unsuccessfully",
			zap.String("session_id", result.SessionID),
			zap.String("role", role),
			zap.String("stop_reason", result.StopReason))
	}
	return nil
}

var _ hooks.AgentSpawner = (*HookSpawner)(nil)
