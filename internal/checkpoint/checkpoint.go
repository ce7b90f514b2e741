// Package checkpoint gates sensitive agent actions behind synchronous
// human approval.
//
// A configurable set of tool names is considered sensitive. Before such a
// tool executes, the handler asks an injected Approver and waits up to the
// configured timeout. Rejection produces a denial the agent sees as tool
// output. A timeout pauses the session rather than failing it.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/governance"
	"github.com/fyrsmithlabs/crewd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/crewd/internal/checkpoint"

// Decision is the outcome of one approval request.
type Decision string

const (
	// DecisionApproved lets the action execute.
	DecisionApproved Decision = "approved"

	// DecisionRejected blocks the action with the approver's reason.
	DecisionRejected Decision = "rejected"

	// DecisionTimeout means no human answered in time. The session
	// pauses; the action does not execute.
	DecisionTimeout Decision = "timeout"
)

// Request describes the action awaiting approval.
type Request struct {
	SessionID  string
	WorkflowID string
	Role       string
	Call       governance.ToolCall
	Prompt     string
}

// Response is the approver's answer.
type Response struct {
	Approved bool
	Reason   string
	Actor    string
}

// Approver answers approval requests. Implementations block until a
// human decides or ctx expires; the handler owns the timeout.
type Approver interface {
	Approve(ctx context.Context, req *Request) (*Response, error)
}

// Result is the handler's verdict for the session loop.
type Result struct {
	Decision Decision
	Reason   string
	Actor    string
}

// Config configures the checkpoint handler.
type Config struct {
	// SensitiveActions are tool names requiring approval.
	SensitiveActions []string

	// ApprovalTimeout bounds the wait for a decision (default: 5m).
	ApprovalTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SensitiveActions: []string{"run_command", "task:approve", "spawn_agent"},
		ApprovalTimeout:  5 * time.Minute,
	}
}

// Handler evaluates sensitive actions against an Approver.
type Handler struct {
	config    *Config
	approver  Approver
	sensitive map[string]bool

	decisionsTotal metric.Int64Counter
}

// NewHandler creates a checkpoint handler.
// A nil config uses defaults. The approver is required.
func NewHandler(cfg *Config, approver Approver) (*Handler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if approver == nil {
		return nil, errors.New("approver is required")
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultConfig().ApprovalTimeout
	}

	sensitive := make(map[string]bool, len(cfg.SensitiveActions))
	for _, name := range cfg.SensitiveActions {
		sensitive[name] = true
	}

	meter := otel.Meter(instrumentationName)
	decisionsTotal, _ := meter.Int64Counter("crewd_checkpoint_decisions_total",
		metric.WithDescription("Checkpoint approval decisions by outcome"))

	return &Handler{
		config:         cfg,
		approver:       approver,
		sensitive:      sensitive,
		decisionsTotal: decisionsTotal,
	}, nil
}

// IsSensitive reports whether a tool name requires approval.
func (h *Handler) IsSensitive(toolName string) bool {
	return h.sensitive[toolName]
}

// Evaluate requests approval for a sensitive action.
//
// Non-sensitive actions are approved without consulting the Approver.
// An approver error or an elapsed timeout both map to DecisionTimeout so
// the caller pauses instead of failing.
func (h *Handler) Evaluate(ctx context.Context, req *Request) *Result {
	log := logging.FromContext(ctx)

	if !h.IsSensitive(req.Call.Name) {
		return &Result{Decision: DecisionApproved}
	}

	approvalCtx, cancel := context.WithTimeout(ctx, h.config.ApprovalTimeout)
	defer cancel()

	log.Info(ctx, "requesting approval for sensitive action",
		zap.String("tool", req.Call.Name),
		zap.String("role", req.Role))

	resp, err := h.approver.Approve(approvalCtx, req)
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		h.record(ctx, req.Call.Name, DecisionTimeout)
		log.Warn(ctx, "approval timed out, pausing session",
			zap.String("tool", req.Call.Name),
			zap.Duration("timeout", h.config.ApprovalTimeout))
		return &Result{
			Decision: DecisionTimeout,
			Reason:   fmt.Sprintf("Approval for %s timed out after %s", req.Call.Name, h.config.ApprovalTimeout),
		}
	case err != nil:
		h.record(ctx, req.Call.Name, DecisionTimeout)
		log.Error(ctx, "approver failed, pausing session",
			zap.String("tool", req.Call.Name),
			zap.Error(err))
		return &Result{
			Decision: DecisionTimeout,
			Reason:   fmt.Sprintf("Approval for %s unavailable: %v", req.Call.Name, err),
		}
	case resp == nil:
		h.record(ctx, req.Call.Name, DecisionTimeout)
		log.Error(ctx, "approver returned no response, pausing session",
			zap.String("tool", req.Call.Name))
		return &Result{
			Decision: DecisionTimeout,
			Reason:   fmt.Sprintf("Approval for %s unavailable: empty response", req.Call.Name),
		}
	case !resp.Approved:
		h.record(ctx, req.Call.Name, DecisionRejected)
		reason := resp.Reason
		if reason == "" {
			reason = fmt.Sprintf("Action %s was rejected by %s", req.Call.Name, resp.Actor)
		}
		return &Result{Decision: DecisionRejected, Reason: reason, Actor: resp.Actor}
	default:
		h.record(ctx, req.Call.Name, DecisionApproved)
		return &Result{Decision: DecisionApproved, Actor: resp.Actor}
	}
}

func (h *Handler) record(ctx context.Context, tool string, decision Decision) {
	h.decisionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("decision", string(decision)),
	))
}
