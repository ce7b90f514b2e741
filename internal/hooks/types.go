// Package hooks executes ordered side-effect actions attached to workflow
// and stage transitions.
//
// Actions run strictly in order. A blocking action's failure aborts the
// triggering transition; non-blocking failures are recorded and execution
// continues. Side effects already applied are never rolled back.
package hooks

import (
	"context"
	"fmt"
)

// Action kinds.
const (
	KindCommand        = "command"
	KindTaskTransition = "task_transition"
	KindFileMove       = "file_move"
	KindPostMessage    = "post_message"
	KindEmitEvent      = "emit_event"
	KindSpawnAgent     = "spawn_agent"
	KindValidation     = "validation"
	KindCustom         = "custom"
)

// Task transitions driven by task_transition actions.
const (
	TransitionStart    = "start"
	TransitionComplete = "complete"
	TransitionApprove  = "approve"
)

// Action is one transition side effect. Kind selects which fields apply.
type Action struct {
	Kind string `json:"kind" yaml:"kind"`

	// Blocking defaults to true; a nil pointer means blocking.
	Blocking *bool `json:"blocking,omitempty" yaml:"blocking,omitempty"`

	// kind == command
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// kind == task_transition
	TaskID     string `json:"taskId,omitempty" yaml:"taskId,omitempty"`
	Transition string `json:"transition,omitempty" yaml:"transition,omitempty"`

	// kind == file_move
	From string `json:"from,omitempty" yaml:"from,omitempty"`
	To   string `json:"to,omitempty" yaml:"to,omitempty"`

	// kind == post_message
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// kind == emit_event
	Event   string         `json:"event,omitempty" yaml:"event,omitempty"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`

	// kind == spawn_agent
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Role   string `json:"role,omitempty" yaml:"role,omitempty"`

	// kind == validation
	Check string `json:"check,omitempty" yaml:"check,omitempty"`

	// kind == custom
	Handler string         `json:"handler,omitempty" yaml:"handler,omitempty"`
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// IsBlocking reports whether this action's failure aborts the transition.
func (a *Action) IsBlocking() bool {
	return a.Blocking == nil || *a.Blocking
}

// Context carries the transition identifiers available for interpolation.
type Context struct {
	WorkflowID string
	StageIndex int
	ChainID    string
	TaskID     string
}

// Result records the outcome of one executed action.
type Result struct {
	Kind    string `json:"kind"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HookError reports a blocking action failure. Results holds every action
// executed up to and including the failing one, for audit logging.
type HookError struct {
	HookName string
	Results  []Result
	Cause    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s: blocking action failed: %v", e.HookName, e.Cause)
}

func (e *HookError) Unwrap() error {
	return e.Cause
}

// CommandResult is the outcome of a shell command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandRunner runs shell commands for command actions and
// verification gates.
type CommandRunner interface {
	Run(ctx context.Context, command string) (CommandResult, error)
}

// TaskTransitioner drives task lifecycle transitions.
type TaskTransitioner interface {
	Start(ctx context.Context, taskID string) error
	Complete(ctx context.Context, taskID string) error
	Approve(ctx context.Context, taskID string) error
}

// MessagePoster appends a message to a workflow's audit trail.
type MessagePoster interface {
	PostMessage(ctx context.Context, workflowID, content string) error
}

// AgentSpawner starts a delegated agent session.
type AgentSpawner interface {
	Spawn(ctx context.Context, hctx Context, role, prompt string) error
}

// Validator runs a named completion-gate check.
type Validator interface {
	Validate(ctx context.Context, check string, hctx Context) (valid bool, detail string, err error)
}

// CustomHandler handles a custom action registered by the host.
type CustomHandler func(ctx context.Context, action Action, hctx Context) error
