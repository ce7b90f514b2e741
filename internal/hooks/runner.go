package hooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/events"
	"github.com/fyrsmithlabs/crewd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/crewd/internal/hooks"

// Collaborators are the narrow interfaces the runner delegates to.
// Nil collaborators fail the actions that need them.
type Collaborators struct {
	Commands CommandRunner
	Tasks    TaskTransitioner
	Messages MessagePoster
	Events   events.Emitter
	Spawner  AgentSpawner
	Checks   Validator
	Custom   map[string]CustomHandler
}

// Runner executes transition hook actions in order.
type Runner struct {
	collab Collaborators

	actionsTotal  metric.Int64Counter
	failuresTotal metric.Int64Counter
}

// NewRunner creates a hook runner with the given collaborators.
func NewRunner(collab Collaborators) *Runner {
	meter := otel.Meter(instrumentationName)
	actionsTotal, _ := meter.Int64Counter("crewd_hook_actions_total",
		metric.WithDescription("Hook actions executed"))
	failuresTotal, _ := meter.Int64Counter("crewd_hook_failures_total",
		metric.WithDescription("Hook actions that failed"))

	return &Runner{
		collab:        collab,
		actionsTotal:  actionsTotal,
		failuresTotal: failuresTotal,
	}
}

// Run executes the actions for one hook in order, interpolating the
// transition identifiers into each action first.
//
// The returned results always cover every action attempted. On a blocking
// failure the error is a *HookError carrying the same partial results so
// the caller can audit-log the failing action; non-blocking failures are
// recorded in the results and execution continues.
func (r *Runner) Run(ctx context.Context, hookName string, actions []Action, hctx Context) ([]Result, error) {
	log := logging.FromContext(ctx)
	results := make([]Result, 0, len(actions))

	for i, raw := range actions {
		action := interpolate(raw, hctx)

		result := r.execute(ctx, action, hctx)
		results = append(results, result)

		r.actionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", action.Kind)))
		if !result.Success {
			r.failuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", action.Kind)))
		}

		if !result.Success && action.IsBlocking() {
			log.Warn(ctx, "blocking hook action failed",
				zap.String("hook", hookName),
				zap.Int("action_index", i),
				zap.String("kind", action.Kind),
				zap.String("error", result.Error))
			return results, &HookError{
				HookName: hookName,
				Results:  results,
				Cause:    fmt.Errorf("%s action failed: %s", action.Kind, result.Error),
			}
		}

		if !result.Success {
			log.Info(ctx, "non-blocking hook action failed, continuing",
				zap.String("hook", hookName),
				zap.Int("action_index", i),
				zap.String("kind", action.Kind),
				zap.String("error", result.Error))
		}
	}

	return results, nil
}

// execute runs one action and maps its outcome to a Result.
func (r *Runner) execute(ctx context.Context, action Action, hctx Context) Result {
	result := Result{Kind: action.Kind}

	fail := func(format string, args ...any) Result {
		result.Success = false
		result.Error = fmt.Sprintf(format, args...)
		return result
	}

	switch action.Kind {
	case KindCommand:
		if r.collab.Commands == nil {
			return fail("no command runner configured")
		}
		cmdResult, err := r.collab.Commands.Run(ctx, action.Command)
		if err != nil {
			return fail("command failed: %v", err)
		}
		result.Output = cmdResult.Stdout
		if cmdResult.ExitCode != 0 {
			return fail("command %q exited with code %d: %s", action.Command, cmdResult.ExitCode, cmdResult.Stderr)
		}
		result.Success = true

	case KindTaskTransition:
		if r.collab.Tasks == nil {
			return fail("no task transitioner configured")
		}
		var err error
		switch action.Transition {
		case TransitionStart:
			err = r.collab.Tasks.Start(ctx, action.TaskID)
		case TransitionComplete:
			err = r.collab.Tasks.Complete(ctx, action.TaskID)
		case TransitionApprove:
			err = r.collab.Tasks.Approve(ctx, action.TaskID)
		default:
			return fail("unknown task transition %q", action.Transition)
		}
		if err != nil {
			return fail("task %s %s failed: %v", action.TaskID, action.Transition, err)
		}
		result.Success = true

	case KindFileMove:
		if err := os.MkdirAll(filepath.Dir(action.To), 0755); err != nil {
			return fail("failed to create destination directory: %v", err)
		}
		if err := os.Rename(action.From, action.To); err != nil {
			return fail("failed to move %s to %s: %v", action.From, action.To, err)
		}
		result.Success = true

	case KindPostMessage:
		if r.collab.Messages == nil {
			return fail("no message poster configured")
		}
		// Delegation succeeds once the collaborator returns.
		if err := r.collab.Messages.PostMessage(ctx, hctx.WorkflowID, action.Message); err != nil {
			return fail("post message failed: %v", err)
		}
		result.Success = true

	case KindEmitEvent:
		if r.collab.Events == nil {
			return fail("no event emitter configured")
		}
		err := r.collab.Events.Emit(ctx, events.Event{
			Type:       action.Event,
			WorkflowID: hctx.WorkflowID,
			StageIndex: hctx.StageIndex,
			ChainID:    hctx.ChainID,
			TaskID:     hctx.TaskID,
			Payload:    action.Payload,
		})
		if err != nil {
			return fail("emit event failed: %v", err)
		}
		result.Success = true

	case KindSpawnAgent:
		if r.collab.Spawner == nil {
			return fail("no agent spawner configured")
		}
		if err := r.collab.Spawner.Spawn(ctx, hctx, action.Role, action.Prompt); err != nil {
			return fail("spawn agent failed: %v", err)
		}
		result.Success = true

	case KindValidation:
		if r.collab.Checks == nil {
			return fail("no validator configured")
		}
		valid, detail, err := r.collab.Checks.Validate(ctx, action.Check, hctx)
		if err != nil {
			return fail("validation %s errored: %v", action.Check, err)
		}
		result.Output = detail
		if !valid {
			return fail("validation %s failed: %s", action.Check, detail)
		}
		result.Success = true

	case KindCustom:
		handler, ok := r.collab.Custom[action.Handler]
		if !ok {
			return fail("no custom handler registered for %q", action.Handler)
		}
		if err := handler(ctx, action, hctx); err != nil {
			return fail("custom handler %s failed: %v", action.Handler, err)
		}
		result.Success = true

	default:
		return fail("unknown action kind %q", action.Kind)
	}

	return result
}
