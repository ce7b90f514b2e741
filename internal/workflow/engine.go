package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/hooks"
	"github.com/fyrsmithlabs/crewd/internal/logging"
	"github.com/fyrsmithlabs/crewd/internal/template"
)

const instrumentationName = "github.com/fyrsmithlabs/crewd/internal/workflow"

// systemAuthor marks audit messages written by the engine itself.
const systemAuthor = "system"

// Engine owns all workflow mutations. Every operation loads the record,
// mutates a copy under the per-id lock, and persists atomically, so a
// failed operation leaves the stored workflow untouched apart from the
// audit messages it explicitly appends.
type Engine struct {
	store     *Store
	templates *template.Store
	hooks     *hooks.Runner
	chains    ChainStatusLookup
	commands  hooks.CommandRunner

	advancesTotal metric.Int64Counter
	gateHolds     metric.Int64Counter
}

// NewEngine creates a workflow engine. The chain lookup and command
// runner may be nil when no template uses chain_complete or
// verification_pass gates.
func NewEngine(store *Store, templates *template.Store, runner *hooks.Runner, chains ChainStatusLookup, commands hooks.CommandRunner) (*Engine, error) {
	if store == nil {
		return nil, errors.New("workflow store is required")
	}
	if templates == nil {
		return nil, errors.New("template store is required")
	}
	if runner == nil {
		return nil, errors.New("hook runner is required")
	}

	meter := otel.Meter(instrumentationName)
	advancesTotal, _ := meter.Int64Counter("crewd_workflow_advances_total",
		metric.WithDescription("Successful stage advancements"))
	gateHolds, _ := meter.Int64Counter("crewd_workflow_gate_holds_total",
		metric.WithDescription("Advance attempts held back by an unsatisfied gate"))

	return &Engine{
		store:         store,
		templates:     templates,
		hooks:         runner,
		chains:        chains,
		commands:      commands,
		advancesTotal: advancesTotal,
		gateHolds:     gateHolds,
	}, nil
}

// Create instantiates a workflow from a template. Stage 0 starts active;
// every stage with an auto gate is satisfied immediately.
func (e *Engine) Create(ctx context.Context, requestID, templateName string) (*Workflow, error) {
	if requestID == "" {
		return nil, errors.New("request id is required")
	}

	tpl, err := e.templates.Get(templateName)
	if err != nil {
		return nil, err
	}

	id, err := e.store.NextID(time.Now())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	wf := &Workflow{
		ID:           id,
		RequestID:    requestID,
		Template:     tpl.Name,
		CurrentStage: 0,
		Status:       StatusActive,
		Stages:       make([]Stage, len(tpl.Stages)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	for i, stageTpl := range tpl.Stages {
		stage := Stage{
			Name:   stageTpl.Name,
			Type:   stageTpl.Type,
			Status: StagePending,
			Gate: Gate{
				Type:     stageTpl.Gate.Type,
				Prompt:   stageTpl.Gate.Prompt,
				ChainID:  stageTpl.Gate.ChainID,
				Commands: append([]string(nil), stageTpl.Gate.Commands...),
			},
			Hooks: stageTpl.Hooks,
		}
		if stage.Gate.Type == template.GateAuto {
			satisfy(&stage.Gate, "auto")
		}
		wf.Stages[i] = stage
	}
	wf.Stages[0].Status = StageActive

	if err := e.store.Save(wf); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info(ctx, "workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("template", tpl.Name),
		zap.Int("stages", len(wf.Stages)))

	return wf, nil
}

// Get loads one workflow.
func (e *Engine) Get(ctx context.Context, id string) (*Workflow, error) {
	return e.store.Get(id)
}

// List returns the index entries for every workflow.
func (e *Engine) List(ctx context.Context) ([]IndexEntry, error) {
	return e.store.List()
}

// Advance moves the workflow past its current stage once the stage's
// gate is satisfied and its exit hooks succeed.
func (e *Engine) Advance(ctx context.Context, id string) (*Workflow, error) {
	lock := e.store.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	wf, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if wf.Finished() {
		return nil, fmt.Errorf("workflow %s has status %s: %w", wf.ID, wf.Status, ErrWorkflowFinished)
	}
	if blockers := wf.UnresolvedBlockingFeedback(); len(blockers) > 0 {
		return nil, &FeedbackBlockedError{WorkflowID: wf.ID, FeedbackIDs: blockers}
	}

	work := wf.clone()
	stage := work.Current()
	if stage == nil {
		return nil, fmt.Errorf("workflow %s has no current stage", wf.ID)
	}

	reason, err := e.evaluateGate(ctx, work, stage)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		e.gateHolds.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", stage.Gate.Type)))
		return nil, fmt.Errorf("workflow %s: %s: %w", wf.ID, reason, ErrGateNotSatisfied)
	}

	// Hook collaborators (message posters, spawned agents) may call back
	// into AddMessage for the same workflow while this goroutine holds
	// the per-id lock. The sink routes those writes onto the in-flight
	// aggregate so they persist with the advance instead of re-locking.
	hookCtx := withAuditSink(ctx, work)

	hctx := hooks.Context{
		WorkflowID: work.ID,
		StageIndex: work.CurrentStage,
		ChainID:    stage.ChainID,
	}
	if stage.Hooks != nil {
		results, err := e.hooks.Run(hookCtx, "onExit", stage.Hooks.OnExit, hctx)
		if err != nil {
			// The advance aborts, but the hook audit trail persists on
			// the unmodified workflow so the cause stays inspectable.
			e.appendHookAudit(wf, stage.Name, "onExit", results)
			if saveErr := e.persist(wf); saveErr != nil {
				return nil, errors.Join(err, saveErr)
			}
			return nil, err
		}
	}

	if stage.Gate.Type == template.GatePostCommit && stage.Gate.Commit != nil {
		appendMessage(work, systemAuthor,
			fmt.Sprintf("Audit chain created for commit %s.", stage.Gate.Commit.SHA))
	}

	stage.Status = StageCompleted
	work.CurrentStage++

	if work.CurrentStage >= len(work.Stages) {
		work.Status = StatusCompleted
		if err := e.persist(work); err != nil {
			return nil, err
		}
		e.advancesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))
		logging.FromContext(ctx).Info(ctx, "workflow completed", zap.String("workflow_id", work.ID))
		return work, nil
	}

	next := work.Current()
	next.Status = StageActive
	if next.Gate.Type == template.GateAuto && !next.Gate.Satisfied {
		satisfy(&next.Gate, "auto")
	}

	if next.Hooks != nil {
		entryCtx := hooks.Context{
			WorkflowID: work.ID,
			StageIndex: work.CurrentStage,
			ChainID:    next.ChainID,
		}
		results, err := e.hooks.Run(hookCtx, "onEnter", next.Hooks.OnEnter, entryCtx)
		if err != nil {
			// The stage transition itself stands; entry-hook side
			// effects are not rolled back.
			e.appendHookAudit(work, next.Name, "onEnter", results)
			if saveErr := e.persist(work); saveErr != nil {
				return nil, errors.Join(err, saveErr)
			}
			return nil, err
		}
	}

	if next.Gate.Type == template.GateHumanApproval {
		prompt := next.Gate.Prompt
		if prompt == "" {
			prompt = fmt.Sprintf("Stage %q requires human approval to advance.", next.Name)
		}
		appendMessage(work, systemAuthor, prompt)
	}

	if err := e.persist(work); err != nil {
		return nil, err
	}
	e.advancesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "advanced")))

	logging.FromContext(ctx).Info(ctx, "workflow advanced",
		zap.String("workflow_id", work.ID),
		zap.Int("current_stage", work.CurrentStage),
		zap.String("stage", next.Name))

	return work, nil
}

// SatisfyGate marks the current stage's gate satisfied and demotes the
// stage from active to awaiting_gate. Only the current stage accepts
// satisfaction.
func (e *Engine) SatisfyGate(ctx context.Context, id string, stageIndex int, satisfiedBy string) (*Workflow, error) {
	lock := e.store.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	wf, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if wf.Finished() {
		return nil, fmt.Errorf("workflow %s has status %s: %w", wf.ID, wf.Status, ErrWorkflowFinished)
	}
	if stageIndex != wf.CurrentStage {
		return nil, fmt.Errorf("workflow %s stage %d: %w", wf.ID, stageIndex, ErrStageNotCurrent)
	}

	work := wf.clone()
	stage := work.Current()
	if !stage.Gate.Satisfied {
		satisfy(&stage.Gate, satisfiedBy)
	}
	if stage.Status == StageActive {
		stage.Status = StageAwaitingGate
	}

	if err := e.persist(work); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info(ctx, "gate satisfied",
		zap.String("workflow_id", work.ID),
		zap.Int("stage_index", stageIndex),
		zap.String("satisfied_by", satisfiedBy))

	return work, nil
}

// AttachCommit binds commit metadata to the current stage's post_commit
// gate, satisfying it.
func (e *Engine) AttachCommit(ctx context.Context, id string, stageIndex int, commit CommitMeta) (*Workflow, error) {
	lock := e.store.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	wf, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if stageIndex != wf.CurrentStage {
		return nil, fmt.Errorf("workflow %s stage %d: %w", wf.ID, stageIndex, ErrStageNotCurrent)
	}

	work := wf.clone()
	stage := work.Current()
	if stage.Gate.Type != template.GatePostCommit {
		return nil, fmt.Errorf("workflow %s stage %q does not have a post_commit gate", wf.ID, stage.Name)
	}

	if commit.Attached.IsZero() {
		commit.Attached = time.Now().UTC()
	}
	stage.Gate.Commit = &commit
	if !stage.Gate.Satisfied {
		satisfy(&stage.Gate, "commit:"+commit.SHA)
	}
	if stage.Status == StageActive {
		stage.Status = StageAwaitingGate
	}

	if err := e.persist(work); err != nil {
		return nil, err
	}
	return work, nil
}

// BindChain binds an implementation chain to a stage so chain_complete
// gates and governance lock checks can reference it.
func (e *Engine) BindChain(ctx context.Context, id string, stageIndex int, chainID string) (*Workflow, error) {
	lock := e.store.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	wf, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if stageIndex < 0 || stageIndex >= len(wf.Stages) {
		return nil, fmt.Errorf("workflow %s has no stage %d", wf.ID, stageIndex)
	}

	work := wf.clone()
	work.Stages[stageIndex].ChainID = chainID

	if err := e.persist(work); err != nil {
		return nil, err
	}
	return work, nil
}

// AddMessage appends one audit-trail message.
func (e *Engine) AddMessage(ctx context.Context, id, author, content string) (*Workflow, error) {
	if content == "" {
		return nil, errors.New("message content is required")
	}

	// An advance in progress on this goroutine already holds the per-id
	// lock; its hook collaborators write to the in-flight aggregate.
	if work := auditSinkFor(ctx, id); work != nil {
		appendMessage(work, author, content)
		return work, nil
	}

	lock := e.store.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	wf, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}

	work := wf.clone()
	appendMessage(work, author, content)

	if err := e.persist(work); err != nil {
		return nil, err
	}
	return work, nil
}

// AddFeedback attaches reviewer feedback. Blocking feedback prevents
// advancement until resolved.
func (e *Engine) AddFeedback(ctx context.Context, id, author, content string, blocking bool) (*Workflow, error) {
	if content == "" {
		return nil, errors.New("feedback content is required")
	}

	lock := e.store.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	wf, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}

	work := wf.clone()
	work.Feedback = append(work.Feedback, Feedback{
		ID:        uuid.NewString(),
		Author:    author,
		Content:   content,
		Blocking:  blocking,
		CreatedAt: time.Now().UTC(),
	})

	if err := e.persist(work); err != nil {
		return nil, err
	}
	return work, nil
}

// ResolveFeedback marks one feedback item resolved.
func (e *Engine) ResolveFeedback(ctx context.Context, id, feedbackID string) (*Workflow, error) {
	lock := e.store.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	wf, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}

	work := wf.clone()
	found := false
	for i := range work.Feedback {
		if work.Feedback[i].ID == feedbackID {
			now := time.Now().UTC()
			work.Feedback[i].Resolved = true
			work.Feedback[i].ResolvedAt = &now
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("workflow %s has no feedback %s", wf.ID, feedbackID)
	}

	if err := e.persist(work); err != nil {
		return nil, err
	}
	return work, nil
}

// UpdateStatus transitions the workflow status, recording the change in
// the audit trail.
func (e *Engine) UpdateStatus(ctx context.Context, id, status string) (*Workflow, error) {
	if !validStatuses[status] {
		return nil, fmt.Errorf("invalid workflow status %q", status)
	}

	lock := e.store.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	wf, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}

	work := wf.clone()
	work.Status = status
	appendMessage(work, systemAuthor, fmt.Sprintf("Status changed to %s.", status))

	if err := e.persist(work); err != nil {
		return nil, err
	}
	return work, nil
}

// Discard marks the workflow discarded. A non-empty reason is required
// and is recorded in the audit trail.
func (e *Engine) Discard(ctx context.Context, id, reason string) (*Workflow, error) {
	if reason == "" {
		return nil, errors.New("discard reason is required")
	}

	lock := e.store.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	wf, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}

	work := wf.clone()
	work.Status = StatusDiscarded
	appendMessage(work, systemAuthor, "Discarded: "+reason)

	if err := e.persist(work); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info(ctx, "workflow discarded",
		zap.String("workflow_id", work.ID),
		zap.String("reason", reason))

	return work, nil
}

func (e *Engine) persist(wf *Workflow) error {
	wf.UpdatedAt = time.Now().UTC()
	return e.store.Save(wf)
}

// appendHookAudit records each hook action result as an audit message.
func (e *Engine) appendHookAudit(wf *Workflow, stageName, hookName string, results []hooks.Result) {
	for _, result := range results {
		if result.Success {
			continue
		}
		appendMessage(wf, systemAuthor,
			fmt.Sprintf("Hook %s on stage %q: %s action failed: %s", hookName, stageName, result.Kind, result.Error))
	}
}

// auditSinkKey carries the aggregate an advance is mutating so audit
// writes issued from inside its hook transaction land on it.
type auditSinkKey struct{}

func withAuditSink(ctx context.Context, wf *Workflow) context.Context {
	return context.WithValue(ctx, auditSinkKey{}, wf)
}

// auditSinkFor returns the in-flight aggregate when ctx carries one for
// this workflow id, nil otherwise.
func auditSinkFor(ctx context.Context, id string) *Workflow {
	if wf, ok := ctx.Value(auditSinkKey{}).(*Workflow); ok && wf.ID == id {
		return wf
	}
	return nil
}

func appendMessage(wf *Workflow, author, content string) {
	wf.Messages = append(wf.Messages, Message{
		ID:        uuid.NewString(),
		Author:    author,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
}
