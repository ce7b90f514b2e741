// Package workflow owns the change-request workflow aggregate: creation
// from a template, gate evaluation, stage advancement with transition
// hooks, and the audit trail.
package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/crewd/internal/template"
)

// Workflow statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusDiscarded = "discarded"
)

// Stage statuses.
const (
	StagePending      = "pending"
	StageActive       = "active"
	StageAwaitingGate = "awaiting_gate"
	StageCompleted    = "completed"
	StageSkipped      = "skipped"
)

var validStatuses = map[string]bool{
	StatusActive:    true,
	StatusPaused:    true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
	StatusDiscarded: true,
}

// Sentinel errors.
var (
	ErrNotFound         = errors.New("workflow not found")
	ErrWorkflowFinished = errors.New("workflow is finished")
	ErrGateNotSatisfied = errors.New("gate not satisfied")
	ErrStageNotCurrent  = errors.New("stage is not the current stage")
)

// FeedbackBlockedError reports unresolved blocking feedback preventing an
// advance.
type FeedbackBlockedError struct {
	WorkflowID  string
	FeedbackIDs []string
}

func (e *FeedbackBlockedError) Error() string {
	return fmt.Sprintf("workflow %s has unresolved blocking feedback: %s",
		e.WorkflowID, strings.Join(e.FeedbackIDs, ", "))
}

// CommitMeta records the commit that satisfies a post_commit gate.
type CommitMeta struct {
	SHA      string    `json:"sha"`
	Message  string    `json:"message,omitempty"`
	Author   string    `json:"author,omitempty"`
	Attached time.Time `json:"attached"`
}

// Gate is the runtime state of one stage gate. Once Satisfied flips true
// it never flips back for that stage instance.
type Gate struct {
	Type        string      `json:"type"`
	Prompt      string      `json:"prompt,omitempty"`
	ChainID     string      `json:"chainId,omitempty"`
	Commands    []string    `json:"commands,omitempty"`
	Commit      *CommitMeta `json:"commit,omitempty"`
	Satisfied   bool        `json:"satisfied"`
	SatisfiedBy string      `json:"satisfiedBy,omitempty"`
	SatisfiedAt *time.Time  `json:"satisfiedAt,omitempty"`
}

// Stage is one instantiated stage of a workflow.
type Stage struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Status    string            `json:"status"`
	ChainID   string            `json:"chainId,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Gate      Gate              `json:"gate"`
	Hooks     *template.HookSet `json:"hooks,omitempty"`
}

// Message is one append-only audit-trail entry.
type Message struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Feedback is a reviewer note attached to a workflow. Blocking feedback
// prevents advancement until resolved.
type Feedback struct {
	ID         string     `json:"id"`
	Author     string     `json:"author,omitempty"`
	Content    string     `json:"content"`
	Blocking   bool       `json:"blocking"`
	Resolved   bool       `json:"resolved"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Workflow is the change-request aggregate. Mutated only by the Engine.
type Workflow struct {
	ID           string     `json:"id"`
	RequestID    string     `json:"requestId"`
	Template     string     `json:"template"`
	CurrentStage int        `json:"currentStage"`
	Status       string     `json:"status"`
	Stages       []Stage    `json:"stages"`
	Messages     []Message  `json:"messages"`
	Feedback     []Feedback `json:"feedback,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Finished reports whether the workflow can no longer advance.
func (w *Workflow) Finished() bool {
	switch w.Status {
	case StatusCompleted, StatusCancelled, StatusDiscarded:
		return true
	}
	return false
}

// UnresolvedBlockingFeedback returns the ids of blocking feedback items
// that have not been resolved.
func (w *Workflow) UnresolvedBlockingFeedback() []string {
	var ids []string
	for _, fb := range w.Feedback {
		if fb.Blocking && !fb.Resolved {
			ids = append(ids, fb.ID)
		}
	}
	return ids
}

// Current returns the stage at the currentStage index, or nil when the
// workflow has advanced past its last stage.
func (w *Workflow) Current() *Stage {
	if w.CurrentStage < 0 || w.CurrentStage >= len(w.Stages) {
		return nil
	}
	return &w.Stages[w.CurrentStage]
}

// clone deep-copies the aggregate so failed mutations can be discarded.
func (w *Workflow) clone() *Workflow {
	out := *w
	out.Stages = make([]Stage, len(w.Stages))
	for i, stage := range w.Stages {
		cloned := stage
		cloned.Gate.Commands = append([]string(nil), stage.Gate.Commands...)
		if stage.Gate.Commit != nil {
			commit := *stage.Gate.Commit
			cloned.Gate.Commit = &commit
		}
		if stage.Gate.SatisfiedAt != nil {
			at := *stage.Gate.SatisfiedAt
			cloned.Gate.SatisfiedAt = &at
		}
		out.Stages[i] = cloned
	}
	out.Messages = append([]Message(nil), w.Messages...)
	out.Feedback = append([]Feedback(nil), w.Feedback...)
	return &out
}
