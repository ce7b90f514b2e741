// Package events delivers workflow lifecycle events to interested
// consumers, either in-process or over NATS.
package events

import (
	"context"
	"time"
)

// Event is one workflow lifecycle notification.
type Event struct {
	// Type names the lifecycle moment, e.g. "stage.entered",
	// "stage.exited", "workflow.completed", "hook.emit_event".
	Type string `json:"type"`

	WorkflowID string `json:"workflowId,omitempty"`
	StageIndex int    `json:"stageIndex,omitempty"`
	ChainID    string `json:"chainId,omitempty"`
	TaskID     string `json:"taskId,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Emitter publishes events. Implementations must be safe for
// concurrent use.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
	Close() error
}
