package models

import "time"

// TaskType distinguishes the two kinds of dispatchable work.
type TaskType string

const (
	// TaskTypeToolCall invokes a named tool on a worker.
	TaskTypeToolCall TaskType = "tool_call"
	// TaskTypeResourceRead reads a named resource from a worker.
	TaskTypeResourceRead TaskType = "resource_read"
)

// Valid returns true if the task type is a known value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeToolCall, TaskTypeResourceRead:
		return true
	default:
		return false
	}
}

// TaskStatus represents the current state of a queued task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting in the queue.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates the task has been dispatched.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusRetrying indicates the task failed and will be re-queued.
	TaskStatusRetrying TaskStatus = "retrying"
	// TaskStatusFailed indicates the task failed terminally.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusRetrying, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskPayload carries the parameters of a dispatchable task.
type TaskPayload struct {
	// Name is the tool or resource name on the worker.
	Name string `json:"name"`
	// FeatureID links the task back to the planned feature, if any.
	FeatureID string `json:"feature_id,omitempty"`
	// Arguments are the structured parameters passed to the worker.
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Task represents a unit of dispatchable work owned by the work queue.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Type selects the dispatch path (tool call vs resource read).
	Type TaskType `json:"type"`
	// Payload is the dispatch parameters.
	Payload TaskPayload `json:"payload"`
	// Priority orders the task in the queue; higher runs first.
	Priority int `json:"priority"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// RetryCount is the number of failed attempts so far.
	RetryCount int `json:"retry_count"`
	// CreatedAt is when the task was enqueued.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Error holds the failure message if the task failed.
	Error string `json:"error,omitempty"`
}
