// Package events provides the observability side channel for foreman.
// Components publish structured events to a Bus; subscribers (the serve
// API's stream endpoint, the CLI progress printer) consume them. Events
// are never part of the correctness contract.
package events

import (
	"context"
	"time"
)

// Topics group events by owning component.
const (
	// TopicGraph carries dependency analyzer events.
	TopicGraph = "graph"
	// TopicPlanner carries execution planner events.
	TopicPlanner = "planner"
	// TopicQueue carries work queue events.
	TopicQueue = "queue"
	// TopicPool carries server pool and health events.
	TopicPool = "pool"
)

// Type identifies the kind of event.
type Type string

const (
	TypeFeatureAdded      Type = "feature_added"
	TypeValidationSuccess Type = "validation_success"
	TypeValidationFailure Type = "validation_failure"
	TypeCyclesDetected    Type = "cycles_detected"
	TypePlanCreated       Type = "plan_created"
	TypePlanOptimized     Type = "plan_optimized"
	TypeTaskQueued        Type = "task_queued"
	TypeTaskCompleted     Type = "task_completed"
	TypeTaskRetry         Type = "task_retry"
	TypeTaskFailed        Type = "task_failed"
	TypeServerAdded       Type = "server_added"
	TypeServerRemoved     Type = "server_removed"
	TypeServerDegraded    Type = "server_degraded"
	TypeServerOffline     Type = "server_offline"
	TypeServerRecovered   Type = "server_recovered"
	TypeStatusChange      Type = "status_change"
)

// Event is a single observability record.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`
	// Type is the kind of event.
	Type Type `json:"type"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// Data carries event-specific fields.
	Data map[string]any `json:"data,omitempty"`
}

// Handler processes one event. Handler errors are logged by the bus, never
// propagated to the publisher.
type Handler func(ctx context.Context, event Event) error

// Bus is a topic-based publish/subscribe channel.
type Bus interface {
	// Publish delivers an event to all subscribers of the topic.
	Publish(ctx context.Context, topic string, event Event) error
	// Subscribe registers a handler for a topic until ctx is cancelled.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	// Close releases bus resources.
	Close() error
}
