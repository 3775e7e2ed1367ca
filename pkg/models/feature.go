// Package models defines the shared domain types for foreman.
package models

// Priority represents the scheduling priority of a feature.
type Priority string

const (
	// PriorityLow indicates work that can wait.
	PriorityLow Priority = "low"
	// PriorityMedium is the default priority.
	PriorityMedium Priority = "medium"
	// PriorityHigh indicates work that should be scheduled early.
	PriorityHigh Priority = "high"
	// PriorityCritical indicates work that must be scheduled first.
	PriorityCritical Priority = "critical"
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Weight returns the numeric rank of the priority, higher meaning more urgent.
// Unknown priorities rank below low.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Feature represents a declared unit of development work.
// Features are immutable once added to the analyzer.
type Feature struct {
	// ID is the unique identifier for this feature.
	ID string `json:"id" yaml:"id"`
	// AgentType names the kind of worker required (e.g., "backend", "reviewer").
	AgentType string `json:"agent_type" yaml:"agent_type"`
	// Priority is the scheduling priority. Defaults to medium when unset.
	Priority Priority `json:"priority" yaml:"priority"`
	// Dependencies lists feature IDs that must complete before this feature.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	// Description provides optional human-readable context.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Worker represents a remote worker process that can execute features.
type Worker struct {
	// ID is the unique identifier for this worker.
	ID string `json:"id" yaml:"id"`
	// Capabilities lists the agent types this worker accepts.
	// An empty set means the worker accepts any agent type.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	// URL is the address the worker's transport listens on.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
	// MaxMemoryMB is an optional resource hint.
	MaxMemoryMB int `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`
}

// Accepts returns true if the worker can execute features of the given agent type.
// Workers with an empty capability set accept anything.
func (w Worker) Accepts(agentType string) bool {
	if len(w.Capabilities) == 0 {
		return true
	}
	for _, c := range w.Capabilities {
		if c == agentType {
			return true
		}
	}
	return false
}
