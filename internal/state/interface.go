// Package state provides SQLite-based persistence for foreman.
package state

import (
	"io"

	"github.com/wavework/foreman/pkg/models"
)

// SessionStore handles session-related persistence operations.
type SessionStore interface {
	CreateSession(s *Session) error
	GetSession(id string) (*Session, error)
	UpdateSession(s *Session) error
	GetActiveSession() (*Session, error)
	ListSessions(status *SessionStatus) ([]Session, error)
}

// PlanStore handles execution-plan persistence operations.
type PlanStore interface {
	SavePlan(sessionID string, plan *models.ExecutionPlan) error
	GetPlan(sessionID string) (*models.ExecutionPlan, error)
}

// OutcomeStore handles task-outcome persistence operations.
type OutcomeStore interface {
	RecordTaskOutcome(o *TaskOutcome) error
	ListTaskOutcomes(sessionID string) ([]TaskOutcome, error)
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the interface for state persistence. This allows the
// orchestrator to work with any backend without depending on the concrete
// SQLite implementation. It composes focused sub-interfaces for modularity.
type Store interface {
	io.Closer
	Migrator
	SessionStore
	PlanStore
	OutcomeStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store        = (*DB)(nil)
	_ Migrator     = (*DB)(nil)
	_ SessionStore = (*DB)(nil)
	_ PlanStore    = (*DB)(nil)
	_ OutcomeStore = (*DB)(nil)
)
