package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wavework/foreman/pkg/models"
)

// SessionStatus represents the status of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCanceled  SessionStatus = "canceled"
)

// Session represents one planning/execution run.
type Session struct {
	ID            string        `json:"id"`
	ManifestPath  string        `json:"manifest_path"`
	Strategy      string        `json:"strategy"`
	TotalFeatures int           `json:"total_features"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at"`
	Status        SessionStatus `json:"status"`
}

// TaskOutcome records the terminal state of one dispatched task.
type TaskOutcome struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	FeatureID   string     `json:"feature_id"`
	ServerID    string     `json:"server_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Session CRUD operations

// CreateSession creates a new session.
func (db *DB) CreateSession(s *Session) error {
	_, err := db.Exec(`
		INSERT INTO sessions (id, manifest_path, strategy, total_features, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.ManifestPath, s.Strategy, s.TotalFeatures, formatTime(s.StartedAt), string(s.Status))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID. Returns nil when not found.
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.QueryRow(`
		SELECT id, manifest_path, strategy, total_features, started_at, completed_at, status
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// GetActiveSession returns the most recently started active session, or
// nil when none is active.
func (db *DB) GetActiveSession() (*Session, error) {
	row := db.QueryRow(`
		SELECT id, manifest_path, strategy, total_features, started_at, completed_at, status
		FROM sessions WHERE status = ? ORDER BY started_at DESC LIMIT 1
	`, string(SessionActive))
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var startedAt string
	var completedAt sql.NullString
	err := row.Scan(&s.ID, &s.ManifestPath, &s.Strategy, &s.TotalFeatures, &startedAt, &completedAt, &s.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	s.StartedAt, _ = parseTime(startedAt)
	s.CompletedAt = parseNullableTime(completedAt)
	return &s, nil
}

// UpdateSession updates a session.
func (db *DB) UpdateSession(s *Session) error {
	var completedAt any
	if s.CompletedAt != nil {
		completedAt = formatTime(*s.CompletedAt)
	}
	_, err := db.Exec(`
		UPDATE sessions SET manifest_path = ?, strategy = ?, total_features = ?, completed_at = ?, status = ?
		WHERE id = ?
	`, s.ManifestPath, s.Strategy, s.TotalFeatures, completedAt, string(s.Status), s.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// DeleteSession deletes a session by ID.
func (db *DB) DeleteSession(id string) error {
	_, err := db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessions lists all sessions, optionally filtered by status.
func (db *DB) ListSessions(status *SessionStatus) ([]Session, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.Query(`
			SELECT id, manifest_path, strategy, total_features, started_at, completed_at, status
			FROM sessions WHERE status = ? ORDER BY started_at DESC
		`, string(*status))
	} else {
		rows, err = db.Query(`
			SELECT id, manifest_path, strategy, total_features, started_at, completed_at, status
			FROM sessions ORDER BY started_at DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.ManifestPath, &s.Strategy, &s.TotalFeatures, &startedAt, &completedAt, &s.Status); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.StartedAt, _ = parseTime(startedAt)
		s.CompletedAt = parseNullableTime(completedAt)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Plan operations

// SavePlan stores a session's execution plan as JSON.
func (db *DB) SavePlan(sessionID string, plan *models.ExecutionPlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = db.Exec(`
		INSERT OR REPLACE INTO plans (session_id, plan_json, total_batches, total_features, total_estimated_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, string(data), len(plan.Batches), plan.TotalFeatures, int64(plan.TotalEstimatedTime), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a session's execution plan. Returns nil when no plan
// was saved.
func (db *DB) GetPlan(sessionID string) (*models.ExecutionPlan, error) {
	row := db.QueryRow("SELECT plan_json FROM plans WHERE session_id = ?", sessionID)

	var data string
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}

	var plan models.ExecutionPlan
	if err := json.Unmarshal([]byte(data), &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &plan, nil
}

// Task outcome operations

// RecordTaskOutcome upserts the outcome of one task.
func (db *DB) RecordTaskOutcome(o *TaskOutcome) error {
	var completedAt any
	if o.CompletedAt != nil {
		completedAt = formatTime(*o.CompletedAt)
	}
	_, err := db.Exec(`
		INSERT OR REPLACE INTO task_outcomes (id, session_id, feature_id, server_id, type, status, retry_count, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.SessionID, o.FeatureID, o.ServerID, o.Type, o.Status, o.RetryCount, o.Error, formatTime(o.CreatedAt), completedAt)
	if err != nil {
		return fmt.Errorf("record task outcome: %w", err)
	}
	return nil
}

// ListTaskOutcomes lists the outcomes recorded for a session, oldest first.
func (db *DB) ListTaskOutcomes(sessionID string) ([]TaskOutcome, error) {
	rows, err := db.Query(`
		SELECT id, session_id, feature_id, server_id, type, status, retry_count, error, created_at, completed_at
		FROM task_outcomes WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list task outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []TaskOutcome
	for rows.Next() {
		var o TaskOutcome
		var createdAt string
		var completedAt sql.NullString
		var featureID, serverID, errMsg sql.NullString
		if err := rows.Scan(&o.ID, &o.SessionID, &featureID, &serverID, &o.Type, &o.Status, &o.RetryCount, &errMsg, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan task outcome: %w", err)
		}
		o.FeatureID = featureID.String
		o.ServerID = serverID.String
		o.Error = errMsg.String
		o.CreatedAt, _ = parseTime(createdAt)
		o.CompletedAt = parseNullableTime(completedAt)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
