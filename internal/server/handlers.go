package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wavework/foreman/internal/manifest"
	"github.com/wavework/foreman/internal/orchestrator"
	"github.com/wavework/foreman/internal/pool"
	"github.com/wavework/foreman/internal/queue"
	"github.com/wavework/foreman/internal/state"
)

// ErrorResponse is the error body every endpoint returns on failure.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-readable code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorJSON(c *gin.Context, status int, code string, err error) {
	c.JSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: err.Error()}})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"queue":  s.orch.Queue().GetStats(),
		"pool":   s.orch.Pool().GetStats(),
	})
}

// readManifest parses the request body as a manifest document.
func readManifest(c *gin.Context) (*manifest.Manifest, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	return manifest.Parse(body)
}

func (s *Server) handleCreatePlan(c *gin.Context) {
	m, err := readManifest(c)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_MANIFEST", err)
		return
	}
	plan, err := s.orch.PlanManifest(m)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, orchestrator.ErrInvalidManifest) {
			status = http.StatusBadRequest
		}
		errorJSON(c, status, "PLANNING_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// SessionResponse is the body returned by a session run.
type SessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Duration  string `json:"duration"`
}

func (s *Server) handleRunSession(c *gin.Context) {
	m, err := readManifest(c)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_MANIFEST", err)
		return
	}
	result, err := s.orch.RunSession(c.Request.Context(), m, "")
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrSessionActive):
			errorJSON(c, http.StatusConflict, "SESSION_ACTIVE", err)
		case errors.Is(err, orchestrator.ErrInvalidManifest):
			errorJSON(c, http.StatusBadRequest, "INVALID_MANIFEST", err)
		default:
			s.logger.Error("session run failed", zap.Error(err))
			errorJSON(c, http.StatusUnprocessableEntity, "SESSION_FAILED", err)
		}
		return
	}

	status := "completed"
	if !result.Succeeded() {
		status = "failed"
	}
	c.JSON(http.StatusOK, SessionResponse{
		SessionID: result.SessionID,
		Status:    status,
		Completed: result.Completed,
		Failed:    result.Failed,
		Duration:  result.Duration.String(),
	})
}

// requireStore guards the session history endpoints.
func (s *Server) requireStore(c *gin.Context) bool {
	if s.store == nil {
		errorJSON(c, http.StatusNotImplemented, "NO_STORE",
			errors.New("session persistence is not configured"))
		return false
	}
	return true
}

func (s *Server) handleListSessions(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	var filter *state.SessionStatus
	if raw := c.Query("status"); raw != "" {
		status := state.SessionStatus(raw)
		filter = &status
	}
	sessions, err := s.store.ListSessions(filter)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "STORE_ERROR", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleGetSession(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	session, err := s.store.GetSession(c.Param("id"))
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "STORE_ERROR", err)
		return
	}
	if session == nil {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", errors.New("session not found"))
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleGetSessionPlan(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	plan, err := s.store.GetPlan(c.Param("id"))
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "STORE_ERROR", err)
		return
	}
	if plan == nil {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", errors.New("plan not found"))
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) handleGetSessionOutcomes(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	outcomes, err := s.store.ListTaskOutcomes(c.Param("id"))
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "STORE_ERROR", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

func (s *Server) handleQueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Queue().GetStats())
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.orch.Queue().GetTask(c.Param("id"))
	if err != nil {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	err := s.orch.Queue().CancelTask(c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	case errors.Is(err, queue.ErrTaskNotFound):
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", err)
	case errors.Is(err, queue.ErrTaskNotCancellable):
		errorJSON(c, http.StatusConflict, "NOT_CANCELLABLE", err)
	default:
		errorJSON(c, http.StatusInternalServerError, "CANCEL_FAILED", err)
	}
}

func (s *Server) handleListServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": s.orch.Pool().GetServers()})
}

func (s *Server) handlePoolStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Pool().GetStats())
}

func (s *Server) handleRemoveServer(c *gin.Context) {
	err := s.orch.Pool().RemoveServer(c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "removed"})
	case errors.Is(err, pool.ErrUnknownServer):
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", err)
	default:
		errorJSON(c, http.StatusInternalServerError, "REMOVE_FAILED", err)
	}
}
