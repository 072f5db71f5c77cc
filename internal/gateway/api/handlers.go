// Package api provides the HTTP gateway for task submission, session
// inspection, and git operations.
package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/common/errors"
	"github.com/forgeflow/forgeflow/internal/common/logger"
	"github.com/forgeflow/forgeflow/internal/gitsync"
	"github.com/forgeflow/forgeflow/internal/orchestrator"
	"github.com/forgeflow/forgeflow/internal/session"
	"github.com/forgeflow/forgeflow/internal/stream"
)

// TaskService is the orchestrator surface the gateway depends on
type TaskService interface {
	SubmitMessage(ctx context.Context, req orchestrator.SubmitRequest, sink stream.Sink) error
	GitStatus(ctx context.Context, sessionID string) (*gitsync.Status, error)
	Commit(ctx context.Context, sessionID, message string) (string, error)
	Push(ctx context.Context, sessionID, remote string) error
	Sessions() []*session.Session
	Session(sessionID string) (*session.Session, error)
	History(sessionID string) ([]*session.Turn, error)
	RemoveSession(ctx context.Context, sessionID string) error
	PoolStats() (capacity, inUse, waiting int)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler contains HTTP handlers for the gateway API
type Handler struct {
	service TaskService
	hub     *stream.Hub
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(svc TaskService, hub *stream.Hub, log *logger.Logger) *Handler {
	return &Handler{
		service: svc,
		hub:     hub,
		logger:  log,
	}
}

// CreateTask submits a message and streams the agent's output back as
// server-sent events
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest(err.Error()))
		return
	}

	// Headers go out with the first event, not before: a submission that
	// is rejected up front must still render as a JSON error response
	enc := stream.NewEncoder(c.Writer)
	var headersOnce sync.Once
	sink := stream.SinkFunc(func(ev stream.Event) error {
		headersOnce.Do(func() {
			c.Writer.Header().Set("Content-Type", "text/event-stream")
			c.Writer.Header().Set("Cache-Control", "no-cache")
			c.Writer.Header().Set("Connection", "keep-alive")
			c.Writer.Header().Set("X-Accel-Buffering", "no")
		})
		return enc.Emit(ev)
	})
	err := h.service.SubmitMessage(c.Request.Context(), orchestrator.SubmitRequest{
		SessionID: req.SessionID,
		WorkDir:   req.WorkDir,
		Message:   req.Message,
	}, sink)
	if err != nil {
		// Before any event is written the failure can still become a
		// proper status code; after that the stream already carries
		// its terminal error event
		if !enc.Closed() {
			writeError(c, err)
		}
		return
	}
}

// GitStatus returns the freshly computed work tree state
// GET /api/v1/sessions/:sessionId/git/status
func (h *Handler) GitStatus(c *gin.Context) {
	sessionID := c.Param("sessionId")

	st, err := h.service.GitStatus(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, st)
}

// CommitChanges stages and commits all pending changes
// POST /api/v1/sessions/:sessionId/git/commit
func (h *Handler) CommitChanges(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest(err.Error()))
		return
	}

	hash, err := h.service.Commit(c.Request.Context(), sessionID, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, CommitResponse{Commit: hash})
}

// PushChanges pushes the session branch to its remote
// POST /api/v1/sessions/:sessionId/git/push
func (h *Handler) PushChanges(c *gin.Context) {
	sessionID := c.Param("sessionId")

	// The body is optional; an absent remote defaults to origin
	var req PushRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, errors.BadRequest(err.Error()))
			return
		}
	}

	if err := h.service.Push(c.Request.Context(), sessionID, req.Remote); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// ListSessions returns all known sessions
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.service.Sessions()

	resp := SessionsListResponse{
		Sessions: make([]*SessionResponse, len(sessions)),
		Total:    len(sessions),
	}
	for i, s := range sessions {
		resp.Sessions[i] = sessionToResponse(s)
	}

	c.JSON(http.StatusOK, resp)
}

// GetSession retrieves one session by ID
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	sess, err := h.service.Session(sessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionToResponse(sess))
}

// GetHistory returns the session transcript
// GET /api/v1/sessions/:sessionId/history
func (h *Handler) GetHistory(c *gin.Context) {
	sessionID := c.Param("sessionId")

	turns, err := h.service.History(sessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := HistoryResponse{
		SessionID: sessionID,
		Turns:     make([]*TurnResponse, len(turns)),
		Total:     len(turns),
	}
	for i, t := range turns {
		resp.Turns[i] = &TurnResponse{
			Role:      t.Role,
			Content:   t.Content,
			CreatedAt: t.CreatedAt,
		}
	}

	c.JSON(http.StatusOK, resp)
}

// DeleteSession removes a session
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	if err := h.service.RemoveSession(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// StreamEvents upgrades the connection and registers it with the hub;
// the client then subscribes to sessions it wants to observe
// GET /ws
func (h *Handler) StreamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.hub.Register(conn)
}

// HealthCheck reports liveness and pool occupancy
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	capacity, inUse, waiting := h.service.PoolStats()
	c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Pool: PoolHealth{
			Capacity: capacity,
			InUse:    inUse,
			Waiting:  waiting,
		},
	})
}

func sessionToResponse(s *session.Session) *SessionResponse {
	return &SessionResponse{
		ID:        s.ID,
		WorkDir:   s.WorkDir,
		CreatedAt: s.CreatedAt,
		TurnCount: s.TurnCount,
		Busy:      s.Busy,
	}
}

// writeError renders an AppError with its HTTP status, or 500 for
// anything else
func writeError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{
			"error": gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
			},
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"code":    errors.ErrCodeInternalError,
			"message": "An internal server error occurred",
		},
	})
}
