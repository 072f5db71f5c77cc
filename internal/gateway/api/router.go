package api

import (
	"github.com/gin-gonic/gin"

	"github.com/forgeflow/forgeflow/internal/common/logger"
	"github.com/forgeflow/forgeflow/internal/stream"
)

// SetupRoutes configures the gateway API routes.
// router should be the /api/v1 group.
func SetupRoutes(router *gin.RouterGroup, svc TaskService, hub *stream.Hub, log *logger.Logger) {
	handler := NewHandler(svc, hub, log)

	// Task submission
	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.CreateTask)
	}

	// Session routes
	sessions := router.Group("/sessions")
	{
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.GET("/:sessionId/history", handler.GetHistory)
		sessions.DELETE("/:sessionId", handler.DeleteSession)

		// Git operations against the session's working directory
		sessions.GET("/:sessionId/git/status", handler.GitStatus)
		sessions.POST("/:sessionId/git/commit", handler.CommitChanges)
		sessions.POST("/:sessionId/git/push", handler.PushChanges)
	}
}

// NewRouter builds the full gin engine with middleware, API routes, the
// WebSocket endpoint, and the health check.
func NewRouter(svc TaskService, hub *stream.Hub, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(CORS())

	v1 := router.Group("/api/v1")
	SetupRoutes(v1, svc, hub, log)

	handler := NewHandler(svc, hub, log)
	router.GET("/ws", handler.StreamEvents)
	router.GET("/health", handler.HealthCheck)

	return router
}
