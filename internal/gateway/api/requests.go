package api

import "time"

// CreateTaskRequest submits one user message for execution
type CreateTaskRequest struct {
	SessionID string `json:"session_id"`
	WorkDir   string `json:"work_dir"`
	Message   string `json:"message" binding:"required"`
}

// CommitRequest asks for all pending changes to be committed
type CommitRequest struct {
	Message string `json:"message" binding:"required"`
}

// CommitResponse carries the resulting commit hash
type CommitResponse struct {
	Commit string `json:"commit"`
}

// PushRequest pushes the session branch to a remote
type PushRequest struct {
	Remote string `json:"remote"`
}

// SessionResponse is the API view of one session
type SessionResponse struct {
	ID        string    `json:"id"`
	WorkDir   string    `json:"work_dir"`
	CreatedAt time.Time `json:"created_at"`
	TurnCount int       `json:"turn_count"`
	Busy      bool      `json:"busy"`
}

// SessionsListResponse lists all known sessions
type SessionsListResponse struct {
	Sessions []*SessionResponse `json:"sessions"`
	Total    int                `json:"total"`
}

// TurnResponse is one transcript entry
type TurnResponse struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryResponse is the session transcript
type HistoryResponse struct {
	SessionID string          `json:"session_id"`
	Turns     []*TurnResponse `json:"turns"`
	Total     int             `json:"total"`
}

// HealthResponse reports service liveness and pool occupancy
type HealthResponse struct {
	Status string     `json:"status"`
	Pool   PoolHealth `json:"pool"`
}

// PoolHealth is the admission controller's occupancy snapshot
type PoolHealth struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
	Waiting  int `json:"waiting"`
}
