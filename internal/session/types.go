// Package session tracks conversation sessions bound to working-directory
// checkouts and enforces at most one running task per session.
package session

import "time"

// Turn roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in a session's conversation history.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a snapshot of a session's externally visible state.
type Session struct {
	ID        string    `json:"id"`
	WorkDir   string    `json:"work_dir"`
	CreatedAt time.Time `json:"created_at"`
	TurnCount int       `json:"turn_count"`
	Busy      bool      `json:"busy"`
}

// Task is one execution attempt of the agent within a session. Once it
// reaches a terminal state it is never mutated again.
type Task struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}
