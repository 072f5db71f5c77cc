package session

import "context"

// Store persists session records and conversation turns. Only what is
// needed to reconstruct prompt context for the next turn is kept; stores
// may trim older turns.
type Store interface {
	// SaveSession records a session and its working directory binding
	SaveSession(ctx context.Context, id, workDir string) error

	// GetSessionWorkDir returns the working directory for a session,
	// or "" if the session is unknown
	GetSessionWorkDir(ctx context.Context, id string) (string, error)

	// SaveTurn appends a turn to a session's history
	SaveTurn(ctx context.Context, sessionID string, turn *Turn) error

	// ListTurns returns the most recent turns for a session in
	// chronological order, up to limit (0 means all retained turns)
	ListTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error)

	// DeleteSession removes a session and all of its turns
	DeleteSession(ctx context.Context, sessionID string) error

	// Close closes the store (for database connections)
	Close() error
}
