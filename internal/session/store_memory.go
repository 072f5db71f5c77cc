package session

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu         sync.RWMutex
	workDirs   map[string]string
	turns      map[string][]*Turn
	maxPerSess int
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store retaining at most
// maxPerSession turns per session (defaults to 1000).
func NewMemoryStore(maxPerSession int) *MemoryStore {
	if maxPerSession <= 0 {
		maxPerSession = 1000
	}
	return &MemoryStore{
		workDirs:   make(map[string]string),
		turns:      make(map[string][]*Turn),
		maxPerSess: maxPerSession,
	}
}

// SaveSession records a session and its working directory binding
func (s *MemoryStore) SaveSession(ctx context.Context, id, workDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workDirs[id] = workDir
	return nil
}

// GetSessionWorkDir returns the working directory for a session
func (s *MemoryStore) GetSessionWorkDir(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workDirs[id], nil
}

// SaveTurn appends a turn to a session's history
func (s *MemoryStore) SaveTurn(ctx context.Context, sessionID string, turn *Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := append(s.turns[sessionID], turn)
	if len(turns) > s.maxPerSess {
		turns = turns[len(turns)-s.maxPerSess:]
	}
	s.turns[sessionID] = turns
	return nil
}

// ListTurns returns the most recent turns in chronological order
func (s *MemoryStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[sessionID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	// Return a copy
	result := make([]*Turn, len(turns))
	copy(result, turns)
	return result, nil
}

// DeleteSession removes a session and all of its turns
func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workDirs, sessionID)
	delete(s.turns, sessionID)
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}
