package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/common/logger"
)

// History fed back into prompts is capped by turn count and byte size;
// older turns are dropped first. Unbounded history would grow every prompt
// without bound.
const (
	maxHistoryTurns = 40
	maxHistoryBytes = 64 * 1024
)

// Common errors
var (
	// ErrBusy is returned when the session already has a running task
	ErrBusy = errors.New("session already has a running task")
	// ErrNotFound is returned for unknown sessions
	ErrNotFound = errors.New("session not found")
	// ErrWorkDirMismatch is returned when a session is resolved with a
	// different working directory than it was created with
	ErrWorkDirMismatch = errors.New("session is bound to a different working directory")
)

// sessionState is the registry's internal record for one session.
type sessionState struct {
	id        string
	workDir   string
	createdAt time.Time
	turns     []*Turn
	task      *Task // nil when idle
}

// Registry owns all sessions. It is the single authority for the
// one-running-task-per-session invariant: TryBeginTask is an atomic
// check-and-set under the registry lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	store    Store
	logger   *logger.Logger
}

// NewRegistry creates a session registry backed by the given store.
func NewRegistry(store Store, log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*sessionState),
		store:    store,
		logger:   log.WithFields(zap.String("component", "session-registry")),
	}
}

// ResolveOrCreate returns the session for sessionID, creating it bound to
// workDir on first reference. Resolving an existing session with a
// different non-empty workDir fails.
func (r *Registry) ResolveOrCreate(ctx context.Context, sessionID, workDir string) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	r.mu.Lock()
	if state, ok := r.sessions[sessionID]; ok {
		if workDir != "" && workDir != state.workDir {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: have %q, got %q", ErrWorkDirMismatch, state.workDir, workDir)
		}
		snap := snapshot(state)
		r.mu.Unlock()
		return snap, nil
	}
	r.mu.Unlock()

	// Not in memory; the store may know it from a previous process run.
	storedDir, err := r.store.GetSessionWorkDir(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	if storedDir != "" {
		if workDir != "" && workDir != storedDir {
			return nil, fmt.Errorf("%w: have %q, got %q", ErrWorkDirMismatch, storedDir, workDir)
		}
		workDir = storedDir
	}

	if workDir == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	info, err := os.Stat(workDir)
	if err != nil {
		return nil, fmt.Errorf("working directory does not exist: %s", workDir)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", workDir)
	}

	turns, err := r.store.ListTurns(ctx, sessionID, maxHistoryTurns)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}

	if storedDir == "" {
		if err := r.store.SaveSession(ctx, sessionID, workDir); err != nil {
			return nil, fmt.Errorf("failed to persist session: %w", err)
		}
	}

	state := &sessionState{
		id:        sessionID,
		workDir:   workDir,
		createdAt: time.Now().UTC(),
		turns:     turns,
	}

	r.mu.Lock()
	// Another caller may have created it while we were hitting the store
	if existing, ok := r.sessions[sessionID]; ok {
		state = existing
	} else {
		r.sessions[sessionID] = state
	}
	snap := snapshot(state)
	r.mu.Unlock()

	r.logger.Info("session resolved",
		zap.String("session_id", sessionID),
		zap.String("work_dir", workDir),
		zap.Int("history_turns", len(turns)))

	return snap, nil
}

// TryBeginTask atomically marks the session busy and returns the new task.
// Returns ErrBusy if the session already has a running task.
func (r *Registry) TryBeginTask(sessionID string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if state.task != nil {
		return nil, ErrBusy
	}

	task := &Task{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
	}
	state.task = task
	return task, nil
}

// EndTask clears the session's busy flag. Idempotent: ending an already
// ended task is a no-op, so callers can defer it unconditionally.
func (r *Registry) EndTask(sessionID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	if !ok || state.task == nil || state.task.ID != taskID {
		return
	}
	state.task = nil
}

// AppendTurn records a completed turn in memory and in the store.
func (r *Registry) AppendTurn(ctx context.Context, sessionID, role, content string) error {
	turn := &Turn{Role: role, Content: content, CreatedAt: time.Now().UTC()}

	r.mu.Lock()
	state, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	state.turns = append(state.turns, turn)
	if len(state.turns) > maxHistoryTurns {
		state.turns = state.turns[len(state.turns)-maxHistoryTurns:]
	}
	r.mu.Unlock()

	if err := r.store.SaveTurn(ctx, sessionID, turn); err != nil {
		return fmt.Errorf("failed to persist turn: %w", err)
	}
	return nil
}

// History returns the turns to feed into the next prompt, newest-biased
// and capped by maxHistoryTurns and maxHistoryBytes.
func (r *Registry) History(sessionID string) []*Turn {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}

	turns := state.turns
	total := 0
	start := len(turns)
	for start > 0 && total+len(turns[start-1].Content) <= maxHistoryBytes {
		start--
		total += len(turns[start].Content)
	}

	result := make([]*Turn, len(turns)-start)
	copy(result, turns[start:])
	return result
}

// WorkDir returns the working directory bound to a session.
func (r *Registry) WorkDir(sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return state.workDir, nil
}

// Get returns a snapshot of one session.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return snapshot(state), nil
}

// List returns snapshots of all sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*Session, 0, len(r.sessions))
	for _, state := range r.sessions {
		result = append(result, snapshot(state))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Remove tears a session down. Fails if a task is running.
func (r *Registry) Remove(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	state, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if state.task != nil {
		r.mu.Unlock()
		return ErrBusy
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	return r.store.DeleteSession(ctx, sessionID)
}

func snapshot(state *sessionState) *Session {
	return &Session{
		ID:        state.id,
		WorkDir:   state.workDir,
		CreatedAt: state.createdAt,
		TurnCount: len(state.turns),
		Busy:      state.task != nil,
	}
}
