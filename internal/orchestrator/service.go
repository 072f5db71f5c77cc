// Package orchestrator coordinates the full lifecycle of a task: session
// resolution, admission, agent execution, streaming, and history.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/forgeflow/forgeflow/internal/common/errors"
	"github.com/forgeflow/forgeflow/internal/common/logger"
	"github.com/forgeflow/forgeflow/internal/events/bus"
	"github.com/forgeflow/forgeflow/internal/executor"
	"github.com/forgeflow/forgeflow/internal/gitsync"
	"github.com/forgeflow/forgeflow/internal/pool"
	"github.com/forgeflow/forgeflow/internal/session"
	"github.com/forgeflow/forgeflow/internal/stream"
)

// Service exposes the orchestrator's operations to the transport layer.
type Service struct {
	registry     *session.Registry
	pool         *pool.Pool
	runner       executor.Runner
	git          *gitsync.Syncer
	hub          *stream.Hub
	bus          bus.EventBus
	systemPrompt string
	queueWait    time.Duration
	logger       *logger.Logger
}

// Options configures a Service.
type Options struct {
	Registry     *session.Registry
	Pool         *pool.Pool
	Runner       executor.Runner
	Git          *gitsync.Syncer
	Hub          *stream.Hub
	Bus          bus.EventBus
	SystemPrompt string
	QueueWait    time.Duration
}

// NewService creates the orchestrator service.
func NewService(opts Options, log *logger.Logger) *Service {
	eventBus := opts.Bus
	if eventBus == nil {
		eventBus = bus.NewNoopBus()
	}
	return &Service{
		registry:     opts.Registry,
		pool:         opts.Pool,
		runner:       opts.Runner,
		git:          opts.Git,
		hub:          opts.Hub,
		bus:          eventBus,
		systemPrompt: opts.SystemPrompt,
		queueWait:    opts.QueueWait,
		logger:       log.WithFields(zap.String("component", "orchestrator")),
	}
}

// SubmitRequest carries one user message for execution.
type SubmitRequest struct {
	SessionID string
	WorkDir   string
	Message   string
}

type runResult struct {
	fullText string
	err      error
}

// SubmitMessage runs one agent task for the request and streams its
// output to sink. Errors returned before any event is emitted describe
// admission failures; once execution starts, failures are delivered as
// a terminal error event and returned as well.
func (s *Service) SubmitMessage(ctx context.Context, req SubmitRequest, sink stream.Sink) error {
	if strings.TrimSpace(req.Message) == "" {
		return apperrors.BadRequest("message must not be empty")
	}

	known := false
	if req.SessionID != "" {
		if _, getErr := s.registry.Get(req.SessionID); getErr == nil {
			known = true
		}
	}

	sess, err := s.registry.ResolveOrCreate(ctx, req.SessionID, req.WorkDir)
	if err != nil {
		return mapSessionError(err, req.SessionID)
	}
	if !known {
		s.publish(bus.NewEvent(bus.EventSessionCreated, sess.ID, map[string]any{
			"work_dir": sess.WorkDir,
		}))
	}

	task, err := s.registry.TryBeginTask(sess.ID)
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			return apperrors.SessionBusy(sess.ID)
		}
		return mapSessionError(err, sess.ID)
	}
	defer s.registry.EndTask(sess.ID, task.ID)

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, s.queueWait)
	slot, err := s.pool.Acquire(acquireCtx)
	cancelAcquire()
	if err != nil {
		if errors.Is(err, pool.ErrAcquireTimeout) {
			return apperrors.CapacityExceeded(err)
		}
		return apperrors.InternalError("admission failed", err)
	}
	defer slot.Release()

	s.logger.Info("task admitted",
		zap.String("task_id", task.ID),
		zap.String("session_id", sess.ID),
		zap.Int("pool_in_use", s.pool.InUse()))
	s.publish(bus.NewEvent(bus.EventTaskStarted, sess.ID, map[string]any{
		"task_id": task.ID,
	}))

	// Fan out to the per-session observers alongside the caller's sink
	out := stream.Tee(sink, s.hub.SessionSink(sess.ID))

	prompt := s.composePrompt(sess.ID, req.Message)

	done := make(chan runResult, 1)
	handle, err := s.runner.Run(ctx, &executor.Request{
		TaskID:    task.ID,
		SessionID: sess.ID,
		WorkDir:   sess.WorkDir,
		Prompt:    prompt,
	}, executor.Callbacks{
		OnChunk: func(text string) {
			if emitErr := out.Emit(stream.Chunk(text)); emitErr != nil {
				s.logger.Debug("chunk emit failed",
					zap.String("task_id", task.ID),
					zap.Error(emitErr))
			}
		},
		OnDone: func(fullText string) {
			done <- runResult{fullText: fullText}
		},
		OnError: func(runErr error) {
			done <- runResult{err: runErr}
		},
	})
	if err != nil {
		appErr := apperrors.ExecutionFailed(err)
		s.failTask(sess.ID, task.ID, out, appErr)
		return appErr
	}

	var result runResult
	select {
	case result = <-done:
	case <-ctx.Done():
		handle.Cancel()
		result = <-done
	}

	if result.err != nil {
		appErr := mapExecutionError(result.err)
		s.failTask(sess.ID, task.ID, out, appErr)
		return appErr
	}

	// History gains both turns only on success; a failed task leaves
	// the transcript untouched
	if err := s.registry.AppendTurn(ctx, sess.ID, session.RoleUser, req.Message); err != nil {
		s.logger.Warn("failed to record user turn",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
	if err := s.registry.AppendTurn(ctx, sess.ID, session.RoleAssistant, result.fullText); err != nil {
		s.logger.Warn("failed to record assistant turn",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}

	if emitErr := out.Emit(stream.Done(result.fullText)); emitErr != nil {
		s.logger.Debug("done emit failed",
			zap.String("task_id", task.ID),
			zap.Error(emitErr))
	}

	s.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.String("session_id", sess.ID))
	s.publish(bus.NewEvent(bus.EventTaskCompleted, sess.ID, map[string]any{
		"task_id": task.ID,
	}))
	return nil
}

func (s *Service) failTask(sessionID, taskID string, out stream.Sink, appErr *apperrors.AppError) {
	if emitErr := out.Emit(stream.Error(appErr.Message)); emitErr != nil {
		s.logger.Debug("error emit failed",
			zap.String("task_id", taskID),
			zap.Error(emitErr))
	}
	s.logger.Warn("task failed",
		zap.String("task_id", taskID),
		zap.String("session_id", sessionID),
		zap.String("code", appErr.Code),
		zap.Error(appErr))
	s.publish(bus.NewEvent(bus.EventTaskFailed, sessionID, map[string]any{
		"task_id": taskID,
		"code":    appErr.Code,
	}))
}

// composePrompt builds the agent prompt from the system prompt, the
// session transcript, and the new message.
func (s *Service) composePrompt(sessionID, message string) string {
	var b strings.Builder
	if s.systemPrompt != "" {
		b.WriteString(s.systemPrompt)
		b.WriteString("\n\n")
	}
	for _, turn := range s.registry.History(sessionID) {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	b.WriteString(session.RoleUser)
	b.WriteString(": ")
	b.WriteString(message)
	b.WriteString("\n")
	return b.String()
}

// GitStatus recomputes the work tree state of the session's repository.
func (s *Service) GitStatus(ctx context.Context, sessionID string) (*gitsync.Status, error) {
	workDir, err := s.registry.WorkDir(sessionID)
	if err != nil {
		return nil, mapSessionError(err, sessionID)
	}
	st, err := s.git.Status(ctx, workDir)
	if err != nil {
		return nil, apperrors.GitOperationFailed("status", err)
	}
	return st, nil
}

// Commit stages and commits all pending changes in the session's
// repository.
func (s *Service) Commit(ctx context.Context, sessionID, message string) (string, error) {
	workDir, err := s.registry.WorkDir(sessionID)
	if err != nil {
		return "", mapSessionError(err, sessionID)
	}

	hash, err := s.git.CommitAll(ctx, workDir, message)
	if err != nil {
		if errors.Is(err, gitsync.ErrEmptyMessage) {
			return "", apperrors.BadRequest("commit message must not be empty")
		}
		return "", apperrors.GitOperationFailed("commit", err)
	}

	s.publish(bus.NewEvent(bus.EventGitCommitted, sessionID, map[string]any{
		"commit": hash,
	}))
	return hash, nil
}

// Push pushes the session repository's current branch to the remote.
func (s *Service) Push(ctx context.Context, sessionID, remote string) error {
	workDir, err := s.registry.WorkDir(sessionID)
	if err != nil {
		return mapSessionError(err, sessionID)
	}

	if err := s.git.Push(ctx, workDir, remote); err != nil {
		return apperrors.GitOperationFailed("push", err)
	}

	s.publish(bus.NewEvent(bus.EventGitPushed, sessionID, nil))
	return nil
}

// Sessions lists all known sessions.
func (s *Service) Sessions() []*session.Session {
	return s.registry.List()
}

// Session returns one session by ID.
func (s *Service) Session(sessionID string) (*session.Session, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, mapSessionError(err, sessionID)
	}
	return sess, nil
}

// History returns the session's transcript.
func (s *Service) History(sessionID string) ([]*session.Turn, error) {
	if _, err := s.registry.Get(sessionID); err != nil {
		return nil, mapSessionError(err, sessionID)
	}
	return s.registry.History(sessionID), nil
}

// RemoveSession deletes a session. Fails while a task is running.
func (s *Service) RemoveSession(ctx context.Context, sessionID string) error {
	if err := s.registry.Remove(ctx, sessionID); err != nil {
		if errors.Is(err, session.ErrBusy) {
			return apperrors.SessionBusy(sessionID)
		}
		return mapSessionError(err, sessionID)
	}
	s.publish(bus.NewEvent(bus.EventSessionRemoved, sessionID, nil))
	return nil
}

// PoolStats reports admission controller occupancy.
func (s *Service) PoolStats() (capacity, inUse, waiting int) {
	return s.pool.Capacity(), s.pool.InUse(), s.pool.Waiting()
}

func (s *Service) publish(event bus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Debug("event publish failed",
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

func mapSessionError(err error, sessionID string) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return apperrors.NotFound("session", sessionID)
	case errors.Is(err, session.ErrWorkDirMismatch):
		return apperrors.BadRequest(err.Error())
	case errors.Is(err, session.ErrBusy):
		return apperrors.SessionBusy(sessionID)
	default:
		return apperrors.InternalError(fmt.Sprintf("session %s", sessionID), err)
	}
}

func mapExecutionError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, executor.ErrTimeout):
		return apperrors.ExecutionTimeout(err)
	case errors.Is(err, executor.ErrCanceled):
		return apperrors.ExecutionFailed(err)
	default:
		return apperrors.ExecutionFailed(err)
	}
}
