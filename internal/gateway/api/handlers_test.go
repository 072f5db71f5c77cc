package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forgeflow/forgeflow/internal/common/errors"
	"github.com/forgeflow/forgeflow/internal/common/logger"
	"github.com/forgeflow/forgeflow/internal/gitsync"
	"github.com/forgeflow/forgeflow/internal/orchestrator"
	"github.com/forgeflow/forgeflow/internal/session"
	"github.com/forgeflow/forgeflow/internal/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// MockTaskService implements a mock for the orchestrator service
type MockTaskService struct {
	SubmitMessageFn func(ctx context.Context, req orchestrator.SubmitRequest, sink stream.Sink) error
	GitStatusFn     func(ctx context.Context, sessionID string) (*gitsync.Status, error)
	CommitFn        func(ctx context.Context, sessionID, message string) (string, error)
	PushFn          func(ctx context.Context, sessionID, remote string) error
	SessionsFn      func() []*session.Session
	SessionFn       func(sessionID string) (*session.Session, error)
	HistoryFn       func(sessionID string) ([]*session.Turn, error)
	RemoveSessionFn func(ctx context.Context, sessionID string) error
}

func (m *MockTaskService) SubmitMessage(ctx context.Context, req orchestrator.SubmitRequest, sink stream.Sink) error {
	if m.SubmitMessageFn != nil {
		return m.SubmitMessageFn(ctx, req, sink)
	}
	_ = sink.Emit(stream.Done("ok"))
	return nil
}

func (m *MockTaskService) GitStatus(ctx context.Context, sessionID string) (*gitsync.Status, error) {
	if m.GitStatusFn != nil {
		return m.GitStatusFn(ctx, sessionID)
	}
	return &gitsync.Status{Branch: "main"}, nil
}

func (m *MockTaskService) Commit(ctx context.Context, sessionID, message string) (string, error) {
	if m.CommitFn != nil {
		return m.CommitFn(ctx, sessionID, message)
	}
	return "abc123", nil
}

func (m *MockTaskService) Push(ctx context.Context, sessionID, remote string) error {
	if m.PushFn != nil {
		return m.PushFn(ctx, sessionID, remote)
	}
	return nil
}

func (m *MockTaskService) Sessions() []*session.Session {
	if m.SessionsFn != nil {
		return m.SessionsFn()
	}
	return []*session.Session{}
}

func (m *MockTaskService) Session(sessionID string) (*session.Session, error) {
	if m.SessionFn != nil {
		return m.SessionFn(sessionID)
	}
	return nil, errors.NotFound("session", sessionID)
}

func (m *MockTaskService) History(sessionID string) ([]*session.Turn, error) {
	if m.HistoryFn != nil {
		return m.HistoryFn(sessionID)
	}
	return []*session.Turn{}, nil
}

func (m *MockTaskService) RemoveSession(ctx context.Context, sessionID string) error {
	if m.RemoveSessionFn != nil {
		return m.RemoveSessionFn(ctx, sessionID)
	}
	return nil
}

func (m *MockTaskService) PoolStats() (int, int, int) {
	return 4, 1, 0
}

func setupTestRouter(mock *MockTaskService) *gin.Engine {
	log := newTestLogger()
	return NewRouter(mock, stream.NewHub(log), log)
}

func TestCreateTaskStreamsEvents(t *testing.T) {
	mock := &MockTaskService{
		SubmitMessageFn: func(ctx context.Context, req orchestrator.SubmitRequest, sink stream.Sink) error {
			if req.Message != "hello" {
				t.Errorf("unexpected message: %q", req.Message)
			}
			_ = sink.Emit(stream.Chunk("par"))
			_ = sink.Emit(stream.Chunk("tial"))
			_ = sink.Emit(stream.Done("partial"))
			return nil
		},
	}
	router := setupTestRouter(mock)

	body, _ := json.Marshal(CreateTaskRequest{SessionID: "s1", WorkDir: "/tmp/repo", Message: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("expected event-stream content type, got %q", ct)
	}

	frames := strings.Split(strings.TrimSpace(w.Body.String()), "\n\n")
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d: %q", len(frames), w.Body.String())
	}
	var last stream.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frames[2], "data: ")), &last); err != nil {
		t.Fatalf("failed to parse terminal frame: %v", err)
	}
	if last.Type != stream.EventDone || last.Content != "partial" {
		t.Errorf("unexpected terminal event: %+v", last)
	}
}

func TestCreateTaskMissingMessage(t *testing.T) {
	router := setupTestRouter(&MockTaskService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"session_id":"s1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestCreateTaskSessionBusy(t *testing.T) {
	mock := &MockTaskService{
		SubmitMessageFn: func(ctx context.Context, req orchestrator.SubmitRequest, sink stream.Sink) error {
			return errors.SessionBusy(req.SessionID)
		},
	}
	router := setupTestRouter(mock)

	body, _ := json.Marshal(CreateTaskRequest{SessionID: "s1", Message: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateTaskRejectionContentType(t *testing.T) {
	mock := &MockTaskService{
		SubmitMessageFn: func(ctx context.Context, req orchestrator.SubmitRequest, sink stream.Sink) error {
			return errors.SessionBusy(req.SessionID)
		},
	}
	router := setupTestRouter(mock)

	body, _ := json.Marshal(CreateTaskRequest{SessionID: "s1", Message: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// A submission rejected before any event must come back as a plain
	// JSON error, not as an event stream
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("expected JSON content type for rejection, got %q", ct)
	}
	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse error body: %v", err)
	}
	if resp.Error.Code != errors.ErrCodeSessionBusy {
		t.Errorf("unexpected error code: %q", resp.Error.Code)
	}
}

func TestCreateTaskCapacityExceeded(t *testing.T) {
	mock := &MockTaskService{
		SubmitMessageFn: func(ctx context.Context, req orchestrator.SubmitRequest, sink stream.Sink) error {
			return errors.CapacityExceeded(context.DeadlineExceeded)
		},
	}
	router := setupTestRouter(mock)

	body, _ := json.Marshal(CreateTaskRequest{SessionID: "s1", Message: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestGitStatus(t *testing.T) {
	mock := &MockTaskService{
		GitStatusFn: func(ctx context.Context, sessionID string) (*gitsync.Status, error) {
			return &gitsync.Status{
				Branch:    "main",
				Modified:  []string{"main.go"},
				Added:     []string{},
				Deleted:   []string{},
				Untracked: []string{"notes.txt"},
			}, nil
		},
	}
	router := setupTestRouter(mock)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1/git/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var st gitsync.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if st.Branch != "main" || len(st.Modified) != 1 || len(st.Untracked) != 1 {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestGitStatusUnknownSession(t *testing.T) {
	mock := &MockTaskService{
		GitStatusFn: func(ctx context.Context, sessionID string) (*gitsync.Status, error) {
			return nil, errors.NotFound("session", sessionID)
		},
	}
	router := setupTestRouter(mock)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/nope/git/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestCommitChanges(t *testing.T) {
	mock := &MockTaskService{
		CommitFn: func(ctx context.Context, sessionID, message string) (string, error) {
			if message != "save work" {
				t.Errorf("unexpected message: %q", message)
			}
			return "deadbeef", nil
		},
	}
	router := setupTestRouter(mock)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/git/commit",
		strings.NewReader(`{"message":"save work"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp CommitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Commit != "deadbeef" {
		t.Errorf("unexpected commit hash: %q", resp.Commit)
	}
}

func TestCommitChangesMissingMessage(t *testing.T) {
	router := setupTestRouter(&MockTaskService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/git/commit", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestPushChangesNoRemote(t *testing.T) {
	mock := &MockTaskService{
		PushFn: func(ctx context.Context, sessionID, remote string) error {
			return errors.GitOperationFailed("push", gitsync.ErrNoRemote)
		},
	}
	router := setupTestRouter(mock)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/git/push", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", w.Code)
	}
}

func TestPushChanges(t *testing.T) {
	router := setupTestRouter(&MockTaskService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/git/push",
		strings.NewReader(`{"remote":"origin"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListSessions(t *testing.T) {
	mock := &MockTaskService{
		SessionsFn: func() []*session.Session {
			return []*session.Session{
				{ID: "s1", WorkDir: "/tmp/a", CreatedAt: time.Now(), TurnCount: 4},
				{ID: "s2", WorkDir: "/tmp/b", CreatedAt: time.Now(), Busy: true},
			}
		},
	}
	router := setupTestRouter(mock)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp SessionsListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Total != 2 || len(resp.Sessions) != 2 {
		t.Errorf("unexpected list: %+v", resp)
	}
	if !resp.Sessions[1].Busy {
		t.Errorf("expected second session busy")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	router := setupTestRouter(&MockTaskService{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/nope", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetHistory(t *testing.T) {
	mock := &MockTaskService{
		HistoryFn: func(sessionID string) ([]*session.Turn, error) {
			return []*session.Turn{
				{Role: session.RoleUser, Content: "hi", CreatedAt: time.Now()},
				{Role: session.RoleAssistant, Content: "hello", CreatedAt: time.Now()},
			}, nil
		},
	}
	router := setupTestRouter(mock)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1/history", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp HistoryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Total != 2 || resp.Turns[0].Role != session.RoleUser {
		t.Errorf("unexpected history: %+v", resp)
	}
}

func TestDeleteSession(t *testing.T) {
	router := setupTestRouter(&MockTaskService{})

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/s1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
}

func TestDeleteSessionBusy(t *testing.T) {
	mock := &MockTaskService{
		RemoveSessionFn: func(ctx context.Context, sessionID string) error {
			return errors.SessionBusy(sessionID)
		},
	}
	router := setupTestRouter(mock)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/s1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	router := setupTestRouter(&MockTaskService{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Status != "ok" || resp.Pool.Capacity != 4 {
		t.Errorf("unexpected health response: %+v", resp)
	}
}
