// Package executor runs one agent process per task and streams its output.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/common/logger"
)

// Common errors
var (
	// ErrTimeout indicates the agent exceeded its allotted run time and
	// was forcibly terminated
	ErrTimeout = errors.New("agent execution timed out")
	// ErrCanceled indicates the task was canceled before completion
	ErrCanceled = errors.New("agent execution canceled")
)

// stderr is diagnostic only; keep a bounded tail for logging
const stderrTailLimit = 8 * 1024

// Request describes one agent execution.
type Request struct {
	TaskID    string
	SessionID string
	WorkDir   string
	Prompt    string
}

// Callbacks receive the execution's output. OnChunk is invoked for every
// stdout fragment as it arrives, before the full response is known.
// Exactly one of OnDone or OnError is invoked, after all chunks.
type Callbacks struct {
	OnChunk func(text string)
	OnDone  func(fullText string)
	OnError func(err error)
}

// Handle allows cancelling a running execution.
type Handle struct {
	canceled atomic.Bool
	once     sync.Once
	kill     context.CancelFunc
}

// NewHandle wraps a cancel function in a Handle. Used by Runner
// implementations in other packages.
func NewHandle(kill context.CancelFunc) *Handle {
	return &Handle{kill: kill}
}

// Canceled reports whether Cancel has been called.
func (h *Handle) Canceled() bool {
	return h.canceled.Load()
}

// Cancel forcibly terminates the execution. Safe to call at any point
// after Run returns, and idempotent.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		h.canceled.Store(true)
		h.kill()
	})
}

// Runner executes agent tasks.
type Runner interface {
	Run(ctx context.Context, req *Request, cb Callbacks) (*Handle, error)
}

// Config holds local runner settings.
type Config struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// LocalRunner runs the agent as a local subprocess with the prompt on
// stdin and a restricted, non-interactive environment.
type LocalRunner struct {
	command string
	args    []string
	timeout time.Duration
	logger  *logger.Logger
}

// Ensure LocalRunner implements Runner
var _ Runner = (*LocalRunner)(nil)

// NewLocalRunner creates a local subprocess runner. The timeout is
// mandatory: an agent that never exits would hold a worker slot forever.
func NewLocalRunner(cfg Config, log *logger.Logger) (*LocalRunner, error) {
	if cfg.Command == "" {
		return nil, errors.New("agent command must not be empty")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("agent timeout must be greater than zero")
	}
	return &LocalRunner{
		command: cfg.Command,
		args:    cfg.Args,
		timeout: cfg.Timeout,
		logger:  log.WithFields(zap.String("component", "executor")),
	}, nil
}

// Run launches the agent and returns immediately; callbacks are invoked
// from a background goroutine as output arrives.
func (r *LocalRunner) Run(ctx context.Context, req *Request, cb Callbacks) (*Handle, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)

	cmd := exec.CommandContext(runCtx, r.command, r.args...)
	cmd.Dir = req.WorkDir
	cmd.Env = restrictedEnv(req)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	r.logger.Info("agent process started",
		zap.String("task_id", req.TaskID),
		zap.String("session_id", req.SessionID),
		zap.Int("pid", cmd.Process.Pid))

	handle := &Handle{kill: cancel}

	// Feed the prompt and close stdin so the agent sees EOF
	go func() {
		_, _ = io.WriteString(stdin, req.Prompt)
		_ = stdin.Close()
	}()

	// Drain stderr separately; it is diagnostic output and must never be
	// mixed into the user-visible chunk stream
	stderrTail := &boundedBuffer{limit: stderrTailLimit}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			stderrTail.append(line)
			r.logger.Debug("agent stderr",
				zap.String("task_id", req.TaskID),
				zap.String("line", line))
		}
	}()

	go func() {
		defer cancel()

		var full strings.Builder
		buf := make([]byte, 4096)
		var readErr error
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				fragment := string(buf[:n])
				full.WriteString(fragment)
				if cb.OnChunk != nil {
					cb.OnChunk(fragment)
				}
			}
			if err != nil {
				if err != io.EOF {
					readErr = err
				}
				break
			}
		}

		<-stderrDone
		waitErr := cmd.Wait()

		switch {
		case handle.canceled.Load():
			r.logger.Info("agent process canceled", zap.String("task_id", req.TaskID))
			cb.OnError(ErrCanceled)

		case runCtx.Err() == context.DeadlineExceeded:
			r.logger.Warn("agent process timed out",
				zap.String("task_id", req.TaskID),
				zap.Duration("timeout", r.timeout))
			cb.OnError(ErrTimeout)

		case runCtx.Err() == context.Canceled:
			// Parent context canceled (e.g. caller disconnected)
			r.logger.Info("agent process canceled via context", zap.String("task_id", req.TaskID))
			cb.OnError(ErrCanceled)

		case waitErr != nil:
			// Diagnostic detail stays in the log; the caller gets a
			// generic failure
			r.logger.Error("agent process failed",
				zap.String("task_id", req.TaskID),
				zap.Error(waitErr),
				zap.String("stderr_tail", stderrTail.String()))
			cb.OnError(fmt.Errorf("agent process failed: %w", waitErr))

		case readErr != nil:
			r.logger.Error("agent output read failed",
				zap.String("task_id", req.TaskID),
				zap.Error(readErr))
			cb.OnError(fmt.Errorf("agent output read failed: %w", readErr))

		default:
			r.logger.Info("agent process completed",
				zap.String("task_id", req.TaskID),
				zap.Int("output_bytes", full.Len()))
			cb.OnDone(full.String())
		}
	}()

	return handle, nil
}

// restrictedEnv builds the subprocess environment: the host environment
// with interactive and color features disabled.
func restrictedEnv(req *Request) []string {
	env := os.Environ()
	env = append(env,
		"NO_COLOR=1",
		"TERM=dumb",
		"CI=1",
		fmt.Sprintf("FORGEFLOW_TASK_ID=%s", req.TaskID),
		fmt.Sprintf("FORGEFLOW_SESSION_ID=%s", req.SessionID),
	)
	return env
}

// boundedBuffer keeps the last lines of stderr up to a byte limit.
type boundedBuffer struct {
	mu    sync.Mutex
	lines []string
	size  int
	limit int
}

func (b *boundedBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	b.size += len(line) + 1
	for b.size > b.limit && len(b.lines) > 1 {
		b.size -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
	}
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
