// Package dockerrunner executes agent tasks inside containers instead of
// local subprocesses, with the session's working directory bind-mounted.
package dockerrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/common/config"
	"github.com/forgeflow/forgeflow/internal/common/logger"
	"github.com/forgeflow/forgeflow/internal/executor"
)

const workspaceTarget = "/workspace"

// Runner implements executor.Runner on top of the Docker API.
type Runner struct {
	cli     *client.Client
	image   string
	cmd     []string
	timeout time.Duration
	memory  int64
	cpus    float64
	logger  *logger.Logger
}

// Ensure Runner implements executor.Runner
var _ executor.Runner = (*Runner)(nil)

// New creates a container-based runner. The timeout is mandatory, as for
// the local runner.
func New(cfg config.DockerConfig, agentCmd []string, timeout time.Duration, log *logger.Logger) (*Runner, error) {
	if timeout <= 0 {
		return nil, errors.New("agent timeout must be greater than zero")
	}
	if cfg.Image == "" {
		return nil, errors.New("agent image must not be empty")
	}

	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Runner{
		cli:     cli,
		image:   cfg.Image,
		cmd:     agentCmd,
		timeout: timeout,
		memory:  cfg.MemoryMB * 1024 * 1024,
		cpus:    cfg.CPUCores,
		logger:  log.WithFields(zap.String("component", "docker-runner")),
	}, nil
}

// Ping verifies the Docker daemon is reachable.
func (r *Runner) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

// Close closes the Docker client.
func (r *Runner) Close() error {
	return r.cli.Close()
}

// Run creates and starts a container for the task, writes the prompt to
// its stdin, and streams demultiplexed output back through the callbacks.
func (r *Runner) Run(ctx context.Context, req *executor.Request, cb executor.Callbacks) (*executor.Handle, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)

	containerCfg := &container.Config{
		Image:        r.image,
		Cmd:          r.cmd,
		WorkingDir:   workspaceTarget,
		Env:          containerEnv(req),
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"forgeflow.managed":    "true",
			"forgeflow.task_id":    req.TaskID,
			"forgeflow.session_id": req.SessionID,
		},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: req.WorkDir,
			Target: workspaceTarget,
		}},
		Resources: container.Resources{
			Memory:   r.memory,
			NanoCPUs: int64(r.cpus * 1e9),
		},
	}

	name := fmt.Sprintf("forgeflow-agent-%s", shortID(req.TaskID))
	created, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := created.ID

	attach, err := r.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		r.remove(containerID)
		cancel()
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		attach.Close()
		r.remove(containerID)
		cancel()
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	r.logger.Info("agent container started",
		zap.String("task_id", req.TaskID),
		zap.String("container_id", containerID))

	handle := executor.NewHandle(cancel)

	go func() {
		_, _ = attach.Conn.Write([]byte(req.Prompt))
		_ = attach.CloseWrite()
	}()

	waitCh, waitErrCh := r.cli.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)

	go func() {
		defer cancel()
		defer attach.Close()
		defer r.remove(containerID)

		stdout := &chunkWriter{cb: cb.OnChunk}
		stderr := &logWriter{logger: r.logger, taskID: req.TaskID}

		// Returns when the container exits and the stream closes, or
		// when runCtx expiry tears the connection down
		copyDone := make(chan error, 1)
		go func() {
			_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
			copyDone <- err
		}()

		var exitCode int64
		var waitErr error
		select {
		case status := <-waitCh:
			exitCode = status.StatusCode
			if status.Error != nil {
				waitErr = errors.New(status.Error.Message)
			}
			<-copyDone
		case waitErr = <-waitErrCh:
			r.killContainer(containerID)
			<-copyDone
		}

		switch {
		case handle.Canceled():
			r.logger.Info("agent container canceled", zap.String("task_id", req.TaskID))
			cb.OnError(executor.ErrCanceled)

		case runCtx.Err() == context.DeadlineExceeded:
			r.logger.Warn("agent container timed out",
				zap.String("task_id", req.TaskID),
				zap.Duration("timeout", r.timeout))
			cb.OnError(executor.ErrTimeout)

		case runCtx.Err() == context.Canceled:
			cb.OnError(executor.ErrCanceled)

		case waitErr != nil:
			r.logger.Error("agent container wait failed",
				zap.String("task_id", req.TaskID),
				zap.Error(waitErr))
			cb.OnError(fmt.Errorf("agent container failed: %w", waitErr))

		case exitCode != 0:
			r.logger.Error("agent container exited non-zero",
				zap.String("task_id", req.TaskID),
				zap.Int64("exit_code", exitCode))
			cb.OnError(fmt.Errorf("agent container exited with code %d", exitCode))

		default:
			r.logger.Info("agent container completed", zap.String("task_id", req.TaskID))
			cb.OnDone(stdout.String())
		}
	}()

	return handle, nil
}

// killContainer force-kills using a background context; the run context
// may already be dead.
func (r *Runner) killContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.cli.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		r.logger.Warn("failed to kill container",
			zap.String("container_id", containerID),
			zap.Error(err))
	}
}

func (r *Runner) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Warn("failed to remove container",
			zap.String("container_id", containerID),
			zap.Error(err))
	}
}

func containerEnv(req *executor.Request) []string {
	return []string{
		"NO_COLOR=1",
		"TERM=dumb",
		"CI=1",
		fmt.Sprintf("FORGEFLOW_TASK_ID=%s", req.TaskID),
		fmt.Sprintf("FORGEFLOW_SESSION_ID=%s", req.SessionID),
	}
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// chunkWriter forwards every write to the chunk callback and accumulates
// the full output.
type chunkWriter struct {
	mu   sync.Mutex
	full strings.Builder
	cb   func(string)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.full.Write(p)
	w.mu.Unlock()
	if w.cb != nil {
		w.cb(string(p))
	}
	return len(p), nil
}

func (w *chunkWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.full.String()
}

// logWriter routes container stderr to the service log.
type logWriter struct {
	logger *logger.Logger
	taskID string
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Debug("agent stderr",
		zap.String("task_id", w.taskID),
		zap.String("line", strings.TrimRight(string(p), "\n")))
	return len(p), nil
}
