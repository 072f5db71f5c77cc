package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgeflow/forgeflow/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// shRunner builds a LocalRunner that executes the given shell script.
func shRunner(t *testing.T, script string, timeout time.Duration) *LocalRunner {
	t.Helper()
	r, err := NewLocalRunner(Config{
		Command: "sh",
		Args:    []string{"-c", script},
		Timeout: timeout,
	}, newTestLogger())
	if err != nil {
		t.Fatalf("NewLocalRunner failed: %v", err)
	}
	return r
}

// collector gathers callback invocations for assertions.
type collector struct {
	mu     sync.Mutex
	chunks []string
	done   *string
	err    error
	finish chan struct{}
}

func newCollector() *collector {
	return &collector{finish: make(chan struct{})}
}

func (c *collector) callbacks() Callbacks {
	return Callbacks{
		OnChunk: func(text string) {
			c.mu.Lock()
			c.chunks = append(c.chunks, text)
			c.mu.Unlock()
		},
		OnDone: func(full string) {
			c.mu.Lock()
			c.done = &full
			c.mu.Unlock()
			close(c.finish)
		},
		OnError: func(err error) {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			close(c.finish)
		},
	}
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.finish:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for terminal callback")
	}
}

func TestNewLocalRunnerRequiresTimeout(t *testing.T) {
	log := newTestLogger()
	if _, err := NewLocalRunner(Config{Command: "sh", Timeout: 0}, log); err == nil {
		t.Error("expected error for zero timeout")
	}
	if _, err := NewLocalRunner(Config{Command: "sh", Timeout: -time.Second}, log); err == nil {
		t.Error("expected error for negative timeout")
	}
	if _, err := NewLocalRunner(Config{Command: "", Timeout: time.Second}, log); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestRunEchoesPromptFromStdin(t *testing.T) {
	r := shRunner(t, "cat", 10*time.Second)
	c := newCollector()

	_, err := r.Run(context.Background(), &Request{
		TaskID:  "t1",
		WorkDir: t.TempDir(),
		Prompt:  "hello agent",
	}, c.callbacks())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	c.wait(t)

	if c.err != nil {
		t.Fatalf("expected success, got error: %v", c.err)
	}
	if c.done == nil || *c.done != "hello agent" {
		t.Errorf("expected full output 'hello agent', got %v", c.done)
	}
	if strings.Join(c.chunks, "") != "hello agent" {
		t.Errorf("concatenated chunks = %q, want 'hello agent'", strings.Join(c.chunks, ""))
	}
}

func TestRunStreamsChunksBeforeDone(t *testing.T) {
	// Two writes separated by a pause must arrive as separate chunks
	r := shRunner(t, "printf one; sleep 0.2; printf two", 10*time.Second)
	c := newCollector()

	_, err := r.Run(context.Background(), &Request{TaskID: "t1", WorkDir: t.TempDir()}, c.callbacks())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	c.wait(t)

	if c.done == nil || *c.done != "onetwo" {
		t.Fatalf("expected done with 'onetwo', got %v", c.done)
	}
	if len(c.chunks) < 2 {
		t.Errorf("expected at least 2 chunks (eager forwarding), got %d", len(c.chunks))
	}
}

func TestRunNonZeroExit(t *testing.T) {
	r := shRunner(t, "printf partial; echo diagnostic >&2; exit 3", 10*time.Second)
	c := newCollector()

	_, err := r.Run(context.Background(), &Request{TaskID: "t1", WorkDir: t.TempDir()}, c.callbacks())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	c.wait(t)

	if c.err == nil {
		t.Fatal("expected error callback for non-zero exit")
	}
	if c.done != nil {
		t.Error("OnDone must not fire on failure")
	}
	// stderr must not leak into the chunk stream
	for _, chunk := range c.chunks {
		if strings.Contains(chunk, "diagnostic") {
			t.Error("stderr leaked into chunk stream")
		}
	}
}

func TestRunTimeout(t *testing.T) {
	r := shRunner(t, "sleep 30", 200*time.Millisecond)
	c := newCollector()

	start := time.Now()
	_, err := r.Run(context.Background(), &Request{TaskID: "t1", WorkDir: t.TempDir()}, c.callbacks())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	c.wait(t)

	if !errors.Is(c.err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", c.err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took too long to trigger: %v", elapsed)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	r := shRunner(t, "sleep 30", 30*time.Second)
	c := newCollector()

	handle, err := r.Run(context.Background(), &Request{TaskID: "t1", WorkDir: t.TempDir()}, c.callbacks())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	handle.Cancel()
	handle.Cancel()
	handle.Cancel()
	c.wait(t)

	if !errors.Is(c.err, ErrCanceled) {
		t.Errorf("expected ErrCanceled, got %v", c.err)
	}
}

func TestParentContextCancel(t *testing.T) {
	r := shRunner(t, "sleep 30", 30*time.Second)
	c := newCollector()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := r.Run(ctx, &Request{TaskID: "t1", WorkDir: t.TempDir()}, c.callbacks())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	cancel()
	c.wait(t)

	if !errors.Is(c.err, ErrCanceled) {
		t.Errorf("expected ErrCanceled on parent cancel, got %v", c.err)
	}
}

func TestExactlyOneTerminalCallback(t *testing.T) {
	r := shRunner(t, "printf out", 10*time.Second)

	var mu sync.Mutex
	terminals := 0
	finish := make(chan struct{}, 2)

	_, err := r.Run(context.Background(), &Request{TaskID: "t1", WorkDir: t.TempDir()}, Callbacks{
		OnChunk: func(string) {},
		OnDone: func(string) {
			mu.Lock()
			terminals++
			mu.Unlock()
			finish <- struct{}{}
		},
		OnError: func(error) {
			mu.Lock()
			terminals++
			mu.Unlock()
			finish <- struct{}{}
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	<-finish
	time.Sleep(100 * time.Millisecond) // allow any spurious second callback

	mu.Lock()
	defer mu.Unlock()
	if terminals != 1 {
		t.Errorf("expected exactly 1 terminal callback, got %d", terminals)
	}
}
