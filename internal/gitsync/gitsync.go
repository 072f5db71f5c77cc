// Package gitsync inspects and mutates the git state of session working
// directories. Every query runs against the repository on disk; nothing
// is cached between calls.
package gitsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/common/logger"
)

var (
	// ErrNotARepo indicates the directory is not inside a git work tree.
	ErrNotARepo = errors.New("not a git repository")
	// ErrEmptyMessage indicates a commit was requested without a message.
	ErrEmptyMessage = errors.New("commit message must not be empty")
	// ErrNothingToCommit indicates the work tree has no changes to commit.
	ErrNothingToCommit = errors.New("nothing to commit")
	// ErrNoRemote indicates the repository has no remote configured.
	ErrNoRemote = errors.New("no remote configured")
)

// Status is a snapshot of a repository's work tree, freshly computed
// from git itself.
type Status struct {
	Branch    string   `json:"branch"`
	Modified  []string `json:"modified"`
	Added     []string `json:"added"`
	Deleted   []string `json:"deleted"`
	Untracked []string `json:"untracked"`
}

// Clean reports whether the work tree has no pending changes.
func (s *Status) Clean() bool {
	return len(s.Modified) == 0 && len(s.Added) == 0 &&
		len(s.Deleted) == 0 && len(s.Untracked) == 0
}

// Syncer runs git operations against session working directories.
type Syncer struct {
	logger *logger.Logger
}

// NewSyncer creates a git syncer.
func NewSyncer(log *logger.Logger) *Syncer {
	return &Syncer{
		logger: log.WithFields(zap.String("component", "gitsync")),
	}
}

// Status computes the current work tree state of the repository at
// workDir by parsing porcelain output.
func (s *Syncer) Status(ctx context.Context, workDir string) (*Status, error) {
	out, err := s.runGit(ctx, workDir, "status", "--porcelain=v1", "--branch")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

// CommitAll stages every pending change and commits it with the given
// message. Returns the new commit hash.
func (s *Syncer) CommitAll(ctx context.Context, workDir, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}

	if _, err := s.runGit(ctx, workDir, "add", "-A"); err != nil {
		return "", err
	}

	staged, err := s.runGit(ctx, workDir, "status", "--porcelain=v1")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(staged) == "" {
		return "", ErrNothingToCommit
	}

	if _, err := s.runGit(ctx, workDir, "commit", "-m", message); err != nil {
		return "", err
	}

	hash, err := s.runGit(ctx, workDir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	hash = strings.TrimSpace(hash)

	s.logger.Info("committed changes",
		zap.String("work_dir", workDir),
		zap.String("commit", hash))
	return hash, nil
}

// Push pushes the current branch to the named remote. An empty remote
// defaults to origin.
func (s *Syncer) Push(ctx context.Context, workDir, remote string) error {
	if remote == "" {
		remote = "origin"
	}

	remotes, err := s.runGit(ctx, workDir, "remote")
	if err != nil {
		return err
	}
	if !hasRemote(remotes, remote) {
		return ErrNoRemote
	}

	branch, err := s.runGit(ctx, workDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return err
	}
	branch = strings.TrimSpace(branch)

	if _, err := s.runGit(ctx, workDir, "push", remote, branch); err != nil {
		return err
	}

	s.logger.Info("pushed branch",
		zap.String("work_dir", workDir),
		zap.String("remote", remote),
		zap.String("branch", branch))
	return nil
}

// runGit executes a git command in workDir with prompting disabled and
// returns its stdout.
func (s *Syncer) runGit(ctx context.Context, workDir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "not a git repository") {
			return "", ErrNotARepo
		}
		s.logger.Debug("git command failed",
			zap.Strings("args", args),
			zap.String("stderr", msg))
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s failed: %s", args[0], msg)
	}
	return stdout.String(), nil
}

// parsePorcelain interprets `git status --porcelain=v1 --branch` output.
func parsePorcelain(out string) *Status {
	st := &Status{
		Modified:  []string{},
		Added:     []string{},
		Deleted:   []string{},
		Untracked: []string{},
	}

	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			st.Branch = parseBranch(line)
			continue
		}
		if len(line) < 4 {
			continue
		}

		code := line[:2]
		path := line[3:]
		// Renames carry "old -> new"; report the new path
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}

		switch {
		case code == "??":
			st.Untracked = append(st.Untracked, path)
		case code[0] == 'A' || code[1] == 'A':
			st.Added = append(st.Added, path)
		case code[0] == 'D' || code[1] == 'D':
			st.Deleted = append(st.Deleted, path)
		default:
			st.Modified = append(st.Modified, path)
		}
	}
	return st
}

// parseBranch extracts the local branch name from a porcelain branch
// header such as "## main...origin/main [ahead 1]".
func parseBranch(line string) string {
	branch := strings.TrimPrefix(line, "## ")
	if i := strings.Index(branch, "..."); i >= 0 {
		branch = branch[:i]
	}
	// Detached HEAD or an unborn branch
	if strings.HasPrefix(branch, "HEAD (no branch)") {
		return "HEAD"
	}
	branch = strings.TrimPrefix(branch, "No commits yet on ")
	if i := strings.Index(branch, " "); i >= 0 {
		branch = branch[:i]
	}
	return branch
}

func hasRemote(remotes, name string) bool {
	for _, r := range strings.Split(remotes, "\n") {
		if strings.TrimSpace(r) == name {
			return true
		}
	}
	return false
}
