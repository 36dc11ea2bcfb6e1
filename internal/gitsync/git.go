// Package gitsync serializes git publication of session work. All
// sessions in a process share one working tree, so staging, committing,
// and pushing happen under a cross-process lock.
package gitsync

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner is the subset of git operations the serializer needs.
type Runner interface {
	// CurrentBranch returns the checked-out branch name.
	CurrentBranch(ctx context.Context) (string, error)
	// Status returns git status --porcelain output.
	Status(ctx context.Context) (string, error)
	// AddAll stages every change in the tree.
	AddAll(ctx context.Context) error
	// Commit creates a commit with the given message.
	Commit(ctx context.Context, message string) error
	// PullRebase pulls the branch from origin with --rebase.
	PullRebase(ctx context.Context, branch string) error
	// RebaseAbort aborts an in-progress rebase.
	RebaseAbort(ctx context.Context) error
	// Push pushes the branch to origin.
	Push(ctx context.Context, branch string) error
}

// ExecRunner implements Runner by shelling out to git.
type ExecRunner struct {
	repoPath string
}

// NewRunner creates a git runner for the repository at the given path.
func NewRunner(repoPath string) *ExecRunner {
	return &ExecRunner{repoPath: repoPath}
}

func (r *ExecRunner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentBranch returns the checked-out branch name.
func (r *ExecRunner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// Status returns git status --porcelain output.
func (r *ExecRunner) Status(ctx context.Context) (string, error) {
	return r.run(ctx, "status", "--porcelain")
}

// AddAll stages every change in the tree.
func (r *ExecRunner) AddAll(ctx context.Context) error {
	_, err := r.run(ctx, "add", "-A")
	return err
}

// Commit creates a commit with the given message.
func (r *ExecRunner) Commit(ctx context.Context, message string) error {
	_, err := r.run(ctx, "commit", "-m", message)
	return err
}

// PullRebase pulls the branch from origin with --rebase.
func (r *ExecRunner) PullRebase(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "pull", "--rebase", "origin", branch)
	return err
}

// RebaseAbort aborts an in-progress rebase.
func (r *ExecRunner) RebaseAbort(ctx context.Context) error {
	_, err := r.run(ctx, "rebase", "--abort")
	return err
}

// Push pushes the branch to origin.
func (r *ExecRunner) Push(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "push", "origin", branch)
	return err
}

var _ Runner = (*ExecRunner)(nil)
