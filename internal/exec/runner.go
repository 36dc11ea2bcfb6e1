package exec

import (
	"context"
	"io"
	"os/exec"
)

// Runner implements CommandRunner using os/exec.
type Runner struct {
	// Env entries are appended to the inherited environment.
	Env []string
}

// NewRunner creates a Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Run executes a command and returns combined stdout/stderr.
func (r *Runner) Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error) {
	return r.RunInput(ctx, workDir, nil, name, args...)
}

// RunInput executes a command with stdin attached.
func (r *Runner) RunInput(ctx context.Context, workDir string, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	if stdin != nil {
		cmd.Stdin = stdin
	}
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	return cmd.CombinedOutput()
}

var _ CommandRunner = (*Runner)(nil)
