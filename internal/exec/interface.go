// Package exec wraps external command execution behind an interface so
// git and subprocess providers can be faked in tests.
package exec

import (
	"context"
	"io"
)

// CommandRunner runs external commands.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr.
	// The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error)

	// RunInput executes a command with stdin attached and returns
	// combined stdout/stderr.
	RunInput(ctx context.Context, workDir string, stdin io.Reader, name string, args ...string) ([]byte, error)
}
