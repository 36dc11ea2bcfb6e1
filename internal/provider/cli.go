package provider

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/drover-dev/drover/internal/config"
	execx "github.com/drover-dev/drover/internal/exec"
	"github.com/drover-dev/drover/internal/logging"
)

// CLI runs tasks through an external coding-agent binary (codex,
// gemini, or anything else that takes a prompt on stdin and prints its
// work to stdout).
type CLI struct {
	name    string
	command string
	args    []string
	runner  execx.CommandRunner
	log     *zap.SugaredLogger
}

// NewCLI builds a subprocess-backed provider from its config entry.
func NewCLI(entry config.ProviderEntry, runner execx.CommandRunner) (*CLI, error) {
	if entry.Command == "" {
		return nil, fmt.Errorf("provider %s: no command configured", entry.Name)
	}
	if runner == nil {
		runner = execx.NewRunner()
	}
	return &CLI{
		name:    entry.Name,
		command: entry.Command,
		args:    entry.Args,
		runner:  runner,
		log:     logging.Named("provider." + entry.Name),
	}, nil
}

func (c *CLI) Name() string { return c.name }

// Validate checks the binary is on PATH.
func (c *CLI) Validate(ctx context.Context) error {
	if _, err := exec.LookPath(c.command); err != nil {
		return fmt.Errorf("provider %s: %w", c.name, err)
	}
	return nil
}

// Run feeds the prompt to the subprocess and treats its output as the
// final response. Subprocess backends don't report per-tool activity,
// so ToolCalls stays zero.
func (c *CLI) Run(ctx context.Context, task Task, emit func(Message)) (*Result, error) {
	prompt := task.Prompt
	if task.SystemPrompt != "" {
		prompt = task.SystemPrompt + "\n\n" + prompt
	}

	out, err := c.runner.RunInput(ctx, task.WorkDir, strings.NewReader(prompt), c.command, c.args...)
	output := string(out)
	if err != nil {
		return &Result{Output: output}, fmt.Errorf("%s exited: %w: %s", c.command, err, firstLine(output))
	}

	if emit != nil {
		emit(Message{Kind: KindText, Text: output})
		emit(Message{Kind: KindCompletion, Text: output})
	}
	return &Result{Output: output, Turns: 1}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
