package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

const (
	bashDefaultTimeout = 2 * time.Minute
	maxToolOutput      = 30000
)

// toolRunner executes tool calls issued by the SDK-backed agent loop
// against the task's working directory.
type toolRunner struct {
	workDir string
}

// toolReply is the outcome of a single tool call.
type toolReply struct {
	content string
	isError bool
}

func toolError(format string, args ...any) toolReply {
	return toolReply{content: fmt.Sprintf(format, args...), isError: true}
}

func (r *toolRunner) run(ctx context.Context, name string, input json.RawMessage) toolReply {
	switch name {
	case "read_file":
		return r.readFile(input)
	case "write_file":
		return r.writeFile(input)
	case "edit_file":
		return r.editFile(input)
	case "bash":
		return r.bash(ctx, input)
	default:
		return toolError("unknown tool %q", name)
	}
}

func (r *toolRunner) readFile(input json.RawMessage) toolReply {
	var p struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return toolError("bad input: %v", err)
	}

	data, err := os.ReadFile(r.resolve(p.Path))
	if err != nil {
		return toolError("read: %v", err)
	}

	lines := strings.Split(string(data), "\n")
	start := 0
	if p.Offset > 1 {
		start = p.Offset - 1
		if start >= len(lines) {
			return toolError("offset %d past end of file (%d lines)", p.Offset, len(lines))
		}
	}
	end := len(lines)
	if p.Limit > 0 && start+p.Limit < end {
		end = start + p.Limit
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	return toolReply{content: b.String()}
}

func (r *toolRunner) writeFile(input json.RawMessage) toolReply {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return toolError("bad input: %v", err)
	}

	path := r.resolve(p.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return toolError("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(p.Content), 0644); err != nil {
		return toolError("write: %v", err)
	}
	return toolReply{content: fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path)}
}

func (r *toolRunner) editFile(input json.RawMessage) toolReply {
	var p struct {
		Path       string `json:"path"`
		OldText    string `json:"old_text"`
		NewText    string `json:"new_text"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return toolError("bad input: %v", err)
	}

	path := r.resolve(p.Path)
	data, err := os.ReadFile(path)
	if err != nil {
		return toolError("read: %v", err)
	}
	content := string(data)

	n := strings.Count(content, p.OldText)
	switch {
	case n == 0:
		return toolError("old_text not found in %s", p.Path)
	case n > 1 && !p.ReplaceAll:
		return toolError("old_text appears %d times; pass replace_all to replace every occurrence", n)
	}

	if p.ReplaceAll {
		content = strings.ReplaceAll(content, p.OldText, p.NewText)
	} else {
		content = strings.Replace(content, p.OldText, p.NewText, 1)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return toolError("write: %v", err)
	}
	if p.ReplaceAll {
		return toolReply{content: fmt.Sprintf("replaced %d occurrences", n)}
	}
	return toolReply{content: "edit applied"}
}

func (r *toolRunner) bash(ctx context.Context, input json.RawMessage) toolReply {
	var p struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return toolError("bad input: %v", err)
	}

	timeout := bashDefaultTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", p.Command)
	cmd.Dir = r.workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return toolError("command timed out after %v:\n%s", timeout, truncate(string(out)))
		}
		return toolError("%s\n%v", truncate(string(out)), err)
	}
	return toolReply{content: truncate(string(out))}
}

func (r *toolRunner) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.workDir, path)
}

func truncate(s string) string {
	if len(s) > maxToolOutput {
		return s[:maxToolOutput] + "\n... (truncated)"
	}
	return s
}

// agentTools returns the tool schemas offered to the SDK-backed loop.
func agentTools() []anthropic.ToolUnionParam {
	str := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "description": desc}
	}
	num := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "integer", "description": desc}
	}

	return []anthropic.ToolUnionParam{
		{
			OfTool: &anthropic.ToolParam{
				Name:        "read_file",
				Description: anthropic.String("Read a file, returning numbered lines."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path":   str("File path, absolute or relative to the work dir"),
						"offset": num("1-indexed line to start from (optional)"),
						"limit":  num("Maximum lines to return (optional)"),
					},
					Required: []string{"path"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "write_file",
				Description: anthropic.String("Write a file, creating parent directories as needed."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path":    str("File path to write"),
						"content": str("Full file content"),
					},
					Required: []string{"path", "content"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "edit_file",
				Description: anthropic.String("Replace text in a file. old_text must be unique unless replace_all is set."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path":     str("File path to edit"),
						"old_text": str("Exact text to replace"),
						"new_text": str("Replacement text"),
						"replace_all": map[string]interface{}{
							"type":        "boolean",
							"description": "Replace every occurrence",
						},
					},
					Required: []string{"path", "old_text", "new_text"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "bash",
				Description: anthropic.String("Run a bash command in the work dir and return combined output."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"command":         str("Command to run"),
						"timeout_seconds": num("Timeout in seconds (default 120)"),
					},
					Required: []string{"command"},
				},
			},
		},
	}
}
