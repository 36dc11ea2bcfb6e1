// Package provider abstracts the execution backends that work on
// claimed issues. A Provider runs one task to completion and streams
// progress messages back; health tracking and failover between
// providers live in the Pool.
package provider

import (
	"context"
	"encoding/json"
	"errors"
)

// MessageKind discriminates streamed progress messages.
type MessageKind string

const (
	KindText           MessageKind = "text"
	KindToolInvocation MessageKind = "tool_invocation"
	KindToolResult     MessageKind = "tool_result"
	KindCompletion     MessageKind = "completion"
)

// Message is one streamed progress event from a running task.
type Message struct {
	Kind MessageKind
	Text string
	// Tool and Input are set for tool_invocation and tool_result.
	Tool  string
	Input json.RawMessage
}

// Task describes one unit of work handed to a provider.
type Task struct {
	// IssueNumber and Title identify the claimed issue.
	IssueNumber int
	Title       string
	// Prompt is the full instruction text for the backend.
	Prompt string
	// SystemPrompt frames the backend's role; may be empty for
	// subprocess backends that carry their own.
	SystemPrompt string
	// WorkDir is the repository checkout the task operates on.
	WorkDir string
}

// Result summarizes a completed task execution.
type Result struct {
	// Output is the backend's final response text.
	Output string
	// ToolCalls counts tool invocations during the run. Subprocess
	// backends that don't report tool activity leave it zero.
	ToolCalls int
	TokensIn  int64
	TokensOut int64
	Turns     int
}

// ErrNoProviders is returned by the pool when every backend is
// exhausted or disabled.
var ErrNoProviders = errors.New("no usable providers available")

// Provider executes tasks against one backend.
type Provider interface {
	// Name returns the configured provider name ("claude", "codex", ...).
	Name() string
	// Validate checks the backend is reachable and credentialed.
	Validate(ctx context.Context) error
	// Run executes the task, invoking emit for each progress message.
	// emit may be nil.
	Run(ctx context.Context, task Task, emit func(Message)) (*Result, error)
}
