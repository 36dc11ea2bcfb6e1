// Package recovery classifies failures from external backends into
// recovery actions. Every failure path in the orchestrator goes through
// Classify or ClassifyErr before any retry decision is made; nothing
// else in the codebase is allowed to string-match errors.
package recovery

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Source identifies which external system produced an error.
type Source string

const (
	// SourceAgent is the AI agent execution backend.
	SourceAgent Source = "agent"
	// SourceTracker is the issue tracker backend.
	SourceTracker Source = "tracker"
)

// Action is the suggested recovery action for a classified error.
type Action string

const (
	// ActionRotateToken suggests switching to a different credential.
	ActionRotateToken Action = "rotate_token"
	// ActionWaitAndRetry suggests exponential backoff then retry.
	ActionWaitAndRetry Action = "wait_and_retry"
	// ActionPullAndRetry suggests a git pull before retrying.
	ActionPullAndRetry Action = "pull_and_retry"
	// ActionManualReview requires human intervention.
	ActionManualReview Action = "manual_review"
	// ActionAbort means the operation cannot be recovered.
	ActionAbort Action = "abort"
)

// MaxRetryDelay caps the exponential backoff.
const MaxRetryDelay = 300 * time.Second

// minBaseDelay is the floor for the backoff base.
const minBaseDelay = 5 * time.Second

// ClassifiedError carries a failure plus its recovery policy.
type ClassifiedError struct {
	Source      Source
	Code        int
	Message     string
	Recoverable bool
	Action      Action
	// RetryAfter is the base backoff delay; zero when no retry applies.
	RetryAfter time.Duration
	// Raw is the original error text.
	Raw string
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.Source, e.Code, e.Message)
}

// ShouldRetry reports whether the error warrants an automated retry.
func (e *ClassifiedError) ShouldRetry() bool {
	if !e.Recoverable {
		return false
	}
	switch e.Action {
	case ActionRotateToken, ActionWaitAndRetry, ActionPullAndRetry:
		return true
	}
	return false
}

type classification struct {
	message     string
	recoverable bool
	action      Action
	retryAfter  time.Duration
}

type tableKey struct {
	source Source
	code   int
}

// table is the single source of truth for recovery behavior, keyed by
// (source, status code). The same code can mean different things per source.
var table = map[tableKey]classification{
	// Agent backend errors.
	{SourceAgent, 400}: {"bad request - content may have been filtered", false, ActionManualReview, 0},
	{SourceAgent, 401}: {"authentication failed", true, ActionRotateToken, 0},
	{SourceAgent, 403}: {"forbidden - check API permissions", false, ActionAbort, 0},
	{SourceAgent, 429}: {"rate limited", true, ActionWaitAndRetry, 60 * time.Second},
	{SourceAgent, 500}: {"server error", true, ActionWaitAndRetry, 30 * time.Second},
	{SourceAgent, 529}: {"overloaded", true, ActionWaitAndRetry, 120 * time.Second},

	// Tracker backend errors.
	{SourceTracker, 401}: {"authentication failed - check tracker credentials", true, ActionRotateToken, 0},
	{SourceTracker, 403}: {"forbidden - may be rate limited or insufficient permissions", true, ActionWaitAndRetry, 60 * time.Second},
	{SourceTracker, 404}: {"not found - resource may have been deleted", false, ActionAbort, 0},
	{SourceTracker, 409}: {"conflict - may need to pull latest", true, ActionPullAndRetry, 5 * time.Second},
	{SourceTracker, 422}: {"validation failed - check request format", false, ActionAbort, 0},
	{SourceTracker, 429}: {"rate limited", true, ActionWaitAndRetry, 60 * time.Second},
	{SourceTracker, 500}: {"server error", true, ActionWaitAndRetry, 30 * time.Second},
	{SourceTracker, 502}: {"bad gateway", true, ActionWaitAndRetry, 30 * time.Second},
	{SourceTracker, 503}: {"service unavailable", true, ActionWaitAndRetry, 60 * time.Second},
}

// Classify builds a ClassifiedError from a source and status code.
// Unknown codes default to wait-and-retry for server errors (>= 500)
// and abort otherwise.
func Classify(source Source, code int, raw string) *ClassifiedError {
	if c, ok := table[tableKey{source, code}]; ok {
		return &ClassifiedError{
			Source:      source,
			Code:        code,
			Message:     c.message,
			Recoverable: c.recoverable,
			Action:      c.action,
			RetryAfter:  c.retryAfter,
			Raw:         raw,
		}
	}

	recoverable := code >= 500
	action := ActionAbort
	var retryAfter time.Duration
	if recoverable {
		action = ActionWaitAndRetry
		retryAfter = 30 * time.Second
	}
	return &ClassifiedError{
		Source:      source,
		Code:        code,
		Message:     fmt.Sprintf("unknown error (code %d)", code),
		Recoverable: recoverable,
		Action:      action,
		RetryAfter:  retryAfter,
		Raw:         raw,
	}
}

// statusCoder is implemented by errors that carry an HTTP status code,
// e.g. the Anthropic SDK's apierror and go-github's ErrorResponse
// wrappers expose one through their embedded responses.
type statusCoder interface {
	StatusCode() int
}

var codePattern = regexp.MustCompile(`(?:status|http)?\s*([1-5]\d{2})`)

// ClassifyErr classifies an arbitrary error. It extracts a status code
// from the error when one is attached, then falls back to scanning the
// message for a 3-digit code, then to keyword heuristics.
func ClassifyErr(source Source, err error) *ClassifiedError {
	raw := err.Error()

	code := 0
	var sc statusCoder
	if errors.As(err, &sc) {
		code = sc.StatusCode()
	}

	if code == 0 {
		if m := codePattern.FindStringSubmatch(strings.ToLower(raw)); m != nil {
			code, _ = strconv.Atoi(m[1])
		}
	}

	if code == 0 {
		lower := strings.ToLower(raw)
		switch {
		case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many"):
			code = 429
		case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "authentication"):
			code = 401
		case strings.Contains(lower, "not found"):
			code = 404
		case strings.Contains(lower, "timeout"):
			code = 504
		default:
			code = 500
		}
	}

	return Classify(source, code, raw)
}

// rateLimitKeywords flag rate limiting even when the code is not 429.
var rateLimitKeywords = []string{"rate limit", "rate_limit", "too many requests", "quota"}

// IsRateLimit reports whether the error indicates rate limiting.
func IsRateLimit(e *ClassifiedError) bool {
	if e.Code == 429 {
		return true
	}
	msg := strings.ToLower(e.Message)
	raw := strings.ToLower(e.Raw)
	for _, kw := range rateLimitKeywords {
		if strings.Contains(msg, kw) || strings.Contains(raw, kw) {
			return true
		}
	}
	return false
}

// RetryDelay returns the backoff before retry attempt (0-indexed):
// max(base, 5s) * 2^attempt, capped at MaxRetryDelay.
func RetryDelay(e *ClassifiedError, attempt int) time.Duration {
	base := e.RetryAfter
	if base < minBaseDelay {
		base = minBaseDelay
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= MaxRetryDelay {
			return MaxRetryDelay
		}
	}
	if d > MaxRetryDelay {
		return MaxRetryDelay
	}
	return d
}
