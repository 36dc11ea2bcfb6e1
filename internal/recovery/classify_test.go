package recovery

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyKnownCodes(t *testing.T) {
	tests := []struct {
		source      Source
		code        int
		recoverable bool
		action      Action
		retryAfter  time.Duration
	}{
		{SourceAgent, 401, true, ActionRotateToken, 0},
		{SourceAgent, 403, false, ActionAbort, 0},
		{SourceAgent, 429, true, ActionWaitAndRetry, 60 * time.Second},
		{SourceAgent, 529, true, ActionWaitAndRetry, 120 * time.Second},
		{SourceTracker, 404, false, ActionAbort, 0},
		{SourceTracker, 409, true, ActionPullAndRetry, 5 * time.Second},
		{SourceTracker, 422, false, ActionAbort, 0},
		{SourceTracker, 503, true, ActionWaitAndRetry, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.source, tt.code), func(t *testing.T) {
			e := Classify(tt.source, tt.code, "")
			assert.Equal(t, tt.recoverable, e.Recoverable)
			assert.Equal(t, tt.action, e.Action)
			assert.Equal(t, tt.retryAfter, e.RetryAfter)
		})
	}
}

func TestClassifyUnknownCode(t *testing.T) {
	server := Classify(SourceAgent, 598, "")
	assert.True(t, server.Recoverable)
	assert.Equal(t, ActionWaitAndRetry, server.Action)

	client := Classify(SourceAgent, 418, "")
	assert.False(t, client.Recoverable)
	assert.Equal(t, ActionAbort, client.Action)
}

func TestRecoverableMatchesAction(t *testing.T) {
	// Invariant: recoverable iff action is one of the retry actions.
	for key := range table {
		e := Classify(key.source, key.code, "")
		assert.Equal(t, e.Recoverable, e.ShouldRetry(), "code %d source %s", key.code, key.source)
	}
}

type httpError struct {
	code int
}

func (e *httpError) Error() string   { return "request failed" }
func (e *httpError) StatusCode() int { return e.code }

func TestClassifyErrStatusCoder(t *testing.T) {
	e := ClassifyErr(SourceAgent, &httpError{code: 429})
	assert.Equal(t, 429, e.Code)
	assert.Equal(t, ActionWaitAndRetry, e.Action)
}

func TestClassifyErrCodeInMessage(t *testing.T) {
	e := ClassifyErr(SourceTracker, errors.New("unexpected status 409 from server"))
	assert.Equal(t, 409, e.Code)
	assert.Equal(t, ActionPullAndRetry, e.Action)
}

func TestClassifyErrHeuristics(t *testing.T) {
	tests := []struct {
		msg  string
		code int
	}{
		{"rate limit exceeded, slow down", 429},
		{"authentication token rejected", 401},
		{"resource not found", 404},
		{"timeout waiting for backend", 504},
		{"something exploded", 500},
	}

	for _, tt := range tests {
		e := ClassifyErr(SourceAgent, errors.New(tt.msg))
		assert.Equal(t, tt.code, e.Code, "message %q", tt.msg)
	}
}

func TestRetryDelayBackoff(t *testing.T) {
	// Tracker 409 has a 5s base; attempt 1 doubles it.
	e := Classify(SourceTracker, 409, "")
	assert.Equal(t, 5*time.Second, RetryDelay(e, 0))
	assert.Equal(t, 10*time.Second, RetryDelay(e, 1))
	assert.Equal(t, 20*time.Second, RetryDelay(e, 2))
}

func TestRetryDelayMonotonicAndCapped(t *testing.T) {
	e := Classify(SourceAgent, 529, "")

	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := RetryDelay(e, attempt)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		require.LessOrEqual(t, d, MaxRetryDelay)
		prev = d
	}
	assert.Equal(t, MaxRetryDelay, RetryDelay(e, 20))
}

func TestRetryDelayMinimumBase(t *testing.T) {
	// Zero-base errors still back off from the 5s floor.
	e := Classify(SourceAgent, 401, "")
	assert.Equal(t, 5*time.Second, RetryDelay(e, 0))
}

func TestIsRateLimit(t *testing.T) {
	assert.True(t, IsRateLimit(Classify(SourceAgent, 429, "")))
	assert.True(t, IsRateLimit(Classify(SourceAgent, 500, "quota exceeded for this billing period")))
	assert.False(t, IsRateLimit(Classify(SourceAgent, 500, "disk on fire")))
}
