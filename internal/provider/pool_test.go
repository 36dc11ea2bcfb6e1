package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-dev/drover/internal/config"
)

// stubProvider is a scriptable Provider for pool tests.
type stubProvider struct {
	name        string
	validateErr error
	runErr      error
	result      *Result
}

func (s *stubProvider) Name() string                     { return s.name }
func (s *stubProvider) Validate(ctx context.Context) error { return s.validateErr }
func (s *stubProvider) Run(ctx context.Context, task Task, emit func(Message)) (*Result, error) {
	if s.runErr != nil {
		return nil, s.runErr
	}
	if s.result != nil {
		return s.result, nil
	}
	return &Result{Output: "done"}, nil
}

func testFailover() config.FailoverConfig {
	return config.FailoverConfig{
		Enabled:         true,
		MaxRetries:      3,
		CooldownSeconds: 300,
		TimeoutSeconds:  300,
	}
}

func newTestPool(t *testing.T, now *time.Time, names ...string) *Pool {
	t.Helper()
	clock := func() time.Time { return *now }
	p := NewPool(testFailover(), WithPoolClock(clock))
	for i, n := range names {
		p.Add(&stubProvider{name: n}, i+1, true)
	}
	return p
}

func TestGetPrefersPriorityOrder(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPool(t, &now, "alpha", "beta")

	prov, err := p.Get("")
	require.NoError(t, err)
	assert.Equal(t, "alpha", prov.Name())

	prov, err = p.Get("beta")
	require.NoError(t, err)
	assert.Equal(t, "beta", prov.Name())
}

func TestRetriesExhaustedTriggersFailover(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPool(t, &now, "alpha", "beta")

	// Two ordinary failures degrade alpha but keep work on it.
	for attempt := 1; attempt <= 2; attempt++ {
		next, switched, err := p.HandleFailure("alpha", errors.New("connection reset"), attempt)
		require.NoError(t, err)
		assert.False(t, switched)
		assert.Equal(t, "alpha", next.Name())
	}

	// The third failure hits max_retries: alpha goes unhealthy and work
	// moves to beta.
	next, switched, err := p.HandleFailure("alpha", errors.New("connection reset"), 3)
	require.NoError(t, err)
	assert.True(t, switched)
	assert.Equal(t, "beta", next.Name())

	prov, err := p.Get("")
	require.NoError(t, err)
	assert.Equal(t, "beta", prov.Name())

	// An explicit name pins the choice even while alpha cools down.
	prov, err = p.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", prov.Name())
}

func TestRateLimitFailsOverImmediately(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPool(t, &now, "alpha", "beta")

	next, switched, err := p.HandleFailure("alpha", errors.New("429 rate limit exceeded"), 1)
	require.NoError(t, err)
	assert.True(t, switched)
	assert.Equal(t, "beta", next.Name())
}

func TestCooldownExpiryRestoresProvider(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPool(t, &now, "alpha", "beta")

	_, switched, err := p.HandleFailure("alpha", errors.New("quota exceeded"), 1)
	require.NoError(t, err)
	require.True(t, switched)

	now = now.Add(301 * time.Second)

	prov, err := p.Get("")
	require.NoError(t, err)
	assert.Equal(t, "alpha", prov.Name())
}

func TestPoolExhaustion(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPool(t, &now, "alpha")

	next, switched, err := p.HandleFailure("alpha", errors.New("rate limit"), 1)
	assert.Nil(t, next)
	assert.True(t, switched)
	assert.ErrorIs(t, err, ErrNoProviders)

	// A fresh Get still serves alpha as the last resort rather than
	// returning nothing at all.
	prov, err := p.Get("")
	require.NoError(t, err)
	assert.Equal(t, "alpha", prov.Name())
}

func TestFailoverDisabledNeverSwitches(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cfg := testFailover()
	cfg.Enabled = false
	p := NewPool(cfg, WithPoolClock(clock))
	p.Add(&stubProvider{name: "alpha"}, 1, true)
	p.Add(&stubProvider{name: "beta"}, 2, true)

	next, switched, err := p.HandleFailure("alpha", errors.New("rate limit"), 5)
	require.NoError(t, err)
	assert.False(t, switched)
	assert.Equal(t, "alpha", next.Name())
}

func TestRecordSuccessResetsHealth(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPool(t, &now, "alpha")

	_, _, err := p.HandleFailure("alpha", errors.New("flaky"), 1)
	require.NoError(t, err)

	p.RecordSuccess("alpha")

	st := p.Status()
	require.Len(t, st, 1)
	assert.Equal(t, HealthHealthy, st[0].Health)
	assert.Equal(t, 0, st[0].Failures)
	assert.Equal(t, 1, st[0].Successes)
	assert.Empty(t, st[0].LastError)
}

func TestRecordSuccessClearsCooldown(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPool(t, &now, "alpha", "beta")

	_, switched, err := p.HandleFailure("alpha", errors.New("429 too many requests"), 1)
	require.NoError(t, err)
	require.True(t, switched)

	p.RecordSuccess("alpha")

	st := p.Status()
	require.Len(t, st, 2)
	assert.Equal(t, HealthHealthy, st[0].Health)
	assert.Zero(t, st[0].CooldownRemaining)
}

func TestExhaustionUsesProviderFailureStreak(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPool(t, &now, "alpha", "beta")

	// Two failures from one session, then a fresh session's first
	// attempt: the backend's own streak hits max_retries even though
	// the attempt number started over.
	for attempt := 1; attempt <= 2; attempt++ {
		_, switched, err := p.HandleFailure("alpha", errors.New("connection reset"), attempt)
		require.NoError(t, err)
		require.False(t, switched)
	}
	next, switched, err := p.HandleFailure("alpha", errors.New("connection reset"), 1)
	require.NoError(t, err)
	assert.True(t, switched)
	assert.Equal(t, "beta", next.Name())

	// A success resets the streak, so the next failure only degrades.
	p.RecordSuccess("alpha")
	_, switched, err = p.HandleFailure("alpha", errors.New("connection reset"), 1)
	require.NoError(t, err)
	assert.False(t, switched)
}

func TestStatusTracksRequestAndErrorCounts(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPool(t, &now, "alpha", "beta")

	p.RecordSuccess("alpha")
	_, _, err := p.HandleFailure("alpha", errors.New("429 rate limit exceeded"), 1)
	require.NoError(t, err)
	_, _, err = p.HandleFailure("alpha", errors.New("500 internal server error"), 1)
	require.NoError(t, err)

	st := p.Status()
	require.Len(t, st, 2)
	assert.Equal(t, 3, st[0].Requests)
	assert.Equal(t, 1, st[0].ErrorCounts["rate_limit"])
	assert.Equal(t, 1, st[0].ErrorCounts["server"])
}

func TestValidateAllMarksFailures(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	p := NewPool(testFailover(), WithPoolClock(clock))
	p.Add(&stubProvider{name: "good"}, 1, true)
	p.Add(&stubProvider{name: "bad", validateErr: errors.New("no such binary")}, 2, true)
	p.Add(&stubProvider{name: "off"}, 3, false)

	results := p.ValidateAll(context.Background())
	require.Len(t, results, 2)
	assert.NoError(t, results["good"])
	assert.Error(t, results["bad"])

	prov, err := p.Get("")
	require.NoError(t, err)
	assert.Equal(t, "good", prov.Name())
}

func TestDisabledProviderNeverServes(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	p := NewPool(testFailover(), WithPoolClock(clock))
	p.Add(&stubProvider{name: "off"}, 1, false)
	p.Add(&stubProvider{name: "on"}, 2, true)

	prov, err := p.Get("off")
	require.NoError(t, err)
	assert.Equal(t, "on", prov.Name())
}

func TestFailoverHistoryRecorded(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPool(t, &now, "alpha", "beta")

	_, _, err := p.HandleFailure("alpha", errors.New("too many requests"), 1)
	require.NoError(t, err)

	hist := p.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "alpha", hist[0].From)
	assert.Equal(t, "beta", hist[0].To)
	assert.Equal(t, "rate limited", hist[0].Reason)
}
