package claims

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-dev/drover/internal/lockfile"
	"github.com/drover-dev/drover/internal/tracker"
)

// fakeSource is an in-memory tracker.Source.
type fakeSource struct {
	mu     sync.Mutex
	issues []tracker.Issue
	closed map[int]bool
}

func (f *fakeSource) ListOpenIssues(ctx context.Context) ([]tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tracker.Issue, len(f.issues))
	copy(out, f.issues)
	return out, nil
}

func (f *fakeSource) IsClosed(ctx context.Context, number int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[number], nil
}

func (f *fakeSource) MarkBlocked(ctx context.Context, number int, note string) error {
	return nil
}

func newTestManager(t *testing.T, source tracker.Source, opts ...ManagerOption) *Manager {
	t.Helper()
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "claims.json"))
	lock := lockfile.New(filepath.Join(dir, "claims.lock"))
	return NewManager(store, lock, source, opts...)
}

func TestClaimAndRelease(t *testing.T) {
	source := &fakeSource{issues: []tracker.Issue{{Number: 7, Title: "Add login form"}}}
	m := newTestManager(t, source)
	ctx := context.Background()

	issue, ok, err := m.Claim(ctx, "sess-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, issue)

	// Same issue cannot be claimed while the lease is live.
	_, ok, err = m.Claim(ctx, "sess-b")
	require.NoError(t, err)
	assert.False(t, ok)

	// Successful release deletes the record and frees the issue.
	require.NoError(t, m.Release(ctx, 7, "sess-a", true, ""))

	issue, ok, err = m.Claim(ctx, "sess-b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, issue)
}

func TestClaimNoWork(t *testing.T) {
	m := newTestManager(t, &fakeSource{})

	_, ok, err := m.Claim(context.Background(), "sess-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimSkipsMetaIssues(t *testing.T) {
	source := &fakeSource{issues: []tracker.Issue{
		{Number: 1, Title: "[META] Project Progress Tracker"},
		{Number: 2, Title: "Implement search"},
	}}
	m := newTestManager(t, source)

	issue, ok, err := m.Claim(context.Background(), "sess-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, issue)
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	source := &fakeSource{issues: []tracker.Issue{{Number: 7, Title: "only one"}}}
	m := newTestManager(t, source)

	const sessions = 8
	results := make(chan bool, sessions)

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := m.Claim(context.Background(), string(rune('a'+i)))
			require.NoError(t, err)
			results <- ok
		}(i)
	}
	wg.Wait()
	close(results)

	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one session may win the claim")
}

func TestStaleClaimPurgedAndReclaimable(t *testing.T) {
	source := &fakeSource{issues: []tracker.Issue{{Number: 5, Title: "stuck"}}}

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	m := newTestManager(t, source, WithClock(clock))
	ctx := context.Background()

	_, ok, err := m.Claim(ctx, "sess-a")
	require.NoError(t, err)
	require.True(t, ok)

	// 40 minutes later the 30-minute lease is stale; the next claim call
	// purges it and hands the issue to a new session.
	mu.Lock()
	current = current.Add(40 * time.Minute)
	mu.Unlock()

	issue, ok, err := m.Claim(ctx, "sess-b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, issue)

	active, err := m.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "sess-b", active[0].SessionID)
}

func TestFailedReleaseBlocksUntilTTL(t *testing.T) {
	source := &fakeSource{issues: []tracker.Issue{{Number: 9, Title: "poison"}}}

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	m := newTestManager(t, source, WithClock(clock))
	ctx := context.Background()

	_, ok, err := m.Claim(ctx, "sess-a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Release(ctx, 9, "sess-a", false, "content_filter"))

	// The failed record is kept and blocks an immediate reclaim.
	_, ok, err = m.Claim(ctx, "sess-b")
	require.NoError(t, err)
	assert.False(t, ok)

	// After TTL expiry the issue is claimable again, with its failure
	// history carried into the fresh claim.
	mu.Lock()
	current = current.Add(31 * time.Minute)
	mu.Unlock()

	issue, ok, err := m.Claim(ctx, "sess-b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, issue)

	active, err := m.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 1, active[0].FailureCount)
	assert.Equal(t, []string{"content_filter"}, active[0].FailureReasons)
}

func TestReleaseFailureIncrementsExactlyOnce(t *testing.T) {
	source := &fakeSource{issues: []tracker.Issue{{Number: 3, Title: "x"}}}
	m := newTestManager(t, source)
	ctx := context.Background()

	_, ok, err := m.Claim(ctx, "sess-a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Release(ctx, 3, "sess-a", false, "timeout"))

	all, err := m.store.Load()
	require.NoError(t, err)
	require.Contains(t, all, 3)
	assert.Equal(t, StatusFailed, all[3].Status)
	assert.Equal(t, 1, all[3].FailureCount)
}

func TestReleaseFromNonHolderIsNoop(t *testing.T) {
	source := &fakeSource{issues: []tracker.Issue{{Number: 4, Title: "x"}}}
	m := newTestManager(t, source)
	ctx := context.Background()

	_, ok, err := m.Claim(ctx, "sess-a")
	require.NoError(t, err)
	require.True(t, ok)

	// A late release from a session that lost the lease must not touch
	// the current holder's record.
	require.NoError(t, m.Release(ctx, 4, "sess-stale", true, ""))

	active, err := m.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "sess-a", active[0].SessionID)
}

func TestDeprioritizedIssuesPickedLast(t *testing.T) {
	source := &fakeSource{issues: []tracker.Issue{
		{Number: 1, Title: "flaky"},
		{Number: 2, Title: "healthy"},
	}}

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	m := newTestManager(t, source, WithClock(clock))
	ctx := context.Background()

	// Fail issue #1 three times, expiring the lease between attempts.
	for i := 0; i < 3; i++ {
		issue, ok, err := m.Claim(ctx, "sess-a")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 1, issue, "attempt %d", i)
		require.NoError(t, m.Release(ctx, 1, "sess-a", false, "timeout"))

		mu.Lock()
		current = current.Add(31 * time.Minute)
		mu.Unlock()
	}

	deprioritized, err := m.IsDeprioritized(ctx, 1)
	require.NoError(t, err)
	assert.True(t, deprioritized)

	// Issue #2 must now be preferred even though #1 lists first.
	issue, ok, err := m.Claim(ctx, "sess-c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, issue)

	// With #2 claimed, the deprioritized issue is still attempted as a
	// last resort rather than excluded outright.
	issue, ok, err = m.Claim(ctx, "sess-d")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, issue)
}

func TestMarkFailedKeepsClaimStatus(t *testing.T) {
	source := &fakeSource{issues: []tracker.Issue{{Number: 6, Title: "x"}}}
	m := newTestManager(t, source)
	ctx := context.Background()

	_, ok, err := m.Claim(ctx, "sess-a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.MarkFailed(ctx, 6, "sess-a", "transient"))

	all, err := m.store.Load()
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, all[6].Status)
	assert.Equal(t, 1, all[6].FailureCount)
}
