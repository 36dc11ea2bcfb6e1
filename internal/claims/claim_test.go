package claims

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClaimExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewClaim(7, "sess-a", "Add login form", now, DefaultTTL)

	assert.False(t, c.IsStale(now))
	assert.False(t, c.IsStale(now.Add(29*time.Minute)))
	assert.True(t, c.IsStale(now.Add(30*time.Minute)), "boundary counts as stale")
	assert.True(t, c.IsStale(now.Add(40*time.Minute)))

	assert.Equal(t, now.Add(DefaultTTL), c.ExpiresAt)
}

func TestClaimIsActive(t *testing.T) {
	now := time.Now()
	c := NewClaim(7, "sess-a", "", now, DefaultTTL)
	assert.True(t, c.IsActive(now))

	c.MarkFailed("timeout", now)
	assert.False(t, c.IsActive(now), "failed claims are not active")
}

func TestMarkFailed(t *testing.T) {
	now := time.Now()
	c := NewClaim(7, "sess-a", "", now, DefaultTTL)

	c.MarkFailed("content_filter", now)
	c.MarkFailed("timeout", now.Add(time.Minute))

	assert.Equal(t, StatusFailed, c.Status)
	assert.Equal(t, 2, c.FailureCount)
	assert.Equal(t, []string{"content_filter", "timeout"}, c.FailureReasons)
	assert.Equal(t, now.Add(time.Minute), *c.FailedAt)
}
