// Package claims implements lease-based claims on work items.
//
// A claim is a time-bounded exclusive reservation of one issue by one
// session. Claims live in a single JSON file guarded by a file mutex;
// at most one claimed-status record may exist per issue, and a record
// past its TTL is treated as absent by every new claim attempt.
package claims

import (
	"time"
)

// DefaultTTL is how long a claim is honored before it is considered
// abandoned and reclaimable.
const DefaultTTL = 30 * time.Minute

// DefaultDeprioritizeThreshold is the failure count at which an issue
// is demoted below healthy candidates in claim ordering.
const DefaultDeprioritizeThreshold = 3

// Status of a claim record.
type Status string

const (
	// StatusClaimed means a session is actively working the issue.
	StatusClaimed Status = "claimed"
	// StatusFailed means the last session failed without closing the
	// issue. The record is kept until TTL expiry so the issue is not
	// immediately reclaimed by the same failing logic.
	StatusFailed Status = "failed"
)

// Claim is one session's lease on an issue.
type Claim struct {
	Issue          int        `json:"-"`
	SessionID      string     `json:"session_id"`
	ClaimedAt      time.Time  `json:"claimed_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Title          string     `json:"title"`
	Status         Status     `json:"status"`
	FailureCount   int        `json:"failure_count"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
	FailureReasons []string   `json:"failure_reasons"`
}

// NewClaim creates a claimed-status lease starting at now.
func NewClaim(issue int, sessionID, title string, now time.Time, ttl time.Duration) *Claim {
	return &Claim{
		Issue:          issue,
		SessionID:      sessionID,
		ClaimedAt:      now,
		ExpiresAt:      now.Add(ttl),
		Title:          title,
		Status:         StatusClaimed,
		FailureReasons: []string{},
	}
}

// IsStale reports whether the claim's TTL has elapsed.
func (c *Claim) IsStale(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// IsActive reports whether the claim blocks new claims on its issue.
func (c *Claim) IsActive(now time.Time) bool {
	return c.Status == StatusClaimed && !c.IsStale(now)
}

// Age returns how long ago the claim was acquired.
func (c *Claim) Age(now time.Time) time.Duration {
	return now.Sub(c.ClaimedAt)
}

// MarkFailed records one failed attempt with a reason.
func (c *Claim) MarkFailed(reason string, now time.Time) {
	c.Status = StatusFailed
	c.FailureCount++
	c.FailedAt = &now
	c.FailureReasons = append(c.FailureReasons, reason)
}
