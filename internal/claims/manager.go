package claims

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drover-dev/drover/internal/lockfile"
	"github.com/drover-dev/drover/internal/logging"
	"github.com/drover-dev/drover/internal/tracker"
)

// Manager is the business logic over the claim store: atomic claim
// acquisition with lazy stale cleanup, ownership-checked release, and
// failure-driven deprioritization.
type Manager struct {
	store     *Store
	lock      *lockfile.Mutex
	source    tracker.Source
	ttl       time.Duration
	threshold int
	log       *zap.SugaredLogger

	// now is swappable for tests.
	now func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithTTL overrides the claim TTL.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = ttl }
}

// WithDeprioritizeThreshold overrides the failure threshold.
func WithDeprioritizeThreshold(n int) ManagerOption {
	return func(m *Manager) { m.threshold = n }
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. The lock must be dedicated to the
// claim store and never shared with the git serializer.
func NewManager(store *Store, lock *lockfile.Mutex, source tracker.Source, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		lock:      lock,
		source:    source,
		ttl:       DefaultTTL,
		threshold: DefaultDeprioritizeThreshold,
		log:       logging.Named("claims"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured claim TTL.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Claim atomically claims the next available issue for the session.
// Under the claim lock it purges stale claims, filters out actively
// claimed and meta issues, prefers issues below the failure threshold,
// and persists a new claim for the first remaining candidate.
// Returns (0, false, nil) when no work is available.
func (m *Manager) Claim(ctx context.Context, sessionID string) (int, bool, error) {
	var (
		claimed int
		ok      bool
	)

	err := m.lock.With(ctx, func() error {
		now := m.now()

		all, err := m.store.Load()
		if err != nil {
			return err
		}

		// Lazy cleanup: a stale record no longer blocks its issue. Records
		// with no failure history are dropped outright; failed ones are kept
		// so deprioritization survives TTL expiry, but they count as absent
		// for every claim decision below.
		dirty := false
		for _, issue := range sortedIssues(all) {
			c := all[issue]
			if c.IsStale(now) && c.FailureCount == 0 {
				m.log.Infow("purging stale claim",
					"issue", issue, "session", c.SessionID, "age", c.Age(now).Round(time.Second))
				delete(all, issue)
				dirty = true
			}
		}

		open, err := m.source.ListOpenIssues(ctx)
		if err != nil {
			if dirty {
				if saveErr := m.store.Save(all); saveErr != nil {
					return saveErr
				}
			}
			return fmt.Errorf("list open issues: %w", err)
		}

		var normal, deprioritized []tracker.Issue
		for _, is := range open {
			if is.IsMeta() {
				continue
			}
			if c, exists := all[is.Number]; exists && !c.IsStale(now) {
				// An unexpired record blocks the issue: claimed-status while a
				// session holds it, failed-status until TTL expiry so the same
				// crashing logic cannot reclaim it in a tight loop.
				continue
			}
			if m.failureCount(all, is.Number) >= m.threshold {
				deprioritized = append(deprioritized, is)
			} else {
				normal = append(normal, is)
			}
		}

		candidates := append(normal, deprioritized...)
		if len(candidates) == 0 {
			if dirty {
				return m.store.Save(all)
			}
			return nil
		}

		pick := candidates[0]
		c := NewClaim(pick.Number, sessionID, pick.Title, now, m.ttl)
		if prev, exists := all[pick.Number]; exists {
			// Carry failure history across reclaims of the same issue.
			c.FailureCount = prev.FailureCount
			c.FailureReasons = append([]string{}, prev.FailureReasons...)
		}
		all[pick.Number] = c

		if err := m.store.Save(all); err != nil {
			return err
		}

		claimed, ok = pick.Number, true
		m.log.Infow("claimed issue", "issue", pick.Number, "title", pick.Title, "session", sessionID)
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return claimed, ok, nil
}

// Release ends the session's claim. A holder mismatch is a no-op so a
// late release from an expired, re-claimed session cannot clobber the
// new holder. Success deletes the record; failure keeps it with
// status=failed and an incremented failure count.
func (m *Manager) Release(ctx context.Context, issue int, sessionID string, succeeded bool, reason string) error {
	return m.lock.With(ctx, func() error {
		all, err := m.store.Load()
		if err != nil {
			return err
		}

		c, exists := all[issue]
		if !exists {
			return nil
		}
		if c.SessionID != sessionID {
			m.log.Warnw("ignoring release from non-holder",
				"issue", issue, "holder", c.SessionID, "caller", sessionID)
			return nil
		}

		if succeeded {
			delete(all, issue)
			m.log.Infow("released claim", "issue", issue, "session", sessionID)
		} else {
			c.MarkFailed(reason, m.now())
			m.log.Infow("claim failed", "issue", issue, "session", sessionID,
				"reason", reason, "failures", c.FailureCount)
		}
		return m.store.Save(all)
	})
}

// MarkFailed records failure bookkeeping mid-session without changing
// the claim status, for use before the final release decision is known.
func (m *Manager) MarkFailed(ctx context.Context, issue int, sessionID, reason string) error {
	return m.lock.With(ctx, func() error {
		all, err := m.store.Load()
		if err != nil {
			return err
		}

		c, exists := all[issue]
		if !exists || c.SessionID != sessionID {
			return nil
		}

		now := m.now()
		c.FailureCount++
		c.FailedAt = &now
		c.FailureReasons = append(c.FailureReasons, reason)
		return m.store.Save(all)
	})
}

// IsDeprioritized reports whether the issue's failure count has reached
// the deprioritization threshold.
func (m *Manager) IsDeprioritized(ctx context.Context, issue int) (bool, error) {
	var deprioritized bool
	err := m.lock.With(ctx, func() error {
		all, err := m.store.Load()
		if err != nil {
			return err
		}
		deprioritized = m.failureCount(all, issue) >= m.threshold
		return nil
	})
	return deprioritized, err
}

// Active returns the non-stale claims, for the status command.
func (m *Manager) Active(ctx context.Context) ([]*Claim, error) {
	var out []*Claim
	err := m.lock.With(ctx, func() error {
		all, err := m.store.Load()
		if err != nil {
			return err
		}
		now := m.now()
		for _, issue := range sortedIssues(all) {
			if c := all[issue]; !c.IsStale(now) {
				out = append(out, c)
			}
		}
		return nil
	})
	return out, err
}

func (m *Manager) failureCount(all map[int]*Claim, issue int) int {
	if c, exists := all[issue]; exists {
		return c.FailureCount
	}
	return 0
}
