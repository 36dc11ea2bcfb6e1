package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drover-dev/drover/internal/config"
	execx "github.com/drover-dev/drover/internal/exec"
	"github.com/drover-dev/drover/internal/logging"
	"github.com/drover-dev/drover/internal/recovery"
	"github.com/drover-dev/drover/internal/rotator"
)

// Health is the pool's view of one backend.
type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// entry is one pooled backend with its health state. Health lives here
// rather than on the Provider so a provider implementation stays a
// pure executor.
type entry struct {
	provider      Provider
	priority      int
	enabled       bool
	health        Health
	cooldownUntil time.Time
	failures      int
	successes     int
	requests      int
	errorCounts   map[string]int
	lastError     string
}

// usable reports whether the entry may serve a task right now. An
// unhealthy backend becomes usable again once its cooldown lapses.
func (e *entry) usable(now time.Time) bool {
	if !e.enabled {
		return false
	}
	if e.health == HealthUnhealthy && now.Before(e.cooldownUntil) {
		return false
	}
	return true
}

// FailoverEvent records one provider switch.
type FailoverEvent struct {
	At     time.Time
	From   string
	To     string
	Reason string
}

// Status is a point-in-time summary of one pooled backend.
type Status struct {
	Name              string
	Priority          int
	Enabled           bool
	Health            Health
	CooldownRemaining time.Duration
	Successes         int
	Failures          int
	Requests          int
	ErrorCounts       map[string]int
	LastError         string
}

// Pool selects among configured providers in priority order and moves
// work off backends that keep failing.
type Pool struct {
	mu       sync.Mutex
	entries  []*entry
	byName   map[string]*entry
	failover config.FailoverConfig
	history  []FailoverEvent
	log      *zap.SugaredLogger
	now      func() time.Time
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithPoolClock overrides the time source (tests only).
func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// NewPool builds an empty pool with the given failover policy.
func NewPool(failover config.FailoverConfig, opts ...PoolOption) *Pool {
	p := &Pool{
		byName:   map[string]*entry{},
		failover: failover,
		log:      logging.Named("pool"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add registers a backend. Entries are kept in insertion order, which
// callers are expected to make priority order.
func (p *Pool) Add(prov Provider, priority int, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := &entry{provider: prov, priority: priority, enabled: enabled}
	p.entries = append(p.entries, e)
	p.byName[prov.Name()] = e
}

// FromConfig builds a pool with one provider per config entry. SDK
// entries (no command) become Claude providers; the rest run as
// subprocesses.
func FromConfig(cfg *config.ProvidersConfig, creds *rotator.Rotator, runner execx.CommandRunner, opts ...PoolOption) (*Pool, error) {
	p := NewPool(cfg.Failover, opts...)
	for _, ent := range cfg.Providers {
		var prov Provider
		if ent.Command == "" {
			prov = NewClaude(ent, creds)
		} else {
			cli, err := NewCLI(ent, runner)
			if err != nil {
				return nil, err
			}
			prov = cli
		}
		p.Add(prov, ent.Priority, ent.Enabled)
	}
	return p, nil
}

// Get returns the backend to use next. A name pins the choice to that
// backend even when it is unhealthy (with a warning); otherwise the
// highest-priority usable entry wins, falling back to an unhealthy
// enabled entry as a last resort. ErrNoProviders means no enabled
// backends exist at all.
func (p *Pool) Get(preferred string) (Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if preferred != "" {
		if e, ok := p.byName[preferred]; ok && e.enabled {
			if !e.usable(p.now()) {
				p.log.Warnw("using explicitly requested provider despite health",
					"provider", preferred, "health", e.health.String())
			}
			return e.provider, nil
		}
	}
	if prov, err := p.pickLocked(""); err == nil {
		return prov, nil
	}
	// Last resort: an unhealthy backend beats returning nothing.
	for _, e := range p.entries {
		if !e.enabled {
			continue
		}
		p.log.Warnw("all providers unhealthy, using last resort",
			"provider", e.provider.Name())
		return e.provider, nil
	}
	return nil, ErrNoProviders
}

// pickLocked returns the highest-priority usable entry, skipping the
// named one. Used by failover, which must see real exhaustion.
func (p *Pool) pickLocked(exclude string) (Provider, error) {
	now := p.now()
	for _, e := range p.entries {
		if e.provider.Name() == exclude {
			continue
		}
		if e.usable(now) {
			return e.provider, nil
		}
	}
	return nil, ErrNoProviders
}

// RecordSuccess marks a backend healthy and clears its failure streak.
func (p *Pool) RecordSuccess(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byName[name]
	if !ok {
		return
	}
	e.health = HealthHealthy
	e.cooldownUntil = time.Time{}
	e.failures = 0
	e.successes++
	e.requests++
	e.lastError = ""
}

// HandleFailure applies the failover policy after a failed attempt.
// A rate-limited backend, or one that has burned through the retry
// budget, goes unhealthy with a cooldown and work moves to the next
// usable backend (switched=true). Any other failure degrades the
// backend and the same one is retried (switched=false).
//
// When a switch is warranted but no other backend is usable, it
// returns (nil, true, ErrNoProviders).
func (p *Pool) HandleFailure(name string, cause error, attempt int) (Provider, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byName[name]
	if !ok {
		return nil, false, fmt.Errorf("unknown provider %q", name)
	}
	e.failures++
	e.requests++

	var (
		rateLimited bool
		ce          *recovery.ClassifiedError
	)
	if cause != nil {
		e.lastError = cause.Error()
		if !errors.As(cause, &ce) {
			ce = recovery.ClassifyErr(recovery.SourceAgent, cause)
		}
		rateLimited = recovery.IsRateLimit(ce)
	}
	if e.errorCounts == nil {
		e.errorCounts = map[string]int{}
	}
	e.errorCounts[errorKind(ce)]++

	// Exhaustion is judged on the backend's own failure streak, which
	// RecordSuccess resets, not the caller's attempt number.
	exhausted := e.failures >= p.failover.MaxRetries

	if !p.failover.Enabled || (!rateLimited && !exhausted) {
		e.health = HealthDegraded
		p.log.Warnw("provider degraded, retrying",
			"provider", name, "attempt", attempt, "error", e.lastError)
		return e.provider, false, nil
	}

	now := p.now()
	e.health = HealthUnhealthy
	e.cooldownUntil = now.Add(p.failover.Cooldown())

	reason := "retries exhausted"
	if rateLimited {
		reason = "rate limited"
	}
	next, err := p.pickLocked(name)
	to := ""
	if next != nil {
		to = next.Name()
	}
	p.history = append(p.history, FailoverEvent{At: now, From: name, To: to, Reason: reason})
	p.log.Warnw("provider failover",
		"from", name, "to", to, "reason", reason, "cooldown", p.failover.Cooldown())
	return next, true, err
}

// errorKind buckets a classified failure for per-provider stats.
func errorKind(ce *recovery.ClassifiedError) string {
	switch {
	case ce == nil:
		return "unknown"
	case recovery.IsRateLimit(ce):
		return "rate_limit"
	case ce.Code == 401 || ce.Code == 403:
		return "auth"
	case ce.Code >= 500:
		return "server"
	default:
		return "other"
	}
}

// Cooldown forces a backend unhealthy for the configured cooldown.
// Used when rate limiting shows up in response content rather than as
// a transport error.
func (p *Pool) Cooldown(name, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byName[name]
	if !ok {
		return
	}
	e.health = HealthUnhealthy
	e.cooldownUntil = p.now().Add(p.failover.Cooldown())
	e.lastError = reason
	p.log.Warnw("provider cooled down", "provider", name, "reason", reason)
}

// ValidateAll checks every enabled backend and returns per-provider
// errors. A failed validation marks the backend unhealthy.
func (p *Pool) ValidateAll(ctx context.Context) map[string]error {
	p.mu.Lock()
	entries := make([]*entry, len(p.entries))
	copy(entries, p.entries)
	p.mu.Unlock()

	results := map[string]error{}
	for _, e := range entries {
		if !e.enabled {
			continue
		}
		err := e.provider.Validate(ctx)
		results[e.provider.Name()] = err

		p.mu.Lock()
		if err != nil {
			e.health = HealthUnhealthy
			e.cooldownUntil = p.now().Add(p.failover.Cooldown())
			e.lastError = err.Error()
		} else if e.health == HealthUnknown {
			e.health = HealthHealthy
		}
		p.mu.Unlock()
	}
	return results
}

// Status reports every backend's current state in priority order.
func (p *Pool) Status() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]Status, 0, len(p.entries))
	for _, e := range p.entries {
		var remaining time.Duration
		if now.Before(e.cooldownUntil) {
			remaining = e.cooldownUntil.Sub(now)
		}
		counts := make(map[string]int, len(e.errorCounts))
		for k, v := range e.errorCounts {
			counts[k] = v
		}
		out = append(out, Status{
			Name:              e.provider.Name(),
			Priority:          e.priority,
			Enabled:           e.enabled,
			Health:            e.health,
			CooldownRemaining: remaining,
			Successes:         e.successes,
			Failures:          e.failures,
			Requests:          e.requests,
			ErrorCounts:       counts,
			LastError:         e.lastError,
		})
	}
	return out
}

// History returns the failover events so far.
func (p *Pool) History() []FailoverEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]FailoverEvent, len(p.history))
	copy(out, p.history)
	return out
}
