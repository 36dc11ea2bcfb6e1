// Package rotator manages a small ordered set of agent credentials and
// rotates between them when one hits a rate limit or auth failure.
//
// The rotator is an explicit object handed to the orchestrator and
// providers; nothing reads rotation state from package-level globals.
// SyncEnv keeps the active credential visible to subprocess-based
// providers that read it from the environment.
package rotator

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drover-dev/drover/internal/logging"
)

// EnvVar is the environment variable carrying the active credential.
const EnvVar = "DROVER_AGENT_TOKEN"

// DefaultCooldown is how long a rate-limited credential is skipped.
const DefaultCooldown = 5 * time.Minute

// ErrNoTokens is returned when no credential is configured at all.
var ErrNoTokens = fmt.Errorf("no agent credentials configured (set %s)", EnvVar)

// token is one credential with cooldown state.
type token struct {
	name          string
	value         string
	cooldownUntil time.Time
	rotations     int
}

// Rotator hands out the current credential and advances to the next
// available one on demand.
type Rotator struct {
	mu       sync.Mutex
	tokens   []*token
	current  int
	cooldown time.Duration
	log      *zap.SugaredLogger
	now      func() time.Time
}

// Option customizes a Rotator.
type Option func(*Rotator)

// WithCooldown overrides the per-token cooldown.
func WithCooldown(d time.Duration) Option {
	return func(r *Rotator) { r.cooldown = d }
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(r *Rotator) { r.now = now }
}

// New creates a Rotator from an ordered list of credential values.
func New(values []string, opts ...Option) (*Rotator, error) {
	r := &Rotator{
		cooldown: DefaultCooldown,
		log:      logging.Named("rotator"),
		now:      time.Now,
	}
	for i, v := range values {
		if v == "" {
			continue
		}
		name := "primary"
		if i > 0 {
			name = fmt.Sprintf("backup-%d", i)
		}
		r.tokens = append(r.tokens, &token{name: name, value: v})
	}
	if len(r.tokens) == 0 {
		return nil, ErrNoTokens
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// FromEnv builds a Rotator from DROVER_AGENT_TOKEN plus numbered
// backups (DROVER_AGENT_TOKEN_1, _2, ...).
func FromEnv(opts ...Option) (*Rotator, error) {
	values := []string{os.Getenv(EnvVar)}
	for i := 1; ; i++ {
		v := os.Getenv(fmt.Sprintf("%s_%d", EnvVar, i))
		if v == "" {
			break
		}
		values = append(values, v)
	}
	return New(values, opts...)
}

// Current returns the active credential value.
func (r *Rotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[r.current].value
}

// CurrentName returns the active credential's display name.
func (r *Rotator) CurrentName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[r.current].name
}

// Count returns how many credentials are configured.
func (r *Rotator) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// Rotate puts the current credential into cooldown and advances to the
// next available one. With a single credential it stays put (the
// backoff sleep is then the only remedy). Returns the new value.
func (r *Rotator) Rotate(reason string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	old := r.tokens[r.current]
	old.cooldownUntil = now.Add(r.cooldown)
	old.rotations++

	next := r.current
	for i := 1; i <= len(r.tokens); i++ {
		cand := (r.current + i) % len(r.tokens)
		if now.After(r.tokens[cand].cooldownUntil) || r.tokens[cand].cooldownUntil.IsZero() {
			next = cand
			break
		}
	}

	if next != r.current {
		r.log.Infow("rotated credential",
			"from", old.name, "to", r.tokens[next].name, "reason", reason)
		r.current = next
	} else {
		r.log.Warnw("no alternate credential available", "reason", reason)
	}
	return r.tokens[r.current].value
}

// SyncEnv exports the active credential so subprocess providers pick
// it up.
func (r *Rotator) SyncEnv() error {
	return os.Setenv(EnvVar, r.Current())
}
