// Package orchestrator runs rounds of parallel sessions over the
// claimable backlog. Each session claims one issue, hands it to a
// provider, judges the result against ground truth, publishes the work,
// and releases the claim. The round loop stops when the backlog stays
// empty or unproductive for long enough.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drover-dev/drover/internal/claims"
	"github.com/drover-dev/drover/internal/config"
	"github.com/drover-dev/drover/internal/gitsync"
	"github.com/drover-dev/drover/internal/logging"
	"github.com/drover-dev/drover/internal/provider"
	"github.com/drover-dev/drover/internal/rotator"
	"github.com/drover-dev/drover/internal/state"
	"github.com/drover-dev/drover/internal/tracker"
)

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Claims  *claims.Manager
	Pool    *provider.Pool
	Tracker tracker.Source
	Git     gitsync.Runner
	Sync    *gitsync.Serializer
	Creds   *rotator.Rotator
	// DB is optional; without it no outcome history is kept.
	DB      *state.DB
	WorkDir string
}

// Orchestrator coordinates rounds of concurrent sessions.
type Orchestrator struct {
	claims  *claims.Manager
	pool    *provider.Pool
	tracker tracker.Source
	git     gitsync.Runner
	sync    *gitsync.Serializer
	creds   *rotator.Rotator
	db      *state.DB
	workDir string

	concurrency    int
	maxRounds      int
	emptyThreshold int
	maxRetries     int
	preferred      string

	log   *zap.SugaredLogger
	emit  func(provider.Message)
	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithPreferredProvider pins sessions to a named provider when usable.
func WithPreferredProvider(name string) Option {
	return func(o *Orchestrator) { o.preferred = name }
}

// WithMessageHandler streams provider progress messages to the caller.
func WithMessageHandler(fn func(provider.Message)) Option {
	return func(o *Orchestrator) { o.emit = fn }
}

// WithSleep overrides the backoff sleep (tests only).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an Orchestrator from its dependencies and run settings.
func New(deps Deps, run config.RunConfig, failover config.FailoverConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		claims:         deps.Claims,
		pool:           deps.Pool,
		tracker:        deps.Tracker,
		git:            deps.Git,
		sync:           deps.Sync,
		creds:          deps.Creds,
		db:             deps.DB,
		workDir:        deps.WorkDir,
		concurrency:    run.Concurrency,
		maxRounds:      run.MaxRounds,
		emptyThreshold: run.EmptyRoundThreshold,
		maxRetries:     failover.MaxRetries,
		log:            logging.Named("orchestrator"),
		sleep:          sleepCtx,
		now:            time.Now,
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	if o.emptyThreshold < 1 {
		o.emptyThreshold = 3
	}
	if o.maxRetries < 1 {
		o.maxRetries = 3
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Report summarizes a whole run.
type Report struct {
	Rounds       int
	Sessions     int
	Completed    int
	Failed       int
	Unproductive int
	Blocked      int
	HaltReason   string
}

// Run executes rounds until the backlog goes quiet, the round budget
// runs out, or the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	emptyStreak := 0

	for round := 1; ; round++ {
		if o.maxRounds > 0 && round > o.maxRounds {
			report.HaltReason = "round budget reached"
			break
		}
		if ctx.Err() != nil {
			report.HaltReason = "cancelled"
			return report, ctx.Err()
		}

		report.Rounds = round
		o.log.Infow("starting round", "round", round, "concurrency", o.concurrency)

		results := o.runRound(ctx, round)
		claimed, productive := 0, 0
		for _, r := range results {
			if !r.Claimed {
				continue
			}
			claimed++
			report.Sessions++
			switch r.Status {
			case state.OutcomeCompleted:
				report.Completed++
			case state.OutcomeUnproductive:
				report.Unproductive++
			case state.OutcomeBlocked:
				report.Blocked++
			default:
				report.Failed++
			}
			if r.Productive {
				productive++
			}
		}

		o.log.Infow("round finished",
			"round", round, "claimed", claimed, "productive", productive)

		// A round is empty only when no session found anything to claim.
		// Claimed-but-failed rounds keep the run alive so a backlog of
		// hard issues is still worked through.
		if claimed == 0 {
			emptyStreak++
		} else {
			emptyStreak = 0
		}
		if emptyStreak >= o.emptyThreshold {
			report.HaltReason = "no claimable work in consecutive rounds"
			break
		}
	}

	o.log.Infow("run finished",
		"rounds", report.Rounds, "sessions", report.Sessions,
		"completed", report.Completed, "reason", report.HaltReason)
	return report, nil
}

// runRound launches up to concurrency sessions and waits for all of
// them.
func (o *Orchestrator) runRound(ctx context.Context, round int) []sessionResult {
	results := make([]sessionResult, o.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < o.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			sessionID := uuid.NewString()
			results[slot] = o.runSession(ctx, sessionID)
		}(i)
	}
	wg.Wait()

	return results
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
