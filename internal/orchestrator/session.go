package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drover-dev/drover/internal/gitsync"
	"github.com/drover-dev/drover/internal/provider"
	"github.com/drover-dev/drover/internal/recovery"
	"github.com/drover-dev/drover/internal/state"
)

// maxErrorStatus bounds user-facing error strings so a giant API
// response body never ends up in logs or the outcome table verbatim.
const maxErrorStatus = 160

// sessionResult is what one session hands back to the round loop.
type sessionResult struct {
	SessionID  string
	Issue      int
	Claimed    bool
	Productive bool
	Status     string
	Err        error
}

// runSession drives one claim through its whole lifecycle: claim,
// execute with bounded retries, health-check the result, publish, and
// release.
func (o *Orchestrator) runSession(ctx context.Context, sessionID string) sessionResult {
	res := sessionResult{SessionID: sessionID}
	log := o.log.With("session", sessionID)

	issue, ok, err := o.claims.Claim(ctx, sessionID)
	if err != nil {
		res.Err = fmt.Errorf("claim: %w", err)
		return res
	}
	if !ok {
		log.Debug("no claimable work")
		return res
	}
	res.Claimed = true
	res.Issue = issue
	title := o.claimTitle(ctx, issue)
	log.Infow("claimed issue", "issue", issue, "title", title)

	started := o.now()
	prov, err := o.pool.Get(o.preferred)
	if err != nil {
		o.releaseFailed(ctx, issue, sessionID, "no usable providers")
		res.Status = state.OutcomeFailed
		res.Err = err
		return res
	}

	baseline := o.dirtyFiles(ctx)

	task := provider.Task{
		IssueNumber:  issue,
		Title:        title,
		Prompt:       buildPrompt(issue, title),
		SystemPrompt: systemPrompt,
		WorkDir:      o.workDir,
	}

	var (
		execResult   *provider.Result
		filesChanged int
		closed       bool
		health       HealthReport
	)
	for pass := 1; ; pass++ {
		var outcome, reason string
		execResult, prov, outcome, reason = o.execute(ctx, log, prov, task, sessionID)
		if outcome != "" {
			// Terminal failure already released the claim.
			res.Status = outcome
			o.record(state.Outcome{
				SessionID: sessionID, IssueNumber: issue, IssueTitle: title,
				Provider: prov.Name(), Status: outcome,
				Error:     reason,
				StartedAt: started, FinishedAt: o.now(),
			})
			return res
		}

		filesChanged = o.dirtyFiles(ctx) - baseline
		if filesChanged < 0 {
			filesChanged = 0
		}
		var err error
		closed, err = o.tracker.IsClosed(ctx, issue)
		if err != nil {
			log.Warnw("close check failed", "issue", issue, "error", err)
		}

		health = AssessHealth(execResult, filesChanged, closed)
		log.Infow("health check",
			"issue", issue, "pass", pass, "productive", health.Productive,
			"score", health.Score, "tools", execResult.ToolCalls,
			"files", filesChanged, "closed", closed)

		// One restart with a firmer directive after an unproductive first
		// pass; a second unhealthy result is accepted as-is.
		if health.Productive || health.RateLimited || pass >= 2 {
			break
		}
		log.Warnw("unproductive pass, retrying with stronger directive",
			"issue", issue, "reason", health.Reason)
		// The wasted pass counts against the issue before the restart, so
		// deprioritization accrues even when the second pass recovers.
		if err := o.claims.MarkFailed(ctx, issue, sessionID, "unproductive: "+health.Reason); err != nil {
			log.Warnw("mark failed", "issue", issue, "error", err)
		}
		task.Prompt = buildPrompt(issue, title) + retryDirective
	}

	outcomeRow := state.Outcome{
		SessionID: sessionID, IssueNumber: issue, IssueTitle: title,
		Provider: prov.Name(), ToolCalls: execResult.ToolCalls,
		FilesChanged: filesChanged, IssueClosed: closed,
		Score: health.Score, StartedAt: started,
	}

	switch {
	case health.RateLimited:
		// The backend returned 200s while telling us it was throttled.
		o.pool.Cooldown(prov.Name(), health.Reason)
		o.rotateCreds(log, health.Reason)
		o.releaseFailed(ctx, issue, sessionID, "rate_limited")
		res.Status = state.OutcomeFailed
		outcomeRow.Status = state.OutcomeFailed
		outcomeRow.Error = health.Reason

	case !health.Productive:
		o.releaseFailed(ctx, issue, sessionID, "unproductive: "+health.Reason)
		res.Status = state.OutcomeUnproductive
		outcomeRow.Status = state.OutcomeUnproductive
		outcomeRow.Error = health.Reason

	default:
		res.Productive = true
		o.publish(ctx, log, sessionID, issue, closed, filesChanged)
		o.pool.RecordSuccess(prov.Name())

		if closed {
			res.Status = state.OutcomeCompleted
			outcomeRow.Status = state.OutcomeCompleted
			if err := o.claims.Release(ctx, issue, sessionID, true, ""); err != nil {
				log.Warnw("release failed", "issue", issue, "error", err)
			}
		} else {
			// Real work happened but the issue stayed open; the failure
			// record feeds deprioritization of issues agents cannot finish.
			res.Status = state.OutcomeFailed
			outcomeRow.Status = state.OutcomeFailed
			outcomeRow.Error = "issue still open after productive session"
			o.releaseFailed(ctx, issue, sessionID, "issue_not_closed")
		}
	}

	outcomeRow.FinishedAt = o.now()
	o.record(outcomeRow)
	return res
}

// execute runs the provider with bounded retries, dispatching each
// classified failure to its recovery action. A non-empty returned
// status means the session is over and the claim has been released.
func (o *Orchestrator) execute(
	ctx context.Context,
	log *zap.SugaredLogger,
	prov provider.Provider,
	task provider.Task,
	sessionID string,
) (*provider.Result, provider.Provider, string, string) {
	rotated := false

	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		execResult, err := prov.Run(ctx, task, o.emit)
		if err == nil {
			return execResult, prov, "", ""
		}
		if ctx.Err() != nil {
			o.releaseFailed(ctx, task.IssueNumber, sessionID, "cancelled")
			return nil, prov, state.OutcomeFailed, "cancelled"
		}

		ce := classifyAgentErr(err)
		status := itemError(task.IssueNumber, ce)
		log.Warnw("execution failed",
			"status", status, "attempt", attempt, "provider", prov.Name())

		switch ce.Action {
		case recovery.ActionManualReview:
			note := fmt.Sprintf("Automated session failed: %s", ce.Message)
			if blockErr := o.tracker.MarkBlocked(ctx, task.IssueNumber, note); blockErr != nil {
				log.Warnw("mark blocked failed", "issue", task.IssueNumber, "error", blockErr)
			}
			o.releaseFailed(ctx, task.IssueNumber, sessionID, ce.Message)
			return nil, prov, state.OutcomeBlocked, status

		case recovery.ActionAbort:
			o.releaseFailed(ctx, task.IssueNumber, sessionID, ce.Message)
			return nil, prov, state.OutcomeFailed, status

		case recovery.ActionRotateToken:
			if rotated {
				// One rotation per session; a second auth failure means the
				// backup credential is bad too.
				o.releaseFailed(ctx, task.IssueNumber, sessionID, ce.Message)
				return nil, prov, state.OutcomeFailed, status
			}
			rotated = true
			o.rotateCreds(log, ce.Message)

		case recovery.ActionWaitAndRetry, recovery.ActionPullAndRetry:
			if recovery.IsRateLimit(ce) {
				o.rotateCreds(log, ce.Message)
			}
			delay := recovery.RetryDelay(ce, attempt-1)
			log.Infow("backing off", "delay", delay, "attempt", attempt)
			if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
				o.releaseFailed(ctx, task.IssueNumber, sessionID, "cancelled")
				return nil, prov, state.OutcomeFailed, "cancelled"
			}
		}

		next, switched, failErr := o.pool.HandleFailure(prov.Name(), err, attempt)
		if switched {
			if errors.Is(failErr, provider.ErrNoProviders) {
				o.releaseFailed(ctx, task.IssueNumber, sessionID, "provider pool exhausted")
				return nil, prov, state.OutcomeFailed, "provider pool exhausted"
			}
			log.Infow("switching provider", "from", prov.Name(), "to", next.Name())
			prov = next
		}
	}

	o.releaseFailed(ctx, task.IssueNumber, sessionID, "retries exhausted")
	return nil, prov, state.OutcomeFailed, "retries exhausted"
}

// publish commits and pushes the session's work through the serializer.
func (o *Orchestrator) publish(ctx context.Context, log *zap.SugaredLogger, sessionID string, issue int, closed bool, filesChanged int) {
	if filesChanged == 0 {
		return
	}
	req := gitsync.Request{SessionID: sessionID}
	if closed {
		req.Completed = []int{issue}
	} else {
		req.Attempted = []int{issue}
	}
	if _, err := o.sync.Sync(ctx, req); err != nil {
		// The commit may still exist locally; the next session's sync
		// picks it up.
		log.Errorw("publish failed", "issue", issue, "error", err)
	}
}

// rotateCreds advances the shared credential set when one is present.
// Subprocess-only setups run without a rotator.
func (o *Orchestrator) rotateCreds(log *zap.SugaredLogger, reason string) {
	if o.creds == nil {
		return
	}
	o.creds.Rotate(reason)
	if err := o.creds.SyncEnv(); err != nil {
		log.Warnw("credential env sync failed", "error", err)
	}
}

func (o *Orchestrator) releaseFailed(ctx context.Context, issue int, sessionID, reason string) {
	if err := o.claims.Release(ctx, issue, sessionID, false, reason); err != nil {
		o.log.Warnw("release failed", "issue", issue, "error", err)
	}
}

// claimTitle finds the title recorded on the session's active claim.
func (o *Orchestrator) claimTitle(ctx context.Context, issue int) string {
	active, err := o.claims.Active(ctx)
	if err != nil {
		return ""
	}
	for _, c := range active {
		if c.Issue == issue {
			return c.Title
		}
	}
	return ""
}

// dirtyFiles counts uncommitted paths in the shared tree.
func (o *Orchestrator) dirtyFiles(ctx context.Context) int {
	status, err := o.git.Status(ctx)
	if err != nil {
		return 0
	}
	status = strings.TrimSpace(status)
	if status == "" {
		return 0
	}
	return len(strings.Split(status, "\n"))
}

func (o *Orchestrator) record(outcome state.Outcome) {
	if o.db == nil {
		return
	}
	if _, err := o.db.RecordOutcome(outcome); err != nil {
		o.log.Warnw("record outcome failed", "issue", outcome.IssueNumber, "error", err)
	}
}

func classifyAgentErr(err error) *recovery.ClassifiedError {
	var ce *recovery.ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return recovery.ClassifyErr(recovery.SourceAgent, err)
}

// itemError formats a failure for logs and the outcome table.
func itemError(issue int, ce *recovery.ClassifiedError) string {
	s := fmt.Sprintf("error on item #%d: %s [%d]", issue, ce.Message, ce.Code)
	if len(s) > maxErrorStatus {
		s = s[:maxErrorStatus-3] + "..."
	}
	return s
}
