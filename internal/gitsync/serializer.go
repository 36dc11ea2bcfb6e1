package gitsync

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/drover-dev/drover/internal/lockfile"
	"github.com/drover-dev/drover/internal/logging"
)

// pushRetries is how many times a rejected push is retried after
// re-pulling.
const pushRetries = 2

// ErrRebaseConflict is returned when pull --rebase hits a conflict the
// serializer cannot resolve. The rebase is aborted before returning, so
// the tree is left clean with the local commit intact.
var ErrRebaseConflict = fmt.Errorf("rebase conflict, manual resolution required")

// Request describes the work a session wants published.
type Request struct {
	SessionID string
	// Completed and Attempted hold issue numbers; both may be empty
	// when a session only touched files without resolving an issue.
	Completed []int
	Attempted []int
}

// Result reports what the serializer did.
type Result struct {
	Committed bool
	Pushed    bool
	Message   string
}

// Serializer publishes session work: stage everything, commit, pull
// with rebase, push. Only one session may be inside the sequence at a
// time, enforced by a file lock shared across processes.
type Serializer struct {
	runner   Runner
	lock     *lockfile.Mutex
	branch   string
	autoPush bool
	log      *zap.SugaredLogger
}

// NewSerializer creates a Serializer for the given branch.
func NewSerializer(runner Runner, lock *lockfile.Mutex, branch string, autoPush bool) *Serializer {
	return &Serializer{
		runner:   runner,
		lock:     lock,
		branch:   branch,
		autoPush: autoPush,
		log:      logging.Named("gitsync"),
	}
}

// Sync publishes the session's work. With nothing to commit it is a
// no-op. A rebase conflict aborts the rebase and returns
// ErrRebaseConflict; the commit stays local.
func (s *Serializer) Sync(ctx context.Context, req Request) (*Result, error) {
	res := &Result{}
	err := s.lock.With(ctx, func() error {
		status, err := s.runner.Status(ctx)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		if strings.TrimSpace(status) == "" {
			s.log.Debugw("nothing to publish", "session", req.SessionID)
			return nil
		}

		if err := s.runner.AddAll(ctx); err != nil {
			return fmt.Errorf("stage: %w", err)
		}

		res.Message = commitMessage(req)
		if err := s.runner.Commit(ctx, res.Message); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		res.Committed = true

		if !s.autoPush {
			return nil
		}
		if err := s.pullThenPush(ctx); err != nil {
			return err
		}
		res.Pushed = true
		return nil
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

func (s *Serializer) pullThenPush(ctx context.Context) error {
	if err := s.pull(ctx); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= pushRetries; attempt++ {
		lastErr = s.runner.Push(ctx, s.branch)
		if lastErr == nil {
			return nil
		}
		if !isPushRejection(lastErr) {
			return fmt.Errorf("push: %w", lastErr)
		}
		// Someone else pushed between our pull and push. Pull again and
		// retry.
		s.log.Infow("push rejected, re-pulling", "attempt", attempt+1)
		if err := s.pull(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("push: %w", lastErr)
}

func (s *Serializer) pull(ctx context.Context) error {
	if err := s.runner.PullRebase(ctx, s.branch); err != nil {
		if isRebaseConflict(err) {
			if abortErr := s.runner.RebaseAbort(ctx); abortErr != nil {
				s.log.Errorw("rebase abort failed", "error", abortErr)
			}
			return ErrRebaseConflict
		}
		return fmt.Errorf("pull: %w", err)
	}
	return nil
}

func isRebaseConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conflict") || strings.Contains(msg, "could not apply")
}

func isPushRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rejected") ||
		strings.Contains(msg, "non-fast-forward") ||
		strings.Contains(msg, "fetch first")
}

// commitMessage builds the commit subject and body from the session's
// issue outcomes.
func commitMessage(req Request) string {
	subject := "Session work"
	if len(req.Completed) > 0 {
		subject = "Complete " + issueList(req.Completed)
	} else if len(req.Attempted) > 0 {
		subject = "Progress on " + issueList(req.Attempted)
	}

	var b strings.Builder
	b.WriteString(subject)
	b.WriteString("\n")
	if len(req.Completed) > 0 && len(req.Attempted) > 0 {
		fmt.Fprintf(&b, "\nAttempted without closing: %s\n", issueList(req.Attempted))
	}
	if req.SessionID != "" {
		fmt.Fprintf(&b, "\nSession: %s\n", req.SessionID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func issueList(nums []int) string {
	sorted := make([]int, len(nums))
	copy(sorted, nums)
	sort.Ints(sorted)

	parts := make([]string, len(sorted))
	for i, n := range sorted {
		parts[i] = fmt.Sprintf("#%d", n)
	}
	return strings.Join(parts, ", ")
}
