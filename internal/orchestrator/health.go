package orchestrator

import (
	"fmt"
	"strings"

	"github.com/drover-dev/drover/internal/provider"
)

// Productivity thresholds. A session that burned through a large tool
// budget with almost nothing to show for it is treated as spinning.
const (
	// spinToolThreshold is the tool-call count above which a low score
	// means the session is spinning.
	spinToolThreshold = 30
	// spinScoreFloor is the minimum score for a high-tool-count session.
	spinScoreFloor = 0.1
	// minOutputLen is the response length below which a session with no
	// tool activity is considered empty.
	minOutputLen = 50
)

// responseRateLimitMarkers flag rate limiting that surfaces inside the
// response text instead of as a transport error. Subprocess backends in
// particular fail this way.
var responseRateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"quota exceeded",
	"usage limit reached",
}

// HealthReport is the productivity verdict for one finished execution.
type HealthReport struct {
	Productive  bool
	RateLimited bool
	// Score is work produced per tool call: files changed weigh 2,
	// closing the issue weighs 5.
	Score  float64
	Reason string
}

// AssessHealth judges an execution on ground truth: what the working
// tree and the tracker say happened, not what the response claims.
func AssessHealth(res *provider.Result, filesChanged int, issueClosed bool) HealthReport {
	output := strings.TrimSpace(res.Output)
	lower := strings.ToLower(output)
	for _, marker := range responseRateLimitMarkers {
		if strings.Contains(lower, marker) && filesChanged == 0 {
			return HealthReport{
				RateLimited: true,
				Reason:      "rate limit reported in response",
			}
		}
	}

	closedWeight := 0
	if issueClosed {
		closedWeight = 5
	}
	tools := res.ToolCalls
	if tools < 1 {
		tools = 1
	}
	score := float64(filesChanged*2+closedWeight) / float64(tools)

	switch {
	case filesChanged == 0 && !issueClosed && res.ToolCalls == 0 && len(output) < minOutputLen:
		return HealthReport{Score: score, Reason: "empty response with no tool activity"}
	case filesChanged == 0 && !issueClosed && res.ToolCalls == 0:
		return HealthReport{Score: score, Reason: "no tool activity and no changes"}
	case res.ToolCalls >= spinToolThreshold && score < spinScoreFloor:
		return HealthReport{
			Score: score,
			Reason: fmt.Sprintf("%d tool calls produced score %.2f",
				res.ToolCalls, score),
		}
	case filesChanged == 0 && !issueClosed:
		return HealthReport{Score: score, Reason: "no files changed and issue still open"}
	}

	return HealthReport{Productive: true, Score: score}
}
