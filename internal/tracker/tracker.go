// Package tracker abstracts the external issue tracker that drover
// pulls work items from. The claim manager and orchestrator only see
// the Source interface; the GitHub implementation lives in github.go.
package tracker

import (
	"context"
	"strings"
)

// MetaTitlePrefix marks control/meta issues that must never be claimed
// as work items (e.g. the project progress tracker issue).
const MetaTitlePrefix = "[META]"

// Priority label names, highest first. Issues without a priority label
// sort after all labeled ones.
var priorityLabels = []string{
	"priority:urgent",
	"priority:high",
	"priority:medium",
	"priority:low",
}

// Issue is one open work item.
type Issue struct {
	Number int
	Title  string
	Labels []string
}

// IsMeta reports whether the issue is a control/meta item.
func (i Issue) IsMeta() bool {
	return strings.HasPrefix(strings.TrimSpace(i.Title), MetaTitlePrefix)
}

// PriorityRank returns the issue's rank from its priority label;
// lower is more urgent. Unlabeled issues rank last.
func (i Issue) PriorityRank() int {
	for _, l := range i.Labels {
		for rank, name := range priorityLabels {
			if strings.EqualFold(l, name) {
				return rank
			}
		}
	}
	return len(priorityLabels)
}

// Source lists open work items and reports/updates their state.
type Source interface {
	// ListOpenIssues returns open issues ordered by priority label,
	// most urgent first.
	ListOpenIssues(ctx context.Context) ([]Issue, error)
	// IsClosed reports whether the issue is closed.
	IsClosed(ctx context.Context, number int) (bool, error)
	// MarkBlocked annotates the issue as blocked with the given note
	// and labels it for manual review.
	MarkBlocked(ctx context.Context, number int, note string) error
}
