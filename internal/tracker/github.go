package tracker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// blockedLabel is applied to issues that need manual review.
const blockedLabel = "blocked"

// GitHubSource implements Source against a GitHub repository.
type GitHubSource struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubSource creates a Source for "owner/repo" authenticated with
// the given token. An empty token yields an unauthenticated client,
// which is enough for public-repo reads.
func NewGitHubSource(ctx context.Context, repoSlug, token string) (*GitHubSource, error) {
	owner, repo, ok := strings.Cut(repoSlug, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("invalid repository %q: want owner/repo", repoSlug)
	}

	httpClient := oauth2.NewClient(ctx, nil)
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}

	return &GitHubSource{
		client: github.NewClient(httpClient),
		owner:  owner,
		repo:   repo,
	}, nil
}

// Repo returns the owner/repo slug.
func (s *GitHubSource) Repo() string {
	return s.owner + "/" + s.repo
}

// ListOpenIssues returns open issues sorted by priority label rank,
// preserving GitHub's creation order within the same rank.
func (s *GitHubSource) ListOpenIssues(ctx context.Context) ([]Issue, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var issues []Issue
	for {
		page, resp, err := s.client.Issues.ListByRepo(ctx, s.owner, s.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("list issues for %s: %w", s.Repo(), err)
		}
		for _, is := range page {
			if is.IsPullRequest() {
				continue
			}
			labels := make([]string, 0, len(is.Labels))
			for _, l := range is.Labels {
				labels = append(labels, l.GetName())
			}
			issues = append(issues, Issue{
				Number: is.GetNumber(),
				Title:  is.GetTitle(),
				Labels: labels,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	sort.SliceStable(issues, func(a, b int) bool {
		return issues[a].PriorityRank() < issues[b].PriorityRank()
	})
	return issues, nil
}

// IsClosed reports whether the issue is closed.
func (s *GitHubSource) IsClosed(ctx context.Context, number int) (bool, error) {
	is, _, err := s.client.Issues.Get(ctx, s.owner, s.repo, number)
	if err != nil {
		return false, fmt.Errorf("get issue #%d: %w", number, err)
	}
	return is.GetState() == "closed", nil
}

// MarkBlocked comments on the issue and applies the blocked label.
func (s *GitHubSource) MarkBlocked(ctx context.Context, number int, note string) error {
	body := fmt.Sprintf("🚫 Blocked, needs manual review.\n\n%s", note)
	if _, _, err := s.client.Issues.CreateComment(ctx, s.owner, s.repo, number, &github.IssueComment{
		Body: github.String(body),
	}); err != nil {
		return fmt.Errorf("comment on issue #%d: %w", number, err)
	}
	if _, _, err := s.client.Issues.AddLabelsToIssue(ctx, s.owner, s.repo, number, []string{blockedLabel}); err != nil {
		return fmt.Errorf("label issue #%d: %w", number, err)
	}
	return nil
}
