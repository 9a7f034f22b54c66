package hosting

import (
	"context"

	"github.com/ralph-labs/ralphd/internal/runtime"
)

// Limited wraps a HostingClient with two semaphores: one bounding all
// in-flight requests, one additionally bounding mutating calls. With both
// limits at 1, every request serializes.
type Limited struct {
	inner    runtime.HostingClient
	inflight chan struct{}
	writes   chan struct{}
}

// NewLimited builds a Limited client. Limits below 1 are raised to 1.
func NewLimited(inner runtime.HostingClient, maxInflight, maxInflightWrites int) *Limited {
	if maxInflight < 1 {
		maxInflight = 1
	}
	if maxInflightWrites < 1 {
		maxInflightWrites = 1
	}
	return &Limited{
		inner:    inner,
		inflight: make(chan struct{}, maxInflight),
		writes:   make(chan struct{}, maxInflightWrites),
	}
}

func (l *Limited) acquire(ctx context.Context, write bool) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case l.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !write {
		return func() { <-l.inflight }, nil
	}
	select {
	case l.writes <- struct{}{}:
	case <-ctx.Done():
		<-l.inflight
		return nil, ctx.Err()
	}
	return func() { <-l.writes; <-l.inflight }, nil
}

func (l *Limited) GetIssue(ctx context.Context, repo string, number int) (runtime.Issue, error) {
	release, err := l.acquire(ctx, false)
	if err != nil {
		return runtime.Issue{}, err
	}
	defer release()
	return l.inner.GetIssue(ctx, repo, number)
}

func (l *Limited) EnsureLabel(ctx context.Context, repo, label string) error {
	release, err := l.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()
	return l.inner.EnsureLabel(ctx, repo, label)
}

func (l *Limited) AddLabel(ctx context.Context, repo string, issueNumber int, label string) error {
	release, err := l.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()
	return l.inner.AddLabel(ctx, repo, issueNumber, label)
}

func (l *Limited) RemoveLabel(ctx context.Context, repo string, issueNumber int, label string) error {
	release, err := l.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()
	return l.inner.RemoveLabel(ctx, repo, issueNumber, label)
}

func (l *Limited) PostComment(ctx context.Context, repo string, issueNumber int, body string) (string, error) {
	release, err := l.acquire(ctx, true)
	if err != nil {
		return "", err
	}
	defer release()
	return l.inner.PostComment(ctx, repo, issueNumber, body)
}

func (l *Limited) ListComments(ctx context.Context, repo string, issueNumber int) ([]runtime.Comment, error) {
	release, err := l.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.inner.ListComments(ctx, repo, issueNumber)
}

func (l *Limited) GetPullRequest(ctx context.Context, repo string, number int) (runtime.PullRequest, error) {
	release, err := l.acquire(ctx, false)
	if err != nil {
		return runtime.PullRequest{}, err
	}
	defer release()
	return l.inner.GetPullRequest(ctx, repo, number)
}

func (l *Limited) PullRequestsForIssue(ctx context.Context, repo string, issueNumber int) ([]runtime.PullRequest, error) {
	release, err := l.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.inner.PullRequestsForIssue(ctx, repo, issueNumber)
}

func (l *Limited) MergePullRequest(ctx context.Context, repo string, number int) error {
	release, err := l.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()
	return l.inner.MergePullRequest(ctx, repo, number)
}

func (l *Limited) UpdatePullRequestBranch(ctx context.Context, repo string, number int) error {
	release, err := l.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()
	return l.inner.UpdatePullRequestBranch(ctx, repo, number)
}

func (l *Limited) RequiredChecks(ctx context.Context, repo, baseBranch string) ([]runtime.CheckStatus, error) {
	release, err := l.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.inner.RequiredChecks(ctx, repo, baseBranch)
}

func (l *Limited) DeleteBranch(ctx context.Context, repo, branch string) error {
	release, err := l.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()
	return l.inner.DeleteBranch(ctx, repo, branch)
}

var _ runtime.HostingClient = (*Limited)(nil)
