package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/ralph-labs/ralphd/internal/runtime"
)

// DefaultMaxBaseRetries bounds how many times a "base branch was modified"
// merge rejection is retried by updating the PR branch.
const DefaultMaxBaseRetries = 3

// BlockedSourceAutoUpdate is the blocked-source recorded when the bounded
// base-update retries are exhausted. It is deliberately distinct from a CI
// failure: the checks were green, the base just kept moving.
const BlockedSourceAutoUpdate = "auto-update"

// MergeResult reports what MergeTask did.
type MergeResult struct {
	Merged        bool
	BranchDeleted bool
	Blocked       bool
	BlockedSource string
	BlockedReason string
}

// MergeTask merges the task's PR. Required checks are re-resolved before
// every merge attempt; a stale green from an earlier poll is never trusted
// across an attempt boundary. The head branch is deleted afterwards only
// when every deletion precondition holds.
func (w *Worker) MergeTask(ctx context.Context, prNumber int) (MergeResult, error) {
	maxRetries := w.cfg.MaxBaseRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxBaseRetries
	}

	for attempt := 0; ; attempt++ {
		pr, err := w.rt.Hosting.GetPullRequest(ctx, w.cfg.Repo, prNumber)
		if err != nil {
			return MergeResult{}, fmt.Errorf("worker: read PR before merge: %w", err)
		}

		checks, err := w.rt.Hosting.RequiredChecks(ctx, w.cfg.Repo, pr.BaseRef)
		if err != nil {
			return MergeResult{}, fmt.Errorf("worker: resolve required checks: %w", err)
		}
		if !allChecksGreen(checks) {
			return MergeResult{
				Blocked:       true,
				BlockedSource: "ci-failure",
				BlockedReason: "required checks are not green at merge time",
			}, nil
		}

		err = w.rt.Hosting.MergePullRequest(ctx, w.cfg.Repo, prNumber)
		if err == nil {
			deleted, derr := w.maybeDeleteHeadBranch(ctx, prNumber, pr.HeadRef)
			if derr != nil {
				w.log.Warn().Err(derr).Int("pr", prNumber).Msg("head branch deletion failed")
			}
			return MergeResult{Merged: true, BranchDeleted: deleted}, nil
		}

		if !isBaseModified(err) {
			return MergeResult{}, fmt.Errorf("worker: merge PR #%d: %w", prNumber, err)
		}
		if attempt >= maxRetries {
			return MergeResult{
				Blocked:       true,
				BlockedSource: BlockedSourceAutoUpdate,
				BlockedReason: fmt.Sprintf("base branch kept moving through %d update retries", maxRetries),
			}, nil
		}
		if err := w.rt.Hosting.UpdatePullRequestBranch(ctx, w.cfg.Repo, prNumber); err != nil {
			return MergeResult{}, fmt.Errorf("worker: update PR branch after base moved: %w", err)
		}
	}
}

// maybeDeleteHeadBranch deletes the merged PR's head branch only when ALL
// preconditions hold: merged, not cross-repo, base is the bot branch, head
// is not the default branch, and the head ref is unchanged since merge.
func (w *Worker) maybeDeleteHeadBranch(ctx context.Context, prNumber int, headRefAtMerge string) (bool, error) {
	pr, err := w.rt.Hosting.GetPullRequest(ctx, w.cfg.Repo, prNumber)
	if err != nil {
		return false, err
	}
	if !pr.Merged ||
		pr.CrossRepo ||
		pr.BaseRef != w.cfg.BotBaseBranch ||
		pr.HeadRef == w.cfg.DefaultBranch ||
		pr.HeadRef != headRefAtMerge {
		return false, nil
	}
	if err := w.rt.Hosting.DeleteBranch(ctx, w.cfg.Repo, pr.HeadRef); err != nil {
		return false, err
	}
	return true, nil
}

func allChecksGreen(checks []runtime.CheckStatus) bool {
	for _, c := range checks {
		if c.Status != "success" && c.Conclusion != "success" {
			return false
		}
	}
	return true
}

func isBaseModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "base branch was modified")
}
