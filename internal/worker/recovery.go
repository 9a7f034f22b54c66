package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ralph-labs/ralphd/internal/types"
)

// NoPrReasonIssueClosed is recorded when the upstream issue was closed
// without any PR, so the task terminates as verified work with nothing to
// merge.
const NoPrReasonIssueClosed = "ISSUE_CLOSED_UPSTREAM"

// TerminalRun describes a run that ended without executing the gate
// sequence because the work was already resolved upstream.
type TerminalRun struct {
	Outcome            types.RunOutcome
	CompletionKind     string // "pr" | "verified"
	PR                 string // PR URL when CompletionKind is "pr"
	NoPrTerminalReason string
}

// RecoveryResult is what TryEnsurePrFromWorktree returns: either a PR URL
// the normal gate sequence should continue with, or a terminal run that
// short-circuits the task to done.
type RecoveryResult struct {
	PRURL       string
	TerminalRun *TerminalRun
}

// TryEnsurePrFromWorktree checks whether the task's issue is already
// resolved upstream before any gate runs. A merged PR whose base is the
// bot branch terminates the task as completed-by-PR; an issue closed
// without any PR terminates it as verified. Otherwise the latest open PR
// referencing the issue (if any) is handed to the gate sequence, after a
// detached worktree is re-materialized.
func (w *Worker) TryEnsurePrFromWorktree(ctx context.Context, t types.Task) (RecoveryResult, error) {
	issueNumber, err := issueNumberOf(t.Issue)
	if err != nil {
		return RecoveryResult{}, err
	}

	issue, err := w.rt.Hosting.GetIssue(ctx, t.Repo, issueNumber)
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("worker: read issue state: %w", err)
	}
	prs, err := w.rt.Hosting.PullRequestsForIssue(ctx, t.Repo, issueNumber)
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("worker: list PRs for issue: %w", err)
	}

	for i := len(prs) - 1; i >= 0; i-- {
		pr := prs[i]
		if pr.Merged && pr.BaseRef == w.cfg.BotBaseBranch {
			return RecoveryResult{TerminalRun: &TerminalRun{
				Outcome:        types.OutcomeSuccess,
				CompletionKind: "pr",
				PR:             pr.URL,
			}}, nil
		}
	}

	if issue.State == "closed" {
		return RecoveryResult{TerminalRun: &TerminalRun{
			Outcome:            types.OutcomeSuccess,
			CompletionKind:     "verified",
			NoPrTerminalReason: NoPrReasonIssueClosed,
		}}, nil
	}

	// Not resolved upstream. If the recorded worktree is detached, try a
	// recovery-branch materialization before the gate sequence rejects it.
	if t.WorktreePath != "" && w.worktrees.Branch(t.WorktreePath) == "" {
		if _, err := w.worktrees.Recover(t.Path, w.recoveryBranch(t)); err != nil {
			return RecoveryResult{}, err
		}
	}

	for i := len(prs) - 1; i >= 0; i-- {
		if prs[i].State == "open" {
			return RecoveryResult{PRURL: prs[i].URL}, nil
		}
	}
	return RecoveryResult{}, nil
}

func (w *Worker) recoveryBranch(t types.Task) string {
	return w.cfg.BotBranchPrefix + "recovery/" + strings.ReplaceAll(t.Issue, "#", "-")
}

// issueNumberOf extracts the numeric suffix of an "<owner>/<name>#<n>"
// issue ref.
func issueNumberOf(issueRef string) (int, error) {
	idx := strings.LastIndexByte(issueRef, '#')
	if idx < 0 {
		return 0, fmt.Errorf("worker: issue ref %q has no number", issueRef)
	}
	n, err := strconv.Atoi(issueRef[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("worker: issue ref %q has a malformed number: %w", issueRef, err)
	}
	return n, nil
}
