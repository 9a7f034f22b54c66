package worker

import (
	"context"

	"github.com/ralph-labs/ralphd/internal/types"
)

// ParityDrift counts the disagreements between the local queue view and
// the upstream label state, by category.
type ParityDrift struct {
	BlockedMissingLabel    int // locally blocked, no blocked label upstream
	BlockedStaleLabel      int // blocked label upstream, not blocked locally
	InProgressMissingLabel int
	InProgressStaleLabel   int
	Checked                int
}

// Total returns the combined drift count across categories.
func (d ParityDrift) Total() int {
	return d.BlockedMissingLabel + d.BlockedStaleLabel + d.InProgressMissingLabel + d.InProgressStaleLabel
}

// AuditQueueParity compares the local blocked/in-progress task view
// against the hosting service's label state and reports drift counts. It
// mutates nothing; the report is for operators and metrics.
func (w *Worker) AuditQueueParity(ctx context.Context) (ParityDrift, error) {
	var drift ParityDrift
	for _, t := range w.rt.Queue.List(w.cfg.Repo) {
		issueNumber, err := issueNumberOf(t.Issue)
		if err != nil {
			continue // malformed ref is reported elsewhere, not drift
		}
		issue, err := w.rt.Hosting.GetIssue(ctx, w.cfg.Repo, issueNumber)
		if err != nil {
			return drift, err
		}
		drift.Checked++

		hasBlocked := hasLabel(issue.Labels, LabelBlocked)
		hasInProgress := hasLabel(issue.Labels, LabelInProgress)

		switch t.Status {
		case types.TaskBlocked:
			if !hasBlocked {
				drift.BlockedMissingLabel++
			}
			if hasInProgress {
				drift.InProgressStaleLabel++
			}
		case types.TaskInProgress, types.TaskStarting:
			if !hasInProgress {
				drift.InProgressMissingLabel++
			}
			if hasBlocked {
				drift.BlockedStaleLabel++
			}
		default:
			if hasBlocked {
				drift.BlockedStaleLabel++
			}
			if hasInProgress {
				drift.InProgressStaleLabel++
			}
		}
	}
	return drift, nil
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
