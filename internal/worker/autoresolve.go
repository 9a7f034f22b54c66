package worker

import (
	"context"
	"fmt"

	"github.com/ralph-labs/ralphd/internal/escalation"
	"github.com/ralph-labs/ralphd/internal/types"
)

// TryAutoResolve runs the escalation autopilot against an escalated task.
// noteText is the escalation note carrying the consultant-decision block.
// When the decision is eligible and within its loop budget, apply runs
// exactly once, the resolution is recorded on the task's ledger, and the
// task returns to the queue.
func (w *Worker) TryAutoResolve(ctx context.Context, t types.Task, noteText string, autopilot *escalation.Autopilot, apply func() error) (types.Task, bool, error) {
	if t.Status != types.TaskEscalated {
		return t, false, fmt.Errorf("worker: auto-resolve on non-escalated task %s (%s)", t.Path, t.Status)
	}

	d, err := escalation.Parse(noteText)
	if err != nil {
		if err == escalation.ErrNoDecisionBlock {
			return t, false, nil
		}
		return t, false, err
	}

	issueNumber, err := issueNumberOf(t.Issue)
	if err != nil {
		return t, false, err
	}

	res, err := autopilot.Resolve(t.Repo, issueNumber, d, apply)
	if err != nil {
		return t, false, err
	}
	if !res.Applied {
		w.log.Info().Str("task", t.Path).Str("reason", res.Reason).Msg("auto-resolve declined")
		return t, false, nil
	}

	now := w.rt.Clock.Now()
	escalated := types.TaskEscalated
	t, err = w.rt.Queue.Transition(t.Path, &escalated, types.TaskQueued, now, func(task *types.Task) {
		task.BlockedSource = ""
		task.BlockedReason = ""
		task.BlockedDetails = ""
		task.AutoResolveLedger = append(task.AutoResolveLedger, types.AutoResolveEntry{
			Signature:      escalation.Signature(d),
			Action:         d.Kind,
			At:             now,
			IdempotencyKey: res.IdempotencyKey,
		})
		task.AutoResolveLastAt = &now
	})
	if err != nil {
		return t, true, err
	}

	// Close the loop upstream: the resolved escalation gets one marked
	// comment, idempotent across retries via the alert marker.
	if _, err := w.WriteAlert(ctx, Alert{
		ID:          "auto-resolve:" + res.IdempotencyKey,
		Fingerprint: "auto-resolve:" + t.Issue + ":" + escalation.Signature(d),
		IssueNumber: issueNumber,
		Body:        fmt.Sprintf("Escalation auto-resolved (%s); task requeued.", d.Kind),
	}); err != nil {
		w.log.Warn().Err(err).Str("task", t.Path).Msg("auto-resolve writeback failed")
	}
	return t, true, nil
}
