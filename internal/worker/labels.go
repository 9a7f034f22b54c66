package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/ralph-labs/ralphd/internal/classify"
)

// Status labels mirrored to the hosting service so operators see queue
// state from the issue itself.
const (
	LabelInProgress = "ralph:in-progress"
	LabelBlocked    = "ralph:blocked"
	LabelEscalated  = "ralph:escalated"
)

// ApplyLabels adds each label to the issue. A "label does not exist" error
// is retried exactly once after creating the label; any other error is
// classified, and for non-transient kinds the labels already applied in
// this call are rolled back before returning.
func (w *Worker) ApplyLabels(ctx context.Context, issueNumber int, labels []string) error {
	var applied []string
	for _, label := range labels {
		err := w.rt.Hosting.AddLabel(ctx, w.cfg.Repo, issueNumber, label)
		if err != nil && isMissingLabel(err) {
			if err = w.rt.Hosting.EnsureLabel(ctx, w.cfg.Repo, label); err == nil {
				err = w.rt.Hosting.AddLabel(ctx, w.cfg.Repo, issueNumber, label)
			}
		}
		if err != nil {
			kind, _ := classify.Of(err)
			if !classify.Retryable(kind) {
				w.rollbackLabels(ctx, issueNumber, applied)
			}
			return classify.New(kind, "LABEL_WRITEBACK", fmt.Errorf("worker: apply label %q: %w", label, err))
		}
		applied = append(applied, label)
	}
	return nil
}

// rollbackLabels best-effort removes labels applied earlier in a failed
// operation. Rollback failures are logged, not surfaced: the original
// error is what the caller acts on.
func (w *Worker) rollbackLabels(ctx context.Context, issueNumber int, applied []string) {
	for _, label := range applied {
		if err := w.rt.Hosting.RemoveLabel(ctx, w.cfg.Repo, issueNumber, label); err != nil {
			w.log.Warn().Err(err).Str("label", label).Int("issue", issueNumber).Msg("label rollback failed")
		}
	}
}

func isMissingLabel(err error) bool {
	return err != nil && strings.Contains(err.Error(), "does not exist")
}
