package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ralph-labs/ralphd/internal/runtime"
	"github.com/ralph-labs/ralphd/internal/types"
)

func TestAuditQueueParityCountsDrift(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	now := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)

	h.queue.Load([]types.Task{
		{Path: "tasks/1", Repo: "3mdistal/ralph", Issue: "3mdistal/ralph#1", Status: types.TaskBlocked, CreatedAt: now},
		{Path: "tasks/2", Repo: "3mdistal/ralph", Issue: "3mdistal/ralph#2", Status: types.TaskInProgress, CreatedAt: now},
		{Path: "tasks/3", Repo: "3mdistal/ralph", Issue: "3mdistal/ralph#3", Status: types.TaskQueued, CreatedAt: now},
	})

	// #1 blocked locally but unlabeled upstream; #2 in progress and
	// correctly labeled; #3 queued but still carrying a stale blocked label.
	h.hosting.SeedIssue("3mdistal/ralph", runtime.Issue{Number: 1, State: "open"})
	h.hosting.SeedIssue("3mdistal/ralph", runtime.Issue{Number: 2, State: "open", Labels: []string{LabelInProgress}})
	h.hosting.SeedIssue("3mdistal/ralph", runtime.Issue{Number: 3, State: "open", Labels: []string{LabelBlocked}})

	drift, err := h.worker.AuditQueueParity(context.Background())
	if err != nil {
		t.Fatalf("AuditQueueParity: %v", err)
	}
	if drift.Checked != 3 {
		t.Fatalf("checked = %d, want 3", drift.Checked)
	}
	if drift.BlockedMissingLabel != 1 {
		t.Fatalf("BlockedMissingLabel = %d, want 1", drift.BlockedMissingLabel)
	}
	if drift.BlockedStaleLabel != 1 {
		t.Fatalf("BlockedStaleLabel = %d, want 1", drift.BlockedStaleLabel)
	}
	if drift.InProgressMissingLabel != 0 || drift.InProgressStaleLabel != 0 {
		t.Fatalf("in-progress drift = %d/%d, want 0/0", drift.InProgressMissingLabel, drift.InProgressStaleLabel)
	}
	if drift.Total() != 2 {
		t.Fatalf("total = %d, want 2", drift.Total())
	}
}

func TestApplyLabelsCreatesMissingLabelOnce(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	h.hosting.SeedIssue("3mdistal/ralph", runtime.Issue{Number: 5, State: "open"})

	// The fake rejects AddLabel for labels never ensured, mirroring the
	// hosting service's "label does not exist" error.
	if err := h.worker.ApplyLabels(context.Background(), 5, []string{LabelBlocked}); err != nil {
		t.Fatalf("ApplyLabels: %v", err)
	}

	got := h.hosting.IssueLabels("3mdistal/ralph", 5)
	if len(got) != 1 || got[0] != LabelBlocked {
		t.Fatalf("labels after retry = %v, want [%s]", got, LabelBlocked)
	}
}
