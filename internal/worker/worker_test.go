package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ralph-labs/ralphd/internal/hosting"
	"github.com/ralph-labs/ralphd/internal/queue"
	"github.com/ralph-labs/ralphd/internal/runtime"
	"github.com/ralph-labs/ralphd/internal/store"
	"github.com/ralph-labs/ralphd/internal/supervisor"
	"github.com/ralph-labs/ralphd/internal/types"
)

type harness struct {
	worker  *Worker
	queue   *queue.Queue
	hosting *hosting.Fake
	store   *store.Store
	clock   *runtime.FakeClock
}

func approveAll(_ context.Context, _ types.GateName, _ types.Task) (string, error) {
	return "REVIEW: APPROVED", nil
}

func newHarness(t *testing.T, advise AdviseFunc, execute ExecuteFunc, throttle ThrottleFunc) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.InitWritable(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("InitWritable: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New()
	fake := hosting.NewFake()
	clock := runtime.NewFakeClock(time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC))
	rt := &runtime.Runtime{Clock: clock, Hosting: fake, Queue: q, Store: st}

	cfg := Config{
		Repo:            "3mdistal/ralph",
		RepoRoot:        filepath.Join(dir, "repo"),
		WorktreesRoot:   filepath.Join(dir, "worktrees"),
		BotBranchPrefix: "bot/",
		BotBaseBranch:   "bot/integration",
		DefaultBranch:   "main",
		CIWaitTimeout:   time.Minute,
		CIPollInterval:  time.Second,
	}
	return &harness{
		worker:  New(rt, cfg, st, advise, execute, throttle),
		queue:   q,
		hosting: fake,
		store:   st,
		clock:   clock,
	}
}

func seedTask(h *harness, issueNumber int) types.Task {
	t := types.Task{
		Path:      "tasks/ralph-319",
		Repo:      "3mdistal/ralph",
		Issue:     "3mdistal/ralph#319",
		Status:    types.TaskQueued,
		CreatedAt: h.clock.Now(),
	}
	if issueNumber != 319 {
		t.Path = "tasks/other"
		t.Issue = "3mdistal/ralph#" + itoa(issueNumber)
	}
	h.queue.Put(t)
	return t
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func TestRunTaskHappyPathMerges(t *testing.T) {
	prURL := "https://github.com/3mdistal/ralph/pull/631"
	execute := func(_ context.Context, _ types.Task, _ string) (supervisor.Outcome, error) {
		return supervisor.Outcome{Reason: "exited", ExitCode: 0, PRURL: prURL}, nil
	}
	h := newHarness(t, approveAll, execute, nil)
	task := seedTask(h, 319)

	h.hosting.SeedIssue("3mdistal/ralph", runtime.Issue{Number: 319, State: "open"})
	h.hosting.SeedPullRequest("3mdistal/ralph", runtime.PullRequest{
		Number: 631, URL: prURL, HeadRef: "bot/task/319", BaseRef: "bot/integration", State: "open",
	})
	h.hosting.SeedChecks("3mdistal/ralph", "bot/integration", []runtime.CheckStatus{
		{Name: "ci/test", Status: "success", Conclusion: "success"},
	})

	res, err := h.worker.RunTask(context.Background(), task)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if res.Task.Status != types.TaskDone {
		t.Fatalf("task status = %s, want done", res.Task.Status)
	}
	if res.Task.SessionID != "" || res.Task.WorktreePath != "" {
		t.Fatalf("terminal task should clear session/worktree, got %q/%q", res.Task.SessionID, res.Task.WorktreePath)
	}
	if res.Task.CompletionKind != "pr" {
		t.Fatalf("completion kind = %q, want pr", res.Task.CompletionKind)
	}

	state, err := h.store.GetLatestRunGateStateForIssue("3mdistal/ralph", "3mdistal/ralph#319")
	if err != nil {
		t.Fatalf("gate state: %v", err)
	}
	if state.Run.Outcome != types.OutcomeSuccess {
		t.Fatalf("run outcome = %s, want success", state.Run.Outcome)
	}
	for _, g := range state.Gates {
		if g.Status != types.GatePass {
			t.Fatalf("gate %s = %s, want pass", g.Gate, g.Status)
		}
	}
}

func TestWorktreeNeverEqualsRepoRoot(t *testing.T) {
	pool := NewWorktreePool("/srv/checkout/task", "/srv/checkout")
	if _, err := pool.Ensure("task", "bot/task/1"); err == nil {
		t.Fatal("worktree path equal to repo root must be refused")
	}
}

func TestHardThrottlePausesAtCheckpoint(t *testing.T) {
	h := newHarness(t, approveAll, nil, func() types.ThrottleState { return types.ThrottleHard })
	task := seedTask(h, 319)
	h.hosting.SeedIssue("3mdistal/ralph", runtime.Issue{Number: 319, State: "open"})

	res, err := h.worker.RunTask(context.Background(), task)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if !res.Paused {
		t.Fatal("expected hard throttle to pause before the first gate")
	}
	if res.Task.Status != types.TaskInProgress {
		t.Fatalf("paused task status = %s, want in-progress", res.Task.Status)
	}
}

func TestNoDecisionMarkerIsNotApproval(t *testing.T) {
	advise := func(_ context.Context, gate types.GateName, _ types.Task) (string, error) {
		return "I think this plan looks pretty good overall, approved in spirit.", nil
	}
	h := newHarness(t, advise, nil, nil)
	task := seedTask(h, 319)
	h.hosting.SeedIssue("3mdistal/ralph", runtime.Issue{Number: 319, State: "open"})

	res, err := h.worker.RunTask(context.Background(), task)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if res.Task.Status != types.TaskEscalated {
		t.Fatalf("fuzzy approval must escalate, got %s", res.Task.Status)
	}
}

func TestCIFlakeRequeuesTask(t *testing.T) {
	prURL := "https://github.com/3mdistal/ralph/pull/640"
	execute := func(_ context.Context, _ types.Task, _ string) (supervisor.Outcome, error) {
		return supervisor.Outcome{Reason: "exited", ExitCode: 0, PRURL: prURL}, nil
	}
	h := newHarness(t, approveAll, execute, nil)
	task := seedTask(h, 319)

	h.hosting.SeedIssue("3mdistal/ralph", runtime.Issue{Number: 319, State: "open"})
	h.hosting.SeedPullRequest("3mdistal/ralph", runtime.PullRequest{
		Number: 640, URL: prURL, HeadRef: "bot/task/319", BaseRef: "bot/integration", State: "open",
	})
	h.hosting.SeedChecks("3mdistal/ralph", "bot/integration", []runtime.CheckStatus{
		{Name: "ci/flaky-e2e", Status: "failure", Conclusion: "failure"},
	})

	res, err := h.worker.RunTask(context.Background(), task)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if res.Task.Status != types.TaskQueued {
		t.Fatalf("flake-classified failure should requeue, got %s", res.Task.Status)
	}

	state, err := h.store.GetLatestRunGateStateForIssue("3mdistal/ralph", "3mdistal/ralph#319")
	if err != nil {
		t.Fatalf("gate state: %v", err)
	}
	var ci *types.GateResult
	for i := range state.Gates {
		if state.Gates[i].Gate == types.GateCI {
			ci = &state.Gates[i]
		}
	}
	if ci == nil || ci.Status != types.GateFail {
		t.Fatal("ci gate should be recorded failed")
	}
	if ci.ClassifierPayload == nil {
		t.Fatal("ci failure must persist a classifier payload")
	}
	if ci.ClassifierPayload.Classification != types.ClassificationFlake {
		t.Fatalf("classification = %s, want flake", ci.ClassifierPayload.Classification)
	}
	if ci.ClassifierPayload.Version != ClassifierVersion {
		t.Fatalf("classifier version = %d, want %d", ci.ClassifierPayload.Version, ClassifierVersion)
	}
}
