// Package worker runs one repository's tasks through the gate sequence:
// preflight, the advisory reviews, CI, and PR evidence, then the merge.
// It owns the repo's worktree pool, mutates task status in the queue, and
// writes outcomes back to the hosting service.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ralph-labs/ralphd/internal/logging"
	"github.com/ralph-labs/ralphd/internal/runtime"
	"github.com/ralph-labs/ralphd/internal/store"
	"github.com/ralph-labs/ralphd/internal/supervisor"
	"github.com/ralph-labs/ralphd/internal/types"
)

// Config is one repository's worker configuration.
type Config struct {
	Repo          string
	RepoRoot      string
	WorktreesRoot string

	BotBranchPrefix string // e.g. "bot/"
	BotBaseBranch   string // e.g. "bot/integration"
	DefaultBranch   string // e.g. "main"

	CIWaitTimeout  time.Duration
	CIPollInterval time.Duration
	MaxBaseRetries int
	MaxCIAttempts  int
}

// AdviseFunc invokes the coding agent in advisory mode for a review gate
// and returns its transcript text. Production spawns a supervised session;
// tests return canned transcripts.
type AdviseFunc func(ctx context.Context, gate types.GateName, t types.Task) (string, error)

// ExecuteFunc runs the implementation session for a task in its worktree
// and returns the supervisor outcome, including any PR URL the session
// produced.
type ExecuteFunc func(ctx context.Context, t types.Task, worktree string) (supervisor.Outcome, error)

// ThrottleFunc reports the current throttle state; the worker consults it
// at every gate boundary ("pause if hard-throttled").
type ThrottleFunc func() types.ThrottleState

// Worker drives one repository's tasks.
type Worker struct {
	rt        *runtime.Runtime
	cfg       Config
	store     *store.Store
	worktrees *WorktreePool
	advise    AdviseFunc
	execute   ExecuteFunc
	throttle  ThrottleFunc
	log       zerolog.Logger
}

// New builds a Worker. advise and execute are required in production;
// throttle may be nil, in which case the worker never self-pauses.
func New(rt *runtime.Runtime, cfg Config, st *store.Store, advise AdviseFunc, execute ExecuteFunc, throttle ThrottleFunc) *Worker {
	if cfg.CIWaitTimeout <= 0 {
		cfg.CIWaitTimeout = 30 * time.Minute
	}
	if cfg.CIPollInterval <= 0 {
		cfg.CIPollInterval = 15 * time.Second
	}
	return &Worker{
		rt:        rt,
		cfg:       cfg,
		store:     st,
		worktrees: NewWorktreePool(cfg.RepoRoot, cfg.WorktreesRoot),
		advise:    advise,
		execute:   execute,
		throttle:  throttle,
		log:       logging.WithRepo(logging.WithComponent("worker"), cfg.Repo),
	}
}

// TickResult is the outcome of one scheduler tick given to this worker.
type TickResult struct {
	Task   types.Task
	RunID  string
	Paused bool
}

// Tick selects the next queued task for this repo and runs it. It returns
// nil when no task is waiting.
func (w *Worker) Tick(ctx context.Context) (*TickResult, error) {
	next := w.rt.Queue.Next(w.cfg.Repo)
	if next == nil {
		return nil, nil
	}
	return w.RunTask(ctx, *next)
}

// RunTask drives one task from queued to a terminal or parked status.
func (w *Worker) RunTask(ctx context.Context, t types.Task) (*TickResult, error) {
	now := w.rt.Clock.Now()
	sessionID := "s-" + uuid.NewString()

	queued := types.TaskQueued
	t, err := w.rt.Queue.Transition(t.Path, &queued, types.TaskStarting, now, func(task *types.Task) {
		task.SessionID = sessionID
	})
	if err != nil {
		return nil, fmt.Errorf("worker: claim task: %w", err)
	}

	// PR recovery first: work already resolved upstream never reaches the
	// gate sequence.
	rec, err := w.TryEnsurePrFromWorktree(ctx, t)
	if err != nil {
		t, _ = w.blockTask(t, "recovery", "RECOVERY_FAILED", err.Error())
		return &TickResult{Task: t}, err
	}
	if rec.TerminalRun != nil {
		return w.finishTerminal(t, rec.TerminalRun)
	}

	run, err := w.store.CreateRun(t.Repo, t.Issue, t.Path, "gates", w.rt.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("worker: create run: %w", err)
	}

	starting := types.TaskStarting
	t, err = w.rt.Queue.Transition(t.Path, &starting, types.TaskInProgress, w.rt.Clock.Now(), nil)
	if err != nil {
		return nil, fmt.Errorf("worker: start task: %w", err)
	}

	res, err := w.runGates(ctx, t, run, rec.PRURL)
	if res != nil {
		res.RunID = run.ID
	}
	return res, err
}

// runGates executes the gate sequence for one run. recoveredPRURL is a
// still-open PR found during recovery, reused instead of spawning a fresh
// implementation session.
func (w *Worker) runGates(ctx context.Context, t types.Task, run *types.Run, recoveredPRURL string) (*TickResult, error) {
	prURL := recoveredPRURL

	for _, gate := range types.GateOrder {
		if w.pausedAtCheckpoint() {
			return &TickResult{Task: t, Paused: true}, nil
		}

		switch gate {
		case types.GatePreflight:
			dir, err := w.worktrees.Ensure(t.Path, w.cfg.BotBranchPrefix+"task/"+strconv.Itoa(mustIssueNumber(t.Issue)))
			if err != nil {
				w.failGate(run.ID, gate, "NO_WORKTREE_BRANCH", err.Error())
				t, _ = w.blockTask(t, "preflight", "NO_WORKTREE_BRANCH", err.Error())
				w.finalize(run.ID, types.OutcomeFailure, "", "")
				return &TickResult{Task: t}, nil
			}
			w.rt.Queue.Put(withWorktree(t, dir))
			t.WorktreePath = dir
			w.passGate(run.ID, gate, "", 0)

		case types.GatePlanReview, types.GateProductReview, types.GateDevexReview:
			pass, reason, err := w.runReview(ctx, gate, t, run.ID)
			if err != nil {
				t, _ = w.escalateTask(t, string(gate), err.Error())
				w.finalize(run.ID, types.OutcomeFailure, "", "")
				return &TickResult{Task: t}, nil
			}
			if !pass {
				w.failGate(run.ID, gate, reason, "")
				t, _ = w.escalateTask(t, string(gate), reason)
				w.finalize(run.ID, types.OutcomeFailure, "", "")
				return &TickResult{Task: t}, nil
			}
			w.passGate(run.ID, gate, "", 0)

			// The implementation session runs once the advisory gates are
			// through; CI then waits on the PR it produced.
			if gate == types.GateDevexReview && prURL == "" && w.execute != nil {
				outcome, err := w.execute(ctx, t, t.WorktreePath)
				if err != nil {
					t, _ = w.blockTask(t, "agent", "AGENT_SPAWN_FAILED", err.Error())
					w.finalize(run.ID, types.OutcomeFailure, "", "")
					return &TickResult{Task: t}, nil
				}
				if outcome.Reason != "exited" || outcome.ExitCode != 0 {
					t, _ = w.escalateTask(t, "agent", "session ended: "+outcome.Reason)
					w.finalize(run.ID, types.OutcomeFailure, "", "")
					return &TickResult{Task: t}, nil
				}
				prURL = outcome.PRURL
			}

		case types.GateCI:
			var done bool
			var err error
			t, done, err = w.runCIGate(ctx, t, run.ID, prURL)
			if err != nil {
				return &TickResult{Task: t}, err
			}
			if done {
				w.finalize(run.ID, types.OutcomeFailure, "", "")
				return &TickResult{Task: t}, nil
			}

		case types.GatePREvidence:
			var done bool
			t, prURL, done = w.runPREvidenceGate(ctx, t, run.ID, prURL)
			if done {
				w.finalize(run.ID, types.OutcomeFailure, "", "")
				return &TickResult{Task: t}, nil
			}
		}
	}

	return w.mergeAndFinish(ctx, t, run.ID, prURL)
}

func (w *Worker) runReview(ctx context.Context, gate types.GateName, t types.Task, runID string) (pass bool, reason string, err error) {
	if w.advise == nil {
		return true, "", nil
	}
	text, err := w.advise(ctx, gate, t)
	if err != nil {
		return false, "", fmt.Errorf("worker: advisory session for %s: %w", gate, err)
	}

	if gate == types.GateProductReview {
		if gap, found := HasProductGap(text); found {
			if gap {
				w.recordNote(runID, gate, text)
				return false, "product gap raised by review", nil
			}
			return true, "", nil
		}
	}

	d, err := ParseReviewDecision(text)
	if err == ErrNoReviewDecision {
		// No explicit marker is never read as approval.
		return false, "review produced no explicit decision marker", nil
	}
	if err != nil {
		return false, "", err
	}
	if !d.Approved {
		w.recordNote(runID, gate, text)
		return false, firstNonEmpty(d.Reason, "changes requested by review"), nil
	}
	return true, "", nil
}

// runCIGate waits for the PR's required checks to settle. done=true means
// the task reached a parked status and the gate sequence must stop.
func (w *Worker) runCIGate(ctx context.Context, t types.Task, runID, prURL string) (types.Task, bool, error) {
	prNumber, ok := prNumberOf(prURL)
	if !ok {
		w.failGate(runID, types.GateCI, "no PR to run checks against", "")
		t, _ = w.blockTask(t, "ci-failure", "NO_PR", "implementation session produced no PR URL")
		return t, true, nil
	}
	pr, err := w.rt.Hosting.GetPullRequest(ctx, w.cfg.Repo, prNumber)
	if err != nil {
		return t, true, fmt.Errorf("worker: read PR for CI gate: %w", err)
	}

	checks, settled := w.waitForChecks(ctx, pr.BaseRef)
	if !settled {
		w.failGate(runID, types.GateCI, "required checks did not reach a terminal state in time", "")
		t, _ = w.blockTask(t, "ci-failure", "CI_TIMEOUT", "")
		return t, true, nil
	}
	if allChecksGreen(checks) {
		w.store.UpsertRunGateResult(types.GateResult{
			RunID: runID, Gate: types.GateCI, Status: types.GatePass,
			URL: prURL, PRNumber: prNumber,
		})
		return t, false, nil
	}

	issueNumber := mustIssueNumber(t.Issue)
	probe := ClassifyCIFailure(checks, 1, w.cfg.MaxCIAttempts)
	attempts, err := w.store.BumpAttempt(t.Repo, issueNumber, "ci:"+probe.Signature)
	if err != nil || attempts == 0 {
		attempts = 1
	}
	payload := ClassifyCIFailure(checks, attempts, w.cfg.MaxCIAttempts)

	w.store.UpsertRunGateResult(types.GateResult{
		RunID: runID, Gate: types.GateCI, Status: types.GateFail,
		Reason: "required checks failed", URL: prURL, PRNumber: prNumber,
		ClassifierPayload: payload,
	})
	w.store.RecordRunGateArtifact(types.GateArtifact{
		RunID: runID, Gate: types.GateCI, Kind: types.ArtifactFailureExcerpt,
		Content: strings.Join(payload.Reasons, "\n"),
	})

	switch payload.Action {
	case types.ActionQuarantine:
		t, _ = w.blockTask(t, "ci-failure", "CI_QUARANTINED", strings.Join(payload.Reasons, "; "))
	case types.ActionResume:
		t, _ = w.requeueTask(t)
	default: // spawn
		t, _ = w.escalateTask(t, "ci-failure", strings.Join(payload.Reasons, "; "))
	}
	return t, true, nil
}

// waitForChecks polls required checks until they all reach a terminal
// state or the CI wait timeout elapses.
func (w *Worker) waitForChecks(ctx context.Context, baseBranch string) ([]runtime.CheckStatus, bool) {
	deadline := w.rt.Clock.Now().Add(w.cfg.CIWaitTimeout)
	for {
		checks, err := w.rt.Hosting.RequiredChecks(ctx, w.cfg.Repo, baseBranch)
		if err == nil && allChecksTerminal(checks) {
			return checks, true
		}
		if w.rt.Clock.Now().After(deadline) {
			return checks, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-w.rt.Clock.After(w.cfg.CIPollInterval):
		}
	}
}

func (w *Worker) runPREvidenceGate(ctx context.Context, t types.Task, runID, prURL string) (types.Task, string, bool) {
	prNumber, ok := prNumberOf(prURL)
	if !ok {
		w.failGate(runID, types.GatePREvidence, "no PR recorded", "")
		t, _ = w.blockTask(t, "pr-evidence", "NO_PR", "")
		return t, prURL, true
	}
	pr, err := w.rt.Hosting.GetPullRequest(ctx, w.cfg.Repo, prNumber)
	if err != nil {
		w.failGate(runID, types.GatePREvidence, "PR not found", "")
		t, _ = w.blockTask(t, "pr-evidence", "PR_NOT_FOUND", err.Error())
		return t, prURL, true
	}
	if !strings.HasPrefix(pr.HeadRef, w.cfg.BotBranchPrefix) {
		w.failGate(runID, types.GatePREvidence, "head branch is not owned by the bot", "")
		t, _ = w.blockTask(t, "pr-evidence", "HEAD_NOT_BOT_OWNED", pr.HeadRef)
		return t, prURL, true
	}
	if pr.State != "open" && !pr.Merged {
		w.failGate(runID, types.GatePREvidence, "PR is closed without merge", "")
		t, _ = w.blockTask(t, "pr-evidence", "PR_CLOSED", "")
		return t, prURL, true
	}
	w.store.UpsertRunGateResult(types.GateResult{
		RunID: runID, Gate: types.GatePREvidence, Status: types.GatePass,
		URL: pr.URL, PRNumber: pr.Number,
	})
	return t, firstNonEmpty(pr.URL, prURL), false
}

func (w *Worker) mergeAndFinish(ctx context.Context, t types.Task, runID, prURL string) (*TickResult, error) {
	prNumber, _ := prNumberOf(prURL)
	res, err := w.MergeTask(ctx, prNumber)
	if err != nil {
		t, _ = w.blockTask(t, "merge", "MERGE_FAILED", err.Error())
		w.finalize(runID, types.OutcomeFailure, "", "")
		return &TickResult{Task: t}, nil
	}
	if res.Blocked {
		t, _ = w.blockTask(t, res.BlockedSource, res.BlockedReason, "")
		w.finalize(runID, types.OutcomeFailure, "", "")
		return &TickResult{Task: t}, nil
	}

	w.finalize(runID, types.OutcomeSuccess, "pr", prURL)
	now := w.rt.Clock.Now()
	inProgress := types.TaskInProgress
	t, err = w.rt.Queue.Transition(t.Path, &inProgress, types.TaskDone, now, func(task *types.Task) {
		task.SessionID = ""
		task.WorktreePath = ""
		task.CompletedAt = &now
		task.CompletionKind = "pr"
	})
	if err != nil {
		return &TickResult{Task: t}, err
	}
	return &TickResult{Task: t}, nil
}

// finishTerminal records a run that was resolved upstream without gates
// and moves the task straight to done.
func (w *Worker) finishTerminal(t types.Task, term *TerminalRun) (*TickResult, error) {
	run, err := w.store.CreateRun(t.Repo, t.Issue, t.Path, "recovery", w.rt.Clock.Now())
	if err != nil {
		return nil, err
	}
	for _, gate := range types.GateOrder {
		w.store.UpsertRunGateResult(types.GateResult{
			RunID: run.ID, Gate: gate, Status: types.GateSkip,
			SkipReason: "resolved upstream",
		})
	}
	w.finalize(run.ID, term.Outcome, term.CompletionKind, term.PR)

	now := w.rt.Clock.Now()
	starting := types.TaskStarting
	t, err = w.rt.Queue.Transition(t.Path, &starting, types.TaskInProgress, now, nil)
	if err != nil {
		return nil, err
	}
	inProgress := types.TaskInProgress
	t, err = w.rt.Queue.Transition(t.Path, &inProgress, types.TaskDone, now, func(task *types.Task) {
		task.SessionID = ""
		task.WorktreePath = ""
		task.CompletedAt = &now
		task.CompletionKind = term.CompletionKind
		task.NoPrTerminalReason = term.NoPrTerminalReason
	})
	if err != nil {
		return nil, err
	}
	return &TickResult{Task: t, RunID: run.ID}, nil
}

func (w *Worker) pausedAtCheckpoint() bool {
	return w.throttle != nil && w.throttle() == types.ThrottleHard
}

// blockTask parks the task as blocked, recording an idempotency key so a
// restart replaying the same decision is stable.
func (w *Worker) blockTask(t types.Task, source, reason, details string) (types.Task, error) {
	now := w.rt.Clock.Now()
	key := fmt.Sprintf("block:%s:%s:%s", t.Path, source, reason)
	if _, err := w.store.RecordKey("block", key, details); err != nil {
		w.log.Warn().Err(err).Msg("record blocking idempotency key")
	}
	return w.rt.Queue.Transition(t.Path, nil, types.TaskBlocked, now, func(task *types.Task) {
		task.SessionID = ""
		task.BlockedSource = source
		task.BlockedReason = reason
		task.BlockedDetails = details
		task.BlockedAt = &now
	})
}

func (w *Worker) escalateTask(t types.Task, source, reason string) (types.Task, error) {
	now := w.rt.Clock.Now()
	key := fmt.Sprintf("escalate:%s:%s", t.Path, source)
	if _, err := w.store.RecordKey("block", key, reason); err != nil {
		w.log.Warn().Err(err).Msg("record escalation idempotency key")
	}
	return w.rt.Queue.Transition(t.Path, nil, types.TaskEscalated, now, func(task *types.Task) {
		task.SessionID = ""
		task.BlockedSource = source
		task.BlockedReason = reason
	})
}

func (w *Worker) requeueTask(t types.Task) (types.Task, error) {
	blocked := types.TaskBlocked
	now := w.rt.Clock.Now()
	// A resume-classified CI failure parks briefly as blocked, then is
	// immediately requeued; the two hops keep every edge on the lifecycle
	// graph.
	t, err := w.rt.Queue.Transition(t.Path, nil, blocked, now, func(task *types.Task) {
		task.SessionID = ""
		task.BlockedSource = "ci-failure"
		task.BlockedReason = "flake, retrying"
		task.BlockedAt = &now
	})
	if err != nil {
		return t, err
	}
	return w.rt.Queue.Transition(t.Path, &blocked, types.TaskQueued, now, func(task *types.Task) {
		task.BlockedSource = ""
		task.BlockedReason = ""
		task.BlockedAt = nil
	})
}

func (w *Worker) passGate(runID string, gate types.GateName, url string, prNumber int) {
	if err := w.store.UpsertRunGateResult(types.GateResult{
		RunID: runID, Gate: gate, Status: types.GatePass, URL: url, PRNumber: prNumber,
	}); err != nil {
		w.log.Error().Err(err).Str("gate", string(gate)).Msg("record gate pass")
	}
}

func (w *Worker) failGate(runID string, gate types.GateName, reason, details string) {
	if err := w.store.UpsertRunGateResult(types.GateResult{
		RunID: runID, Gate: gate, Status: types.GateFail, Reason: reason,
	}); err != nil {
		w.log.Error().Err(err).Str("gate", string(gate)).Msg("record gate fail")
	}
	if details != "" {
		w.recordNote(runID, gate, details)
	}
}

func (w *Worker) recordNote(runID string, gate types.GateName, content string) {
	if _, err := w.store.RecordRunGateArtifact(types.GateArtifact{
		RunID: runID, Gate: gate, Kind: types.ArtifactNote, Content: content,
	}); err != nil {
		w.log.Warn().Err(err).Str("gate", string(gate)).Msg("record gate note")
	}
}

func (w *Worker) finalize(runID string, outcome types.RunOutcome, completionKind, prURL string) {
	if err := w.store.FinalizeRun(runID, outcome, completionKind, prURL, w.rt.Clock.Now(), nil); err != nil {
		w.log.Error().Err(err).Str("run", runID).Msg("finalize run")
	}
}

func withWorktree(t types.Task, dir string) types.Task {
	t.WorktreePath = dir
	return t
}

func mustIssueNumber(issueRef string) int {
	n, err := issueNumberOf(issueRef)
	if err != nil {
		return 0
	}
	return n
}

// prNumberOf extracts the trailing number of a ".../pull/<n>" URL.
func prNumberOf(prURL string) (int, bool) {
	idx := strings.LastIndex(prURL, "/pull/")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimRight(prURL[idx+len("/pull/"):], "/"))
	if err != nil {
		return 0, false
	}
	return n, true
}

func allChecksTerminal(checks []runtime.CheckStatus) bool {
	if len(checks) == 0 {
		return false
	}
	for _, c := range checks {
		if c.Status == "pending" || c.Status == "" {
			return false
		}
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
