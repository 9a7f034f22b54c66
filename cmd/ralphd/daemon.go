package main

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ralph-labs/ralphd/internal/config"
	"github.com/ralph-labs/ralphd/internal/control"
	"github.com/ralph-labs/ralphd/internal/metrics"
	"github.com/ralph-labs/ralphd/internal/paths"
	"github.com/ralph-labs/ralphd/internal/runtime"
	"github.com/ralph-labs/ralphd/internal/scheduler"
	"github.com/ralph-labs/ralphd/internal/supervisor"
	"github.com/ralph-labs/ralphd/internal/throttle"
	"github.com/ralph-labs/ralphd/internal/types"
	"github.com/ralph-labs/ralphd/internal/worker"
)

// tickInterval is the wait before every dispatcher pass, whether or not
// work is available; a control-file change is applied at once and restarts
// the wait.
const tickInterval = 2 * time.Second

// parityAuditInterval paces the per-repo queue parity audit.
const parityAuditInterval = 15 * time.Minute

// daemon wires the dispatcher loop: scheduler, per-repo workers, throttle,
// and the control-file mode.
type daemon struct {
	rt       *runtime.Runtime
	cfg      config.Config
	layout   paths.Layout
	engine   *throttle.Engine
	selector *throttle.Selector
	watcher  *control.Watcher
	metrics  *metrics.Metrics
	sched    *scheduler.Scheduler
	workers  map[string]*worker.Worker
	log      zerolog.Logger

	mu       sync.Mutex
	mode     types.ControlMode
	profile  string
	sessions map[string]*supervisor.Supervisor // task path -> active supervisor
}

func newDaemon(rt *runtime.Runtime, cfg config.Config, layout paths.Layout,
	engine *throttle.Engine, selector *throttle.Selector, watcher *control.Watcher,
	m *metrics.Metrics, log zerolog.Logger) *daemon {

	var repoCfgs []scheduler.RepoConfig
	for _, r := range cfg.Repos {
		repoCfgs = append(repoCfgs, scheduler.RepoConfig{
			Repo:             r.Name,
			Priority:         types.PriorityBand(r.Priority),
			ConcurrencySlots: r.ConcurrencySlots,
			MaxWorkers:       r.MaxWorkers,
		})
	}

	d := &daemon{
		rt:       rt,
		cfg:      cfg,
		layout:   layout,
		engine:   engine,
		selector: selector,
		watcher:  watcher,
		metrics:  m,
		sched:    scheduler.New(repoCfgs),
		workers:  map[string]*worker.Worker{},
		log:      log,
		mode:     types.ModeRunning,
		profile:  cfg.DefaultProfile,
		sessions: map[string]*supervisor.Supervisor{},
	}

	for _, r := range cfg.Repos {
		r := r
		d.workers[r.Name] = worker.New(rt, worker.Config{
			Repo:            r.Name,
			RepoRoot:        r.Root,
			WorktreesRoot:   r.WorktreesDir,
			BotBranchPrefix: cfg.BotBranchPrefix,
			BotBaseBranch:   r.BotBaseBranch,
			DefaultBranch:   r.DefaultBranch,
		}, rt.Store, d.advise, d.execute, d.throttleState)
	}
	return d
}

// run is the dispatcher loop: consume control changes, pick the next repo
// under the current gate, and hand it a tick.
func (d *daemon) run(ctx context.Context) {
	lastAudit := d.rt.Clock.Now()
	for {
		select {
		case <-ctx.Done():
			d.drainAndStop()
			return
		case cf := <-d.watcher.Changes():
			d.applyControl(cf)
			continue
		case <-d.rt.Clock.After(tickInterval):
		}

		d.drainNudgeSpool()

		gate := scheduler.Gate{Mode: d.currentMode(), Throttle: d.throttleState()}
		repo := d.sched.Next(gate)
		if repo == "" {
			if d.rt.Clock.Now().Sub(lastAudit) >= parityAuditInterval {
				lastAudit = d.rt.Clock.Now()
				d.runParityAudits(ctx)
			}
			continue
		}

		d.metrics.SchedulerSelections.WithLabelValues(repo).Inc()
		d.sched.Acquire(repo)
		go func(repo string) {
			defer d.sched.Release(repo)
			d.metrics.ActiveSessions.Inc()
			defer d.metrics.ActiveSessions.Dec()

			res, err := d.workers[repo].Tick(ctx)
			if err != nil {
				d.log.Error().Err(err).Str("repo", repo).Msg("worker tick failed")
				return
			}
			if res != nil {
				d.log.Info().Str("repo", repo).Str("task", res.Task.Path).
					Str("status", string(res.Task.Status)).Bool("paused", res.Paused).Msg("tick complete")
			}
		}(repo)
	}
}

func (d *daemon) applyControl(cf types.ControlFile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = cf.Mode
	if cf.DefaultProfile != "" {
		d.profile = cf.DefaultProfile
	}
	d.log.Info().Str("mode", string(cf.Mode)).Str("profile", d.profile).Msg("control file applied")
}

func (d *daemon) currentMode() types.ControlMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// throttleState reports the effective throttle state for the profile the
// auto-selector currently prefers.
func (d *daemon) throttleState() types.ThrottleState {
	d.mu.Lock()
	profile := d.profile
	d.mu.Unlock()
	if profile == "" {
		return types.ThrottleOK
	}

	names := make([]string, 0, len(d.cfg.Profiles))
	for _, p := range d.cfg.Profiles {
		names = append(names, p.Name)
	}
	if len(names) > 1 {
		if picked, err := d.selector.Select(names); err == nil && picked != "" {
			profile = picked
			d.mu.Lock()
			d.profile = picked
			d.mu.Unlock()
		}
	}

	snap, err := d.engine.Snapshot(profile)
	if err != nil {
		d.log.Warn().Err(err).Str("profile", profile).Msg("throttle snapshot failed")
		return types.ThrottleOK
	}
	d.metrics.ObserveThrottle(snap)
	return snap.State
}

// drainNudgeSpool routes CLI-spooled nudges to the supervisors of their
// running sessions. Nudges for tasks with no active session stay dropped:
// the operator is steering a live agent, not leaving mail.
func (d *daemon) drainNudgeSpool() {
	spooled, err := control.DrainNudges(d.layout.ControlRoot)
	if err != nil {
		d.log.Warn().Err(err).Msg("drain nudge spool")
		return
	}
	for _, n := range spooled {
		d.mu.Lock()
		sup := d.sessions[n.TaskRef]
		d.mu.Unlock()
		if sup == nil {
			d.log.Warn().Str("task", n.TaskRef).Msg("nudge for task with no active session, dropped")
			continue
		}
		if err := sup.Nudges().Enqueue(n.ID, n.Message, d.rt.Clock.Now()); err != nil {
			d.log.Warn().Err(err).Str("task", n.TaskRef).Msg("enqueue nudge")
		}
	}
}

func (d *daemon) runParityAudits(ctx context.Context) {
	for repo, w := range d.workers {
		drift, err := w.AuditQueueParity(ctx)
		if err != nil {
			d.log.Warn().Err(err).Str("repo", repo).Msg("queue parity audit failed")
			continue
		}
		d.metrics.ParityDrift.WithLabelValues(repo).Set(float64(drift.Total()))
		if drift.Total() > 0 {
			d.log.Warn().Str("repo", repo).Int("drift", drift.Total()).Int("checked", drift.Checked).Msg("queue parity drift")
		}
	}
}

// drainAndStop gives in-flight work the configured drain timeout before
// returning.
func (d *daemon) drainAndStop() {
	deadline := d.rt.Clock.Now().Add(d.cfg.DrainTimeoutDuration())
	for d.rt.Clock.Now().Before(deadline) {
		d.mu.Lock()
		active := len(d.sessions)
		d.mu.Unlock()
		if active == 0 {
			return
		}
		time.Sleep(time.Second)
	}
	d.log.Warn().Msg("drain timeout elapsed with sessions still active")
}

// advise runs the agent in advisory mode for a review gate and returns its
// transcript text.
func (d *daemon) advise(ctx context.Context, gate types.GateName, t types.Task) (string, error) {
	_, text, err := d.runSession(ctx, t, []string{"review", string(gate), t.Issue})
	if err != nil {
		return "", err
	}
	return text, nil
}

// execute runs the implementation session for a task in its worktree.
func (d *daemon) execute(ctx context.Context, t types.Task, worktree string) (supervisor.Outcome, error) {
	outcome, _, err := d.runSession(ctx, t, []string{"work", t.Issue, "--worktree", worktree})
	return outcome, err
}

func (d *daemon) runSession(ctx context.Context, t types.Task, args []string) (supervisor.Outcome, string, error) {
	session, err := supervisor.OpenSession(d.layout.SessionsDir, t.SessionID)
	if err != nil {
		return supervisor.Outcome{}, "", err
	}

	sup := supervisor.New(d.rt, supervisor.Config{
		Watchdog: supervisor.DefaultWatchdogPolicy,
		Stall:    supervisor.DefaultStallConfig,
		Loop:     supervisor.DefaultLoopDetectorConfig,
		Repo:     t.Repo,
	}, d.log, session)

	d.mu.Lock()
	d.sessions[t.Path] = sup
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.sessions, t.Path)
		d.mu.Unlock()
		session.Close()
		if err := session.Cleanup(); err != nil {
			d.log.Warn().Err(err).Str("session", t.SessionID).Msg("session cleanup")
		}
	}()

	d.mu.Lock()
	profile := d.profile
	d.mu.Unlock()
	env := []string{"RALPH_TASK=" + t.Path}
	for _, p := range d.cfg.Profiles {
		if p.Name == profile {
			env = append(env, "AGENT_DATA_DIR="+p.DataDir)
		}
	}

	spec := runtime.ProcessSpec{
		Command: d.cfg.Agent.Command,
		Args:    append(append([]string(nil), d.cfg.Agent.Args...), args...),
		Dir:     t.WorktreePath,
		Env:     env,
	}

	// Nudges are delivered by appending to the session's nudge log; the
	// agent tails it between tool calls.
	deliver := func(n supervisor.Nudge) error {
		return session.AppendNudgeRecord([]byte(`{"event":"delivery","id":"` + n.ID + `"}`))
	}

	outcome := sup.Run(ctx, spec, session, deliver)
	return outcome, readSessionMessages(session.Dir), nil
}

// readSessionMessages reconstructs the session's assistant text from the
// preserved events log, for review-decision parsing.
func readSessionMessages(sessionDir string) string {
	f, err := os.Open(filepath.Join(sessionDir, "events.jsonl"))
	if err != nil {
		return ""
	}
	defer f.Close()

	var b strings.Builder
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		ev, err := supervisor.ParseEvent(sc.Bytes())
		if err != nil {
			continue
		}
		if ev.Type == supervisor.EventMessage {
			b.WriteString(ev.Message)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
