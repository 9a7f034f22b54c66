// Package supervisor owns a single agent subprocess from spawn to exit: it
// reads the subprocess's line-delimited JSON event stream, enforces the
// per-tool and stall watchdogs, runs loop detection, drains queued operator
// nudges at safe checkpoints, and extracts the pull-request URL a session
// ultimately produced.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/ralph-labs/ralphd/internal/runtime"
)

// burstAnomalyCount and burstAnomalyWindow implement the "≥20 anomalies
// within 10s OR cumulative ≥50" kill condition.
const (
	burstAnomalyCount     = 20
	burstAnomalyWindow    = 10 * time.Second
	cumulativeAnomalyKill = 50
)

// terminationGrace is how long the supervisor waits after SIGTERM before
// escalating to SIGKILL.
const terminationGrace = 10 * time.Second

// Outcome describes why a supervised session ended.
type Outcome struct {
	Reason   string // "exited" | "spawn_error" | "watchdog_hard" | "stall" | "loop_trip" | "anomaly_burst" | "ctx_done"
	ExitCode int
	PRURL    string
	Err      error
}

// Config bundles the tunables a Supervisor enforces; callers compose it from
// DefaultWatchdogPolicy, DefaultStallConfig, and DefaultLoopDetectorConfig
// unless a repo overrides them.
type Config struct {
	Watchdog WatchdogPolicy
	Stall    StallConfig
	Loop     LoopDetectorConfig
	Repo     string // current repo slug, for ExtractPRURL's repo-match preference
}

// Supervisor runs one agent subprocess to completion.
type Supervisor struct {
	rt     *runtime.Runtime
	cfg    Config
	log    zerolog.Logger
	nudges *NudgeQueue
}

// New builds a Supervisor bound to rt's clock and spawner, logging under the
// given component logger.
func New(rt *runtime.Runtime, cfg Config, log zerolog.Logger, session *Session) *Supervisor {
	return &Supervisor{rt: rt, cfg: cfg, log: log, nudges: NewNudgeQueue(session)}
}

// Nudges exposes the supervisor's nudge queue so callers (e.g. the `ralph
// nudge` CLI path, via the daemon's control surface) can enqueue operator
// messages for delivery at the next safe checkpoint.
func (s *Supervisor) Nudges() *NudgeQueue { return s.nudges }

// Run spawns spec, drives its event stream to completion or termination, and
// returns the Outcome. session receives every raw event line and nudge
// delivery record. deliver is called to push a nudge's message into the
// running subprocess (e.g. via a side channel or stdin) at each safe
// checkpoint between tool boundaries.
func (s *Supervisor) Run(ctx context.Context, spec runtime.ProcessSpec, session *Session, deliver DeliverFunc) Outcome {
	proc, err := s.rt.Spawner.Spawn(ctx, spec)
	if err != nil {
		return Outcome{Reason: "spawn_error", Err: fmt.Errorf("supervisor: spawn: %w", err)}
	}

	rawEvents := make(chan Event)
	events := (chan Event)(rawEvents)
	readErrs := make(chan error, 1)
	go s.readEvents(proc.Stdout(), session, rawEvents, readErrs)

	loop := NewLoopDetector(s.cfg.Loop, s.rt.Clock.Now())
	stallTimer := s.rt.Clock.NewTimer(s.cfg.Stall.Timeout)
	defer stallTimer.Stop()

	var (
		toolDeadlineSoft, toolDeadlineHard runtime.Timer
		currentTool                       string
		anomalyTimestamps                 []time.Time
		anomalyTotal                      int
		messageText                       bytes.Buffer
		structuredPRURL                   string
	)
	stopToolTimers := func() {
		if toolDeadlineSoft != nil {
			toolDeadlineSoft.Stop()
			toolDeadlineSoft = nil
		}
		if toolDeadlineHard != nil {
			toolDeadlineHard.Stop()
			toolDeadlineHard = nil
		}
	}
	defer stopToolTimers()

	finish := func(reason string) Outcome {
		exit := s.terminate(proc)
		prURL := ExtractPRURL(structuredPRURL, messageText.String(), s.cfg.Repo)
		return Outcome{Reason: reason, ExitCode: exit.ExitCode, PRURL: prURL, Err: exit.Err}
	}

	for {
		var soft, hard <-chan time.Time
		if toolDeadlineSoft != nil {
			soft = toolDeadlineSoft.C()
		}
		if toolDeadlineHard != nil {
			hard = toolDeadlineHard.C()
		}

		select {
		case <-ctx.Done():
			return finish("ctx_done")

		case err := <-readErrs:
			exit := s.wait(proc)
			prURL := ExtractPRURL(structuredPRURL, messageText.String(), s.cfg.Repo)
			if err != nil && err != io.EOF {
				return Outcome{Reason: "exited", ExitCode: exit.ExitCode, PRURL: prURL, Err: err}
			}
			return Outcome{Reason: "exited", ExitCode: exit.ExitCode, PRURL: prURL}

		case <-stallTimer.C():
			s.log.Warn().Msg("supervisor: stall timeout, no events received")
			return finish("stall")

		case <-soft:
			s.log.Warn().Str("tool", currentTool).Msg("supervisor: tool watchdog soft limit exceeded")
			// soft limit only flags; the hard timer (still running) decides termination.

		case <-hard:
			s.log.Error().Str("tool", currentTool).Msg("supervisor: tool watchdog hard limit exceeded")
			return finish("watchdog_hard")

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			stallTimer.Reset(s.cfg.Stall.Timeout)

			switch ev.Type {
			case EventToolStart:
				currentTool = ev.Tool.Name
				wd := s.cfg.Watchdog.For(currentTool)
				toolDeadlineSoft = s.rt.Clock.NewTimer(wd.Soft)
				toolDeadlineHard = s.rt.Clock.NewTimer(wd.Hard)

				if ev.Tool.Input.PatchText != "" {
					loop.OnPatch(ev.Tool.Input.PatchText)
				}
				if currentTool == "bash" {
					loop.OnBashCommand(ev.Tool.Input.Command, s.rt.Clock.Now())
				}

			case EventToolEnd:
				stopToolTimers()
				currentTool = ""

				if _, tripped := loop.Tripped(s.rt.Clock.Now()); tripped {
					return finish("loop_trip")
				}
				if err := s.nudges.Drain(deliver, s.rt.Clock.Now()); err != nil {
					s.log.Warn().Err(err).Msg("supervisor: nudge drain stopped")
				}

			case EventMessage:
				messageText.WriteString(ev.Message)
				messageText.WriteByte('\n')

			case EventAnomaly:
				now := s.rt.Clock.Now()
				anomalyTotal++
				anomalyTimestamps = append(anomalyTimestamps, now)
				anomalyTimestamps = pruneOlderThan(anomalyTimestamps, now, burstAnomalyWindow)
				if len(anomalyTimestamps) >= burstAnomalyCount || anomalyTotal >= cumulativeAnomalyKill {
					s.log.Error().Int("burst", len(anomalyTimestamps)).Int("total", anomalyTotal).Msg("supervisor: anomaly burst threshold reached")
					return finish("anomaly_burst")
				}
			}
		}
	}
}

// readEvents pumps newline-delimited events from stdout into events, logging
// each raw line to session before parsing so a malformed line is never lost
// from the diagnostic record even if it can't be acted on.
func (s *Supervisor) readEvents(stdout io.Reader, session *Session, events chan<- Event, errs chan<- error) {
	defer close(events)
	lr := newLineReader(stdout)
	for {
		line, err := lr.readLine()
		if len(line) > 0 {
			if appendErr := session.AppendEvent(line); appendErr != nil {
				s.log.Warn().Err(appendErr).Msg("supervisor: append event log")
			}
			ev, parseErr := ParseEvent(line)
			if parseErr != nil {
				s.log.Warn().Err(parseErr).Msg("supervisor: malformed event line")
			} else {
				events <- ev
			}
		}
		if err != nil {
			errs <- err
			return
		}
	}
}

// terminate sends SIGTERM and waits up to terminationGrace for exit before
// escalating to SIGKILL.
func (s *Supervisor) terminate(proc runtime.Process) runtime.ExitResult {
	_ = proc.Signal(runtime.SignalTerm)

	done := make(chan runtime.ExitResult, 1)
	go func() {
		exit, _ := proc.Wait()
		done <- exit
	}()

	select {
	case exit := <-done:
		return exit
	case <-s.rt.Clock.After(terminationGrace):
		_ = proc.Signal(runtime.SignalKill)
		return <-done
	}
}

func (s *Supervisor) wait(proc runtime.Process) runtime.ExitResult {
	exit, err := proc.Wait()
	if err != nil {
		exit.Err = err
	}
	return exit
}

// pruneOlderThan drops timestamps older than window relative to now,
// keeping the slice sorted and bounded for the burst-anomaly check.
func pruneOlderThan(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
