package supervisor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ralph-labs/ralphd/internal/runtime"
)

func newTestRuntime(proc *runtime.FakeProcess) (*runtime.Runtime, *runtime.FakeClock) {
	clock := runtime.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	spawner := runtime.NewFakeSpawner(proc)
	return &runtime.Runtime{Clock: clock, Spawner: spawner}, clock
}

func toolEventLines(path string, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(`{"type":"tool_start","tool":{"name":"apply_patch","input":{"patchText":"*** Begin Patch\n*** Update File: ` + path + `\n@@\n-old\n+new\n*** End Patch\n"}}}` + "\n")
		b.WriteString(`{"type":"tool_end","tool":{"name":"apply_patch"}}` + "\n")
	}
	return b.String()
}

// TestSupervisorTripsOnLoopDetection exercises scenario S1: an agent that
// keeps editing the same file without ever running a gate command trips the
// loop detector and the session is torn down with reason "loop_trip"
// instead of running indefinitely.
func TestSupervisorTripsOnLoopDetection(t *testing.T) {
	stdout := toolEventLines("main.go", 10)
	proc := runtime.NewFakeProcess(4242, stdout)
	proc.Finish(runtime.ExitResult{ExitCode: 0})

	rt, _ := newTestRuntime(proc)
	cfg := Config{
		Watchdog: DefaultWatchdogPolicy,
		Stall:    StallConfig{Timeout: time.Hour},
		Loop: LoopDetectorConfig{
			MinEdits:              4,
			MinElapsedWithoutGate: 0,
			MinTopFileTouches:     4,
			MinTopFileShare:       0.6,
			BashGateAllowlist:     DefaultLoopDetectorConfig.BashGateAllowlist,
		},
		Repo: "acme/widgets",
	}
	session := newTestSession(t)
	sup := New(rt, cfg, zerolog.Nop(), session)

	outcome := sup.Run(context.Background(), runtime.ProcessSpec{Command: "fake-agent"}, session, noopDeliver)
	if outcome.Reason != "loop_trip" {
		t.Fatalf("expected loop_trip, got %+v", outcome)
	}
	if len(proc.Signals()) == 0 {
		t.Fatal("expected the process to be signaled on loop trip")
	}
}

// TestSupervisorExitsCleanlyAndExtractsPRURL exercises the ordinary path: the
// agent reports a PR URL in a message event and then the subprocess exits,
// with too few edits to ever trip the loop detector.
func TestSupervisorExitsCleanlyAndExtractsPRURL(t *testing.T) {
	stdout := toolEventLines("main.go", 1) +
		`{"type":"message","message":"opened https://git.example.com/acme/widgets/pull/42"}` + "\n"
	proc := runtime.NewFakeProcess(777, stdout)
	proc.Finish(runtime.ExitResult{ExitCode: 0})

	rt, _ := newTestRuntime(proc)
	cfg := Config{
		Watchdog: DefaultWatchdogPolicy,
		Stall:    StallConfig{Timeout: time.Hour},
		Loop:     DefaultLoopDetectorConfig,
		Repo:     "acme/widgets",
	}
	session := newTestSession(t)
	sup := New(rt, cfg, zerolog.Nop(), session)

	outcome := sup.Run(context.Background(), runtime.ProcessSpec{Command: "fake-agent"}, session, noopDeliver)
	if outcome.Reason != "exited" {
		t.Fatalf("expected exited, got %+v", outcome)
	}
	if outcome.PRURL != "https://git.example.com/acme/widgets/pull/42" {
		t.Fatalf("expected PR URL to be extracted, got %q", outcome.PRURL)
	}
}

func noopDeliver(Nudge) error { return nil }
