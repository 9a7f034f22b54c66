package throttle

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ralph-labs/ralphd/internal/types"
)

func writeMsg(t *testing.T, dir, name string, ts time.Time, tokens int64) {
	t.Helper()
	m := message{Timestamp: ts, Role: "assistant", ProviderID: "anthropic"}
	m.Usage.Input = tokens
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write message file: %v", err)
	}
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func testProfile(dir string) Profile {
	return Profile{
		Name:                 "default",
		ProviderID:           "anthropic",
		DataDir:              dir,
		Budget5h:             1000,
		BudgetWeek:           10000,
		SoftPct:              0.8,
		HardPct:              1.0,
		WeeklyResetDayOfWeek: time.Monday,
		WeeklyResetHour:      0,
		WeeklyResetMinute:    0,
		TimeZone:             time.UTC,
	}
}

func TestSnapshotOKBelowCaps(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	writeMsg(t, dir, "msg_1.json", now.Add(-1*time.Hour), 100)

	eng := NewEngine([]Profile{testProfile(dir)}, time.Millisecond, func() time.Time { return now })
	snap, err := eng.Snapshot("default")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.State != types.ThrottleOK {
		t.Fatalf("expected ok, got %s (used=%d)", snap.State, snap.Rolling5h.Used)
	}
	if snap.Rolling5h.Used != 100 {
		t.Errorf("Rolling5h.Used = %d, want 100", snap.Rolling5h.Used)
	}
}

func TestSnapshotHardWhenRollingExceeded(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	writeMsg(t, dir, "msg_1.json", now.Add(-4*time.Hour), 1100)

	eng := NewEngine([]Profile{testProfile(dir)}, time.Millisecond, func() time.Time { return now })
	snap, err := eng.Snapshot("default")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.State != types.ThrottleHard {
		t.Fatalf("expected hard, got %s", snap.State)
	}
	if snap.ResumeAt.IsZero() {
		t.Error("expected a non-zero resumeAt for a hard-throttled rolling window")
	}
	wantResume := now.Add(-4 * time.Hour).Add(5 * time.Hour)
	if !snap.ResumeAt.Equal(wantResume) {
		t.Errorf("ResumeAt = %s, want %s", snap.ResumeAt, wantResume)
	}
}

func TestSnapshotIgnoresOtherProvider(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	other := message{Timestamp: now.Add(-1 * time.Hour), Role: "assistant", ProviderID: "openai"}
	other.Usage.Input = 5000
	b, _ := json.Marshal(other)
	os.WriteFile(filepath.Join(dir, "msg_other.json"), b, 0o644)
	os.Chtimes(filepath.Join(dir, "msg_other.json"), now.Add(-1*time.Hour), now.Add(-1*time.Hour))

	eng := NewEngine([]Profile{testProfile(dir)}, time.Millisecond, func() time.Time { return now })
	snap, err := eng.Snapshot("default")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.State != types.ThrottleOK {
		t.Fatalf("expected ok (other provider's usage should be excluded), got %s used=%d", snap.State, snap.Rolling5h.Used)
	}
}

func TestSnapshotCachesWithinMinCheckInterval(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	writeMsg(t, dir, "msg_1.json", now.Add(-1*time.Hour), 100)

	eng := NewEngine([]Profile{testProfile(dir)}, time.Minute, func() time.Time { return now })
	first, err := eng.Snapshot("default")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// Add more usage, but the cache window has not elapsed.
	writeMsg(t, dir, "msg_2.json", now.Add(-30*time.Minute), 900)
	second, err := eng.Snapshot("default")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if second.Rolling5h.Used != first.Rolling5h.Used {
		t.Errorf("expected cached snapshot to ignore new usage, got used=%d want=%d", second.Rolling5h.Used, first.Rolling5h.Used)
	}
}

func TestWeeklyWindowAlignsToConfiguredBoundary(t *testing.T) {
	// 2026-07-29 is a Wednesday; the Monday-00:00-UTC boundary before it
	// is 2026-07-27.
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	p := testProfile(t.TempDir())

	start, end, err := weeklyWindow(p, now)
	if err != nil {
		t.Fatalf("weeklyWindow: %v", err)
	}
	wantStart := time.Date(2026, 7, 27, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %s, want %s", start, wantStart)
	}
	if !end.Equal(wantEnd) {
		t.Errorf("end = %s, want %s", end, wantEnd)
	}
}

func TestSelectorPrefersOKOverThrottled(t *testing.T) {
	okDir := t.TempDir()
	hardDir := t.TempDir()
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	writeMsg(t, hardDir, "msg_1.json", now.Add(-1*time.Hour), 2000)

	okProfile := testProfile(okDir)
	okProfile.Name = "ok"
	hardProfile := testProfile(hardDir)
	hardProfile.Name = "hard"

	eng := NewEngine([]Profile{okProfile, hardProfile}, time.Millisecond, func() time.Time { return now })
	sel := NewSelector(eng, time.Minute, 0.2, func() time.Time { return now })

	got, err := sel.Select([]string{"ok", "hard"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != "ok" {
		t.Errorf("Select = %q, want %q", got, "ok")
	}
}

func TestSelectorStaysOnCurrentWithinSwitchInterval(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	profA := testProfile(dirA)
	profA.Name = "a"
	profB := testProfile(dirB)
	profB.Name = "b"

	clock := now
	eng := NewEngine([]Profile{profA, profB}, time.Millisecond, func() time.Time { return clock })
	sel := NewSelector(eng, time.Hour, 0.2, func() time.Time { return clock })

	first, err := sel.Select([]string{"a", "b"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	// Starve the current profile and let the engine's cache expire, but stay
	// within minSwitchInterval: the selector should not flap to "b" yet.
	writeMsg(t, dirA, "msg_1.json", now.Add(-1*time.Hour), 2000)
	clock = now.Add(time.Second)
	second, err := sel.Select([]string{"a", "b"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if second != first {
		t.Errorf("expected selector to stay on %q within the switch interval, got %q", first, second)
	}
}
