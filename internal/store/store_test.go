package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ralph-labs/ralphd/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := InitWritable(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("InitWritable: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateRunInitializesCanonicalGates(t *testing.T) {
	s := newTestStore(t)

	run, err := s.CreateRun("3mdistal/ralph", "3mdistal/ralph#319", "tasks/319", "initial", time.Now())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	state, err := s.GetLatestRunGateStateForIssue("3mdistal/ralph", "3mdistal/ralph#319")
	if err != nil {
		t.Fatalf("GetLatestRunGateStateForIssue: %v", err)
	}
	if state.Run.ID != run.ID {
		t.Fatalf("run id mismatch: got %s want %s", state.Run.ID, run.ID)
	}
	if len(state.Gates) != len(types.GateOrder) {
		t.Fatalf("expected %d gate rows, got %d", len(types.GateOrder), len(state.Gates))
	}
	for i, g := range state.Gates {
		if g.Gate != types.GateOrder[i] {
			t.Fatalf("gate order mismatch at %d: got %s want %s", i, g.Gate, types.GateOrder[i])
		}
		if g.Status != types.GatePending {
			t.Fatalf("gate %s: expected pending, got %s", g.Gate, g.Status)
		}
	}
}

// TestGatesJSONProjectionS4 exercises scenario S4: a ci gate marked fail
// with a failure_excerpt artifact of short text projects exactly.
func TestGatesJSONProjectionS4(t *testing.T) {
	s := newTestStore(t)
	run, err := s.CreateRun("repo", "repo#1", "tasks/1", "initial", time.Now())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := s.UpsertRunGateResult(types.GateResult{
		RunID:    run.ID,
		Gate:     types.GateCI,
		Status:   types.GateFail,
		URL:      "https://example.com/pr/1",
		PRNumber: 42,
	}); err != nil {
		t.Fatalf("UpsertRunGateResult: %v", err)
	}

	artifact, err := s.RecordRunGateArtifact(types.GateArtifact{
		RunID:   run.ID,
		Gate:    types.GateCI,
		Kind:    types.ArtifactFailureExcerpt,
		Content: "short log",
	})
	if err != nil {
		t.Fatalf("RecordRunGateArtifact: %v", err)
	}
	if artifact.Truncated {
		t.Error("short content should not be truncated")
	}
	if artifact.OriginalChars != len("short log") {
		t.Errorf("OriginalChars = %d, want %d", artifact.OriginalChars, len("short log"))
	}
	if artifact.OriginalLines != 1 {
		t.Errorf("OriginalLines = %d, want 1", artifact.OriginalLines)
	}

	state, err := s.GetLatestRunGateStateForIssue("repo", "repo#1")
	if err != nil {
		t.Fatalf("GetLatestRunGateStateForIssue: %v", err)
	}
	var ci *types.GateResult
	for i := range state.Gates {
		if state.Gates[i].Gate == types.GateCI {
			ci = &state.Gates[i]
		}
	}
	if ci == nil || ci.Status != types.GateFail {
		t.Fatalf("expected ci gate fail, got %+v", ci)
	}
	if len(state.Artifacts) != 1 || state.Artifacts[0].Content != "short log" {
		t.Fatalf("unexpected artifacts: %+v", state.Artifacts)
	}
}

func TestGateResultMonotonicRefusesUnterminalFlip(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("repo", "repo#2", "tasks/2", "initial", time.Now())

	if err := s.UpsertRunGateResult(types.GateResult{RunID: run.ID, Gate: types.GatePreflight, Status: types.GatePass}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	err := s.UpsertRunGateResult(types.GateResult{RunID: run.ID, Gate: types.GatePreflight, Status: types.GateFail})
	if err == nil {
		t.Fatal("expected error flipping a terminal gate from pass to fail")
	}
}

func TestIdempotencyKeyClaimedOnce(t *testing.T) {
	s := newTestStore(t)

	claimed, err := s.RecordKey("writeback", "abc123", `{"issue":1}`)
	if err != nil {
		t.Fatalf("first RecordKey: %v", err)
	}
	if !claimed {
		t.Fatal("first caller should claim the key")
	}

	claimed, err = s.RecordKey("writeback", "abc123", `{"issue":1}`)
	if err != nil {
		t.Fatalf("second RecordKey: %v", err)
	}
	if claimed {
		t.Fatal("second caller must not claim an already-claimed key")
	}

	has, err := s.HasKey("writeback", "abc123")
	if err != nil {
		t.Fatalf("HasKey: %v", err)
	}
	if !has {
		t.Fatal("HasKey should report the claimed key")
	}
}

func TestAlertDeliveryIdempotentSkip(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordAttempt("alert-1", "github-comment", "deadbeef0000", "issue", 319, DeliverySuccess, "c1", ""); err != nil {
		t.Fatalf("first RecordAttempt: %v", err)
	}
	if err := s.RecordAttempt("alert-1", "github-comment", "deadbeef0000", "issue", 319, DeliverySkipped, "", ""); err != nil {
		t.Fatalf("second RecordAttempt: %v", err)
	}

	d, err := s.GetDelivery("alert-1", "github-comment", "deadbeef0000")
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if d.Status != DeliverySkipped {
		t.Errorf("status = %s, want skipped", d.Status)
	}
	if d.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", d.Attempts)
	}
}

func TestLoopTriageAttemptBudget(t *testing.T) {
	s := newTestStore(t)

	a, err := s.GetAttempt("repo", 319, "sig-1")
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if a.Attempts != 0 {
		t.Fatalf("expected 0 attempts initially, got %d", a.Attempts)
	}

	n, err := s.BumpAttempt("repo", 319, "sig-1")
	if err != nil {
		t.Fatalf("BumpAttempt: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 attempt, got %d", n)
	}

	n, err = s.BumpAttempt("repo", 319, "sig-1")
	if err != nil {
		t.Fatalf("BumpAttempt: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}

func TestProbeClassification(t *testing.T) {
	cases := []struct {
		version int
		want    ProbeStatus
	}{
		{0, ProbeOK},
		{1, ProbeOK},
		{2, ProbeReadableForward},
		{3, ProbeForwardIncompat},
	}
	for _, c := range cases {
		got := classifyProbe(c.version).Status
		if got != c.want {
			t.Errorf("classifyProbe(%d) = %s, want %s", c.version, got, c.want)
		}
	}
}
