package scheduler

import (
	"reflect"
	"testing"

	"github.com/ralph-labs/ralphd/internal/types"
)

// TestPriorityPolicyNoStarvation covers scenario S2's first case: repos
// [{high, p=2}, {low, p=0}] over 4 selections yields [high, high, high, low].
func TestPriorityPolicyNoStarvation(t *testing.T) {
	s := New([]RepoConfig{
		{Repo: "high", Priority: types.BandHigh},
		{Repo: "low", Priority: types.BandLow},
	})

	got := s.Selections(Gate{Mode: types.ModeRunning}, 4)
	want := []string{"high", "high", "high", "low"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Selections = %v, want %v", got, want)
	}
}

// TestPriorityPolicyEqualBandsRoundRobin covers scenario S2's second case:
// repos [{a,p=1},{b,p=1}] over 4 selections yields [a,b,a,b].
func TestPriorityPolicyEqualBandsRoundRobin(t *testing.T) {
	s := New([]RepoConfig{
		{Repo: "a", Priority: types.BandNormal},
		{Repo: "b", Priority: types.BandNormal},
	})

	got := s.Selections(Gate{Mode: types.ModeRunning}, 4)
	want := []string{"a", "b", "a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Selections = %v, want %v", got, want)
	}
}

func TestNextReturnsEmptyWhenPaused(t *testing.T) {
	s := New([]RepoConfig{{Repo: "a", Priority: types.BandNormal}})
	if repo := s.Next(Gate{Mode: types.ModePaused}); repo != "" {
		t.Errorf("expected no selection while paused, got %q", repo)
	}
}

func TestNextReturnsEmptyWhenHardThrottled(t *testing.T) {
	s := New([]RepoConfig{{Repo: "a", Priority: types.BandNormal}})
	if repo := s.Next(Gate{Mode: types.ModeRunning, Throttle: types.ThrottleHard}); repo != "" {
		t.Errorf("expected no selection while hard-throttled, got %q", repo)
	}
}

func TestNextRespectsConcurrencySlotCap(t *testing.T) {
	s := New([]RepoConfig{{Repo: "a", Priority: types.BandNormal, ConcurrencySlots: 1}})
	gate := Gate{Mode: types.ModeRunning}

	if repo := s.Next(gate); repo != "a" {
		t.Fatalf("expected a, got %q", repo)
	}
	s.Acquire("a")

	if repo := s.Next(gate); repo != "" {
		t.Errorf("expected no selection once at the concurrency cap, got %q", repo)
	}

	s.Release("a")
	if repo := s.Next(gate); repo != "a" {
		t.Errorf("expected a to be selectable again after Release, got %q", repo)
	}
}

func TestConcurrencySlotsFallback(t *testing.T) {
	cfg := RepoConfig{Repo: "a"}
	if got := cfg.slots(); got != 1 {
		t.Errorf("default slots = %d, want 1", got)
	}
	cfg.MaxWorkers = 3
	if got := cfg.slots(); got != 3 {
		t.Errorf("MaxWorkers fallback slots = %d, want 3", got)
	}
	cfg.ConcurrencySlots = 5
	if got := cfg.slots(); got != 5 {
		t.Errorf("ConcurrencySlots override = %d, want 5", got)
	}
}
