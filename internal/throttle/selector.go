package throttle

import (
	"sort"
	"time"

	"github.com/ralph-labs/ralphd/internal/types"
)

// Selector chooses which configured profile the scheduler should dispatch
// against, switching away from a throttled profile to one with headroom
// without flapping between near-equal candidates every cycle.
type Selector struct {
	engine               *Engine
	minSwitchInterval    time.Duration
	minRemainingFraction float64
	now                  func() time.Time

	current      string
	lastSwitchAt time.Time
}

// NewSelector builds a Selector over engine's configured profiles.
func NewSelector(engine *Engine, minSwitchInterval time.Duration, minRemainingFraction float64, now func() time.Time) *Selector {
	if now == nil {
		now = time.Now
	}
	return &Selector{
		engine:               engine,
		minSwitchInterval:    minSwitchInterval,
		minRemainingFraction: minRemainingFraction,
		now:                  now,
	}
}

// candidate pairs a profile name with its current snapshot for ranking.
type candidate struct {
	name string
	snap types.ThrottleSnapshot
}

// remainingFraction returns the fraction of rolling-window hard budget
// still unused, in [0, 1].
func remainingFraction(snap types.ThrottleSnapshot) float64 {
	if snap.Rolling5h.HardCap <= 0 {
		return 0
	}
	remaining := snap.Rolling5h.HardCap - snap.Rolling5h.Used
	if remaining < 0 {
		remaining = 0
	}
	return float64(remaining) / float64(snap.Rolling5h.HardCap)
}

// Select returns the profile name to dispatch against. It prefers staying
// on the current profile unless the current profile is hard-throttled or
// has fallen below minRemainingFraction and a materially better candidate
// exists, and never switches twice within minSwitchInterval.
func (s *Selector) Select(profileNames []string) (string, error) {
	now := s.now()

	candidates := make([]candidate, 0, len(profileNames))
	for _, name := range profileNames {
		snap, err := s.engine.Snapshot(name)
		if err != nil {
			return "", err
		}
		candidates = append(candidates, candidate{name: name, snap: snap})
	}

	if s.current != "" {
		for _, c := range candidates {
			if c.name != s.current {
				continue
			}
			stickyOK := c.snap.State != types.ThrottleHard && remainingFraction(c.snap) >= s.minRemainingFraction
			tooSoonToSwitch := now.Sub(s.lastSwitchAt) < s.minSwitchInterval
			if stickyOK || tooSoonToSwitch {
				return s.current, nil
			}
		}
	}

	best := pickBest(candidates)
	if best == "" {
		return "", nil
	}
	if best != s.current {
		s.current = best
		s.lastSwitchAt = now
	}
	return best, nil
}

// pickBest ranks candidates ok-before-soft-before-hard, then by soonest
// resumeAt within the worst tier present, then by most remaining headroom,
// and finally by name for determinism.
func pickBest(candidates []candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	rank := func(st types.ThrottleState) int {
		switch st {
		case types.ThrottleOK:
			return 0
		case types.ThrottleSoft:
			return 1
		default:
			return 2
		}
	}

	sorted := append([]candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := rank(sorted[i].snap.State), rank(sorted[j].snap.State)
		if ri != rj {
			return ri < rj
		}
		if ri > 0 {
			// Both throttled: prefer the one resuming sooner.
			ri, rj := sorted[i].snap.ResumeAt, sorted[j].snap.ResumeAt
			if !ri.Equal(rj) {
				return ri.Before(rj)
			}
		}
		fi, fj := remainingFraction(sorted[i].snap), remainingFraction(sorted[j].snap)
		if fi != fj {
			return fi > fj
		}
		return sorted[i].name < sorted[j].name
	})
	return sorted[0].name
}
