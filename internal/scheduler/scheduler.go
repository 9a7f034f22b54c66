// Package scheduler is the priority-banded round-robin dispatcher: it
// decides which repository gets the next tick, enforces per-repo
// concurrency slots, and refuses to start new work while the daemon is
// paused, draining, or hard-throttled.
package scheduler

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ralph-labs/ralphd/internal/logging"
	"github.com/ralph-labs/ralphd/internal/types"
)

// RepoConfig is one repository's scheduling configuration.
type RepoConfig struct {
	Repo             string
	Priority         types.PriorityBand
	ConcurrencySlots int // 0 falls back to MaxWorkers, then to 1.
	MaxWorkers       int
}

func (c RepoConfig) slots() int {
	if c.ConcurrencySlots > 0 {
		return c.ConcurrencySlots
	}
	if c.MaxWorkers > 0 {
		return c.MaxWorkers
	}
	return 1
}

// Gate reports the external conditions that suspend new-task dispatch: the
// daemon's control mode and the throttle engine's current state.
type Gate struct {
	Mode     types.ControlMode
	Throttle types.ThrottleState
}

// blocksNewWork reports whether g forbids starting any new task.
func (g Gate) blocksNewWork() bool {
	return g.Mode == types.ModePaused || g.Mode == types.ModeDraining || g.Throttle == types.ThrottleHard
}

// Scheduler implements the priority-banded round-robin policy described in
// within one policy cycle, a band-p repo is selected p+1 times, and
// selection within a band is round-robin so no repo in the cycle starves.
type Scheduler struct {
	mu       sync.Mutex
	repos    []RepoConfig
	active   map[string]int // repo -> in-flight task count
	cycle    []string       // precomputed selection order for the current cycle
	cyclePos int
	log      zerolog.Logger
}

// New builds a Scheduler over the given repo configs, building the initial
// policy cycle immediately.
func New(repos []RepoConfig) *Scheduler {
	s := &Scheduler{
		repos:  append([]RepoConfig(nil), repos...),
		active: map[string]int{},
		log:    logging.WithComponent("scheduler"),
	}
	s.rebuildCycle()
	return s
}

// SetRepos replaces the repo configuration and resets cycle state, per
// so stale round-robin positions never outlive a priority change.
func (s *Scheduler) SetRepos(repos []RepoConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos = append([]RepoConfig(nil), repos...)
	s.rebuildCycle()
}

// rebuildCycle computes the selection order for one full policy cycle:
// repos are visited band-by-band from highest to lowest priority, and a
// band-p repo set is interleaved round-robin for p+1 rounds.
func (s *Scheduler) rebuildCycle() {
	byBand := map[types.PriorityBand][]string{}
	maxP := types.PriorityBand(0)
	for _, r := range s.repos {
		byBand[r.Priority] = append(byBand[r.Priority], r.Repo)
		if r.Priority > maxP {
			maxP = r.Priority
		}
	}

	var cycle []string
	for band := maxP; band >= 0; band-- {
		names := byBand[band]
		if len(names) == 0 {
			continue
		}
		rounds := int(band) + 1
		for round := 0; round < rounds; round++ {
			cycle = append(cycle, names...)
		}
		if band == 0 {
			break
		}
	}
	s.cycle = cycle
	s.cyclePos = 0
}

// Next returns the next repo the dispatcher should give a tick to, under
// gate g, or "" if no repo is eligible right now (gate closed, or every
// eligible repo is already at its concurrency cap).
func (s *Scheduler) Next(g Gate) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.cycle) == 0 {
		return ""
	}
	if g.blocksNewWork() {
		return ""
	}

	for i := 0; i < len(s.cycle); i++ {
		idx := (s.cyclePos + i) % len(s.cycle)
		repo := s.cycle[idx]
		cfg := s.configFor(repo)
		if s.active[repo] < cfg.slots() {
			s.cyclePos = (idx + 1) % len(s.cycle)
			return repo
		}
	}
	return ""
}

func (s *Scheduler) configFor(repo string) RepoConfig {
	for _, r := range s.repos {
		if r.Repo == repo {
			return r
		}
	}
	return RepoConfig{Repo: repo}
}

// Acquire records that repo started a new in-flight task, counting against
// its concurrency slot cap.
func (s *Scheduler) Acquire(repo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[repo]++
}

// Release records that repo's in-flight task finished, freeing a slot.
func (s *Scheduler) Release(repo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[repo] > 0 {
		s.active[repo]--
	}
}

// Selections runs Next n times against gate g and returns the sequence of
// repos chosen, without acquiring slots — used by tests exercising the
// pure band/round-robin policy sequence independent of concurrency caps.
func (s *Scheduler) Selections(g Gate, n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		repo := s.Next(g)
		out = append(out, repo)
	}
	return out
}
