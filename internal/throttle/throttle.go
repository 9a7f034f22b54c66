// Package throttle computes whether new work may start, per provider
// profile, by scanning the coding agent's on-disk message store for token
// usage within a rolling 5-hour window and the current calendar week.
package throttle

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ralph-labs/ralphd/internal/concurrent"
	"github.com/ralph-labs/ralphd/internal/logging"
	"github.com/ralph-labs/ralphd/internal/types"
)

// msgFilePattern matches the message files a profile's data directory
// holds: msg_<anything>.json.
var msgFilePattern = regexp.MustCompile(`^msg_.*\.json$`)

// Profile is one configured coding-agent data directory and its budget.
type Profile struct {
	Name       string
	ProviderID string
	DataDir    string

	Budget5h   int64
	BudgetWeek int64
	SoftPct    float64
	HardPct    float64

	// WeeklyResetDayOfWeek, Hour, Minute define the calendar boundary the
	// weekly window is aligned to, e.g. Monday 00:00.
	WeeklyResetDayOfWeek time.Weekday
	WeeklyResetHour      int
	WeeklyResetMinute    int
	TimeZone             *time.Location
}

// message is the subset of a coding-agent message file this engine reads.
type message struct {
	Timestamp  time.Time `json:"timestamp"`
	Role       string    `json:"role"`
	ProviderID string    `json:"provider_id"`
	Usage      struct {
		Input     int64 `json:"input"`
		Output    int64 `json:"output"`
		Reasoning int64 `json:"reasoning"`
	} `json:"usage"`
}

// tokens returns the combined token count attributed to this message.
func (m message) tokens() int64 { return m.Usage.Input + m.Usage.Output + m.Usage.Reasoning }

// minCheckInterval bounds how often Engine re-scans a profile's message
// store; a cached ThrottleSnapshot is returned for calls inside the window.
const defaultMinCheckInterval = 30 * time.Second

// Engine computes and caches throttle decisions per profile.
type Engine struct {
	profiles         map[string]Profile
	minCheckInterval time.Duration
	now              func() time.Time

	mu    sync.Mutex
	cache map[string]types.ThrottleSnapshot
}

// NewEngine builds an Engine over the given profiles.
func NewEngine(profiles []Profile, minCheckInterval time.Duration, now func() time.Time) *Engine {
	if minCheckInterval <= 0 {
		minCheckInterval = defaultMinCheckInterval
	}
	if now == nil {
		now = time.Now
	}
	byName := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}
	return &Engine{profiles: byName, minCheckInterval: minCheckInterval, now: now, cache: map[string]types.ThrottleSnapshot{}}
}

// Snapshot returns the cached or freshly computed throttle decision for the
// named profile.
func (e *Engine) Snapshot(profileName string) (types.ThrottleSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.profiles[profileName]
	if !ok {
		return types.ThrottleSnapshot{}, fmt.Errorf("throttle: unknown profile %q", profileName)
	}

	now := e.now()
	if cached, ok := e.cache[profileName]; ok && now.Sub(cached.ComputedAt) < e.minCheckInterval {
		return cached, nil
	}

	snap, err := e.compute(p, now)
	if err != nil {
		return types.ThrottleSnapshot{}, err
	}
	e.cache[profileName] = snap
	return snap, nil
}

func (e *Engine) compute(p Profile, now time.Time) (types.ThrottleSnapshot, error) {
	log := logging.WithComponent("throttle")

	rollingStart := now.Add(-5 * time.Hour)
	weekStart, weekEnd, err := weeklyWindow(p, now)
	if err != nil {
		return types.ThrottleSnapshot{}, err
	}

	scanFrom := rollingStart
	if weekStart.Before(scanFrom) {
		scanFrom = weekStart
	}

	msgs, err := scanMessages(p.DataDir, p.ProviderID, scanFrom, now)
	if err != nil {
		log.Warn().Err(err).Str("profile", p.Name).Msg("failed scanning message store")
		return types.ThrottleSnapshot{}, err
	}

	rolling := windowFor(msgs, rollingStart, now, p.Budget5h, p.SoftPct, p.HardPct)
	weekly := windowFor(msgs, weekStart, weekEnd, p.BudgetWeek, p.SoftPct, p.HardPct)

	state, resumeAt := decide(rolling, weekly, msgs, rollingStart, weekEnd)

	return types.ThrottleSnapshot{
		Provider:   p.ProviderID,
		Profile:    p.Name,
		State:      state,
		ResumeAt:   resumeAt,
		Rolling5h:  rolling,
		Weekly:     weekly,
		ComputedAt: now,
	}, nil
}

func windowFor(msgs []message, start, end time.Time, budget int64, softPct, hardPct float64) types.WindowSnapshot {
	var used int64
	for _, m := range msgs {
		if !m.Timestamp.Before(start) && m.Timestamp.Before(end) {
			used += m.tokens()
		}
	}
	return types.WindowSnapshot{
		Used:    used,
		SoftCap: int64(math.Floor(float64(budget) * softPct)),
		HardCap: int64(math.Floor(float64(budget) * hardPct)),
		ResetAt: end,
	}
}

// decide applies the precedence rule: hard beats soft beats ok, and the
// final resumeAt is the maximum of every window that triggered the
// effective state.
func decide(rolling, weekly types.WindowSnapshot, msgs []message, rollingStart, weekEnd time.Time) (types.ThrottleState, time.Time) {
	rollingHard := rolling.Used >= rolling.HardCap
	weeklyHard := weekly.Used >= weekly.HardCap
	rollingSoft := rolling.Used >= rolling.SoftCap
	weeklySoft := weekly.Used >= weekly.SoftCap

	switch {
	case rollingHard || weeklyHard:
		resume := rollingResumeAt(msgs, rollingStart, rolling.HardCap, rolling.Used)
		if weeklyHard && weekEnd.After(resume) {
			resume = weekEnd
		}
		return types.ThrottleHard, resume
	case rollingSoft || weeklySoft:
		resume := rollingResumeAt(msgs, rollingStart, rolling.SoftCap, rolling.Used)
		if weeklySoft && weekEnd.After(resume) {
			resume = weekEnd
		}
		return types.ThrottleSoft, resume
	default:
		return types.ThrottleOK, time.Time{}
	}
}

// rollingResumeAt finds the earliest message such that dropping it and
// every message before it brings the rolling usage under cap, and returns
// the time that message leaves the window (its timestamp plus 5h). It walks
// messages in ascending time order accumulating a running drop total.
func rollingResumeAt(msgs []message, windowStart time.Time, cap int64, used int64) time.Time {
	if used < cap {
		return time.Time{}
	}
	sorted := make([]message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Timestamp.Before(windowStart) {
			sorted = append(sorted, m)
		}
	}
	sortMessagesByTime(sorted)

	var dropped int64
	for _, m := range sorted {
		dropped += m.tokens()
		if used-dropped < cap {
			return m.Timestamp.Add(5 * time.Hour)
		}
	}
	return time.Time{}
}

func sortMessagesByTime(msgs []message) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].Timestamp.Before(msgs[j-1].Timestamp); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}

// weeklyWindow computes [lastResetTs, nextResetTs) for now, aligned to the
// profile's configured calendar boundary. DST transitions are handled by
// re-resolving the offset up to three times.
func weeklyWindow(p Profile, now time.Time) (start, end time.Time, err error) {
	loc := p.TimeZone
	if loc == nil {
		loc = time.Local
	}
	spec := fmt.Sprintf("%d %d * * %d", p.WeeklyResetMinute, p.WeeklyResetHour, int(p.WeeklyResetDayOfWeek))
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, perr := parser.Parse(spec)
	if perr != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("throttle: parse weekly reset schedule %q: %w", spec, perr)
	}

	localNow := now.In(loc)
	end = schedule.Next(localNow)
	for i := 0; i < 3 && !end.After(localNow); i++ {
		end = schedule.Next(end)
	}

	// Walk backward from just before `end` by re-querying Next() from a
	// point one week earlier, resolved up to three times to absorb a DST
	// shift landing the naive subtraction on the wrong side of the
	// boundary.
	probe := localNow.AddDate(0, 0, -8)
	start = schedule.Next(probe)
	for i := 0; i < 3 && !start.Before(localNow); i++ {
		probe = probe.AddDate(0, 0, -7)
		start = schedule.Next(probe)
	}
	for start.After(localNow) {
		start = start.AddDate(0, 0, -7)
	}

	return start, end, nil
}

// scanMessages walks dataDir for session directories containing msg_*.json
// files whose mtime falls in [from, to], parses each, and keeps the ones
// matching providerID from an assistant role. Parsing fans out across a
// small worker pool so a profile with many session directories scans in
// parallel.
func scanMessages(dataDir, providerID string, from, to time.Time) ([]message, error) {
	var candidates []string
	err := filepath.Walk(dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !msgFilePattern.MatchString(filepath.Base(path)) {
			return nil
		}
		if info.ModTime().Before(from) || info.ModTime().After(to) {
			return nil
		}
		candidates = append(candidates, path)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("walk message store %s: %w", dataDir, err)
	}

	pool := concurrent.NewPool[message](8)
	results := pool.Process(candidates, parseOneMessage)

	out := make([]message, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		if r.Value.Role != "assistant" || r.Value.ProviderID != providerID {
			continue
		}
		out = append(out, r.Value)
	}
	return out, nil
}

func parseOneMessage(path string) (message, error) {
	var m message
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	return m, nil
}
