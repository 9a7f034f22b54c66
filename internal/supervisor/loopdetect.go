package supervisor

import (
	"time"

	"github.com/ralph-labs/ralphd/internal/safety"
)

// LoopDetectorConfig is the four simultaneous thresholds loop detection
// requires: tripping needs every one of them to hold at once, never any
// single one in isolation.
type LoopDetectorConfig struct {
	MinEdits               int
	MinElapsedWithoutGate  time.Duration
	MinTopFileTouches      int
	MinTopFileShare        float64
	BashGateAllowlist      safety.BashGateAllowlist
}

// DefaultLoopDetectorConfig is a conservative baseline tuned for the
// default bash gate allowlist.
var DefaultLoopDetectorConfig = LoopDetectorConfig{
	MinEdits:              8,
	MinElapsedWithoutGate: 10 * time.Minute,
	MinTopFileTouches:     4,
	MinTopFileShare:       0.6,
	BashGateAllowlist:     safety.DefaultBashGateAllowlist,
}

// LoopDetector accumulates edits-since-last-gate and per-file touch counts,
// resetting on any allowlisted bash command, and reports whether the
// current state satisfies every configured threshold simultaneously.
type LoopDetector struct {
	cfg LoopDetectorConfig

	lastGateAt      time.Time
	editsSinceGate  int
	touchesSinceGate map[string]int
}

// NewLoopDetector builds a LoopDetector anchored at startedAt.
func NewLoopDetector(cfg LoopDetectorConfig, startedAt time.Time) *LoopDetector {
	return &LoopDetector{
		cfg:              cfg,
		lastGateAt:       startedAt,
		touchesSinceGate: map[string]int{},
	}
}

// OnBashCommand resets the edit/touch counters if cmd matches the gate
// allowlist, returning true when it did.
func (d *LoopDetector) OnBashCommand(cmd string, now time.Time) bool {
	if !d.cfg.BashGateAllowlist.IsGateCommand(cmd) {
		return false
	}
	d.lastGateAt = now
	d.editsSinceGate = 0
	d.touchesSinceGate = map[string]int{}
	return true
}

// OnPatch records one apply_patch event's touched files against the
// counters, as extracted by internal/safety.TouchedFiles.
func (d *LoopDetector) OnPatch(patchText string) {
	d.editsSinceGate++
	for _, f := range safety.TouchedFiles(patchText) {
		d.touchesSinceGate[f]++
	}
}

// TripResult is what Tripped reports when the loop detector fires.
type TripResult struct {
	Kind           string
	TopFile        string
	TopFileTouches int
	Edits          int
	ElapsedSinceGate time.Duration
}

// Tripped reports whether all four thresholds hold simultaneously at now,
// the trip invariant: every predicate held simultaneously at the trip instant.
func (d *LoopDetector) Tripped(now time.Time) (TripResult, bool) {
	elapsed := now.Sub(d.lastGateAt)
	if d.editsSinceGate < d.cfg.MinEdits {
		return TripResult{}, false
	}
	if elapsed < d.cfg.MinElapsedWithoutGate {
		return TripResult{}, false
	}

	topFile, topTouches := "", 0
	for f, n := range d.touchesSinceGate {
		if n > topTouches {
			topFile, topTouches = f, n
		}
	}
	if topTouches < d.cfg.MinTopFileTouches {
		return TripResult{}, false
	}

	share := 0.0
	if d.editsSinceGate > 0 {
		share = float64(topTouches) / float64(d.editsSinceGate)
	}
	if share < d.cfg.MinTopFileShare {
		return TripResult{}, false
	}

	return TripResult{
		Kind:             "loop-trip",
		TopFile:          topFile,
		TopFileTouches:   topTouches,
		Edits:            d.editsSinceGate,
		ElapsedSinceGate: elapsed,
	}, true
}
