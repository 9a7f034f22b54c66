// Package escalation implements the autopilot that reads a structured
// "consultant decision" left by the agent when it refuses to proceed, and,
// within eligibility rules and a per-signature loop budget, applies an
// automatic resolution exactly once.
package escalation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ralph-labs/ralphd/internal/store"
)

// Confidence is the consultant decision's self-reported confidence.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// Decision is the parsed consultant-decision block.
type Decision struct {
	Kind            string     `json:"kind"` // e.g. "watchdog", "low-confidence", "blocked", "product-gap", "contract-surface"
	Confidence      Confidence `json:"confidence"`
	Reason          string     `json:"reason"`
	DependencyIssue string     `json:"dependency_issue,omitempty"`
	Resolution      string     `json:"resolution,omitempty"`
}

// fencedBlockPattern finds a fenced code block under the stable
// "Consultant Decision" heading; only the first match is used.
var fencedBlockPattern = regexp.MustCompile(`(?s)#+\s*Consultant Decision\s*` + "```(?:json)?\\s*(.*?)```")

// ErrNoDecisionBlock is returned by Parse when the text carries no
// consultant-decision block at all — distinct from a block that fails to
// parse as JSON, per the sum-type parsing guidance: "not found" and "parse
// error" are never conflated.
var ErrNoDecisionBlock = fmt.Errorf("escalation: no consultant decision block found")

// Parse extracts and decodes the consultant decision from text.
func Parse(text string) (Decision, error) {
	m := fencedBlockPattern.FindStringSubmatch(text)
	if m == nil {
		return Decision{}, ErrNoDecisionBlock
	}
	var d Decision
	if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &d); err != nil {
		return Decision{}, fmt.Errorf("escalation: parse consultant decision JSON: %w", err)
	}
	return d, nil
}

// blockingPhrases are kinds that always block autopilot regardless of
// confidence — the eligibility rules are a closed set, not a heuristic.
var blockingPhrases = map[string]bool{
	"product-gap":      true,
	"contract-surface": true,
}

// autoResolvableKinds are the only kinds eligible for automatic resolution,
// and only at high confidence.
var autoResolvableKinds = map[string]bool{
	"watchdog":       true,
	"low-confidence": true,
}

// Eligible reports whether d may be auto-resolved under the closed
// eligibility rules.
func Eligible(d Decision) bool {
	if blockingPhrases[d.Kind] {
		return false
	}
	if d.Kind == "blocked" {
		return d.DependencyIssue != ""
	}
	return autoResolvableKinds[d.Kind] && d.Confidence == ConfidenceHigh
}

// Signature derives the per-signature loop-budget key from the decision:
// repeat occurrences of the same kind+reason are the same signature, so
// the budget counter in the durable store accumulates correctly across
// restarts.
func Signature(d Decision) string {
	h := sha256.Sum256([]byte(d.Kind + "|" + d.Reason))
	return hex.EncodeToString(h[:])[:16]
}

// DefaultMaxAttempts is the per-signature loop budget.
const DefaultMaxAttempts = 2

// Autopilot applies eligible consultant decisions, subject to the
// per-signature loop budget and an idempotency claim so a retried
// operation after a crash never applies the resolution twice.
type Autopilot struct {
	store       *store.Store
	maxAttempts int
}

// New builds an Autopilot backed by s, using DefaultMaxAttempts unless
// maxAttempts is positive.
func New(s *store.Store, maxAttempts int) *Autopilot {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Autopilot{store: s, maxAttempts: maxAttempts}
}

// Resolution is what Resolve returns: whether the decision was applied and
// why not, when it wasn't.
type Resolution struct {
	Applied        bool
	Reason         string
	IdempotencyKey string
}

// Resolve evaluates d for (repo, issueNumber) and, if eligible and within
// budget, claims an idempotency key and calls apply exactly once. apply
// performs the actual resolution patch; Resolve only decides whether and
// records that it happened.
func (a *Autopilot) Resolve(repo string, issueNumber int, d Decision, apply func() error) (Resolution, error) {
	if !Eligible(d) {
		return Resolution{Reason: "not eligible: " + d.Kind}, nil
	}

	sig := Signature(d)
	attempt, err := a.store.GetAttempt(repo, issueNumber, sig)
	if err != nil {
		return Resolution{}, fmt.Errorf("escalation: read attempt budget: %w", err)
	}
	if attempt.Attempts >= a.maxAttempts {
		return Resolution{Reason: fmt.Sprintf("loop budget exhausted (%d/%d)", attempt.Attempts, a.maxAttempts)}, nil
	}

	key := fmt.Sprintf("escalation:%s:%d:%s:%d", repo, issueNumber, sig, attempt.Attempts+1)
	claimed, err := a.store.RecordKey("escalation", key, d.Kind)
	if err != nil {
		return Resolution{}, fmt.Errorf("escalation: claim idempotency key: %w", err)
	}
	if !claimed {
		return Resolution{Reason: "already claimed by a concurrent or prior attempt", IdempotencyKey: key}, nil
	}

	if _, err := a.store.BumpAttempt(repo, issueNumber, sig); err != nil {
		return Resolution{}, fmt.Errorf("escalation: bump attempt budget: %w", err)
	}

	if err := apply(); err != nil {
		// The resolution failed to apply: delete the key and leave the
		// attempt counter bumped, so failed attempts still count against
		// the budget. A later retry builds its key from the bumped counter
		// and so claims a new key.
		_ = a.store.DeleteKey("escalation", key)
		return Resolution{}, fmt.Errorf("escalation: apply resolution: %w", err)
	}

	return Resolution{Applied: true, IdempotencyKey: key}, nil
}
