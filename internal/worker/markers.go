package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Review decision parsing. Only explicit line-start markers count; fuzzy
// phrases anywhere else in the transcript are never treated as decisions.
// Two forms are accepted: a JSON object in a fenced block directly under a
// "Review Decision" heading, or a strict final-line sentinel.

// ReviewDecision is the parsed outcome of an advisory review session.
type ReviewDecision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// ErrNoReviewDecision is returned when the transcript carries neither a
// decision block nor a final-line sentinel. It is distinct from a decision
// that is present but malformed.
var ErrNoReviewDecision = errors.New("worker: no review decision found")

var reviewBlockPattern = regexp.MustCompile(`(?s)#+\s*Review Decision\s*` + "```(?:json)?\\s*(.*?)```")

const (
	sentinelApproved = "REVIEW: APPROVED"
	sentinelChanges  = "REVIEW: CHANGES_REQUESTED"
)

// ParseReviewDecision extracts the decision from a review transcript. A
// JSON-after-heading block wins over the final-line sentinel when both are
// present.
func ParseReviewDecision(text string) (ReviewDecision, error) {
	if m := reviewBlockPattern.FindStringSubmatch(text); m != nil {
		var d ReviewDecision
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &d); err != nil {
			return ReviewDecision{}, fmt.Errorf("worker: parse review decision JSON: %w", err)
		}
		return d, nil
	}

	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		switch line {
		case sentinelApproved:
			return ReviewDecision{Approved: true}, nil
		case sentinelChanges:
			return ReviewDecision{Approved: false}, nil
		}
		break // only the final non-empty line may carry the sentinel
	}
	return ReviewDecision{}, ErrNoReviewDecision
}

const (
	productGapMarker   = "PRODUCT GAP:"
	noProductGapMarker = "NO PRODUCT GAP:"
)

// HasProductGap scans text for product-gap markers at line start. The
// negation form is checked first so "NO PRODUCT GAP: ..." is never
// misread as a gap via its suffix. found is false when neither marker
// appears on any line.
func HasProductGap(text string) (gap bool, found bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, noProductGapMarker):
			gap, found = false, true
		case strings.HasPrefix(line, productGapMarker):
			gap, found = true, true
		}
	}
	return gap, found
}

// RoutingDecision is where a triaged failure routes next. Render and
// ParseRoutingDecision round-trip for every well-formed decision.
type RoutingDecision struct {
	Action string // "resume" | "spawn" | "quarantine"
	Target string // e.g. a check name or task ref
	Reason string
}

const routingPrefix = "ROUTE:"

// Render emits the canonical single-line form of d.
func (d RoutingDecision) Render() string {
	return fmt.Sprintf("%s %s %s -- %s", routingPrefix, d.Action, d.Target, d.Reason)
}

// ErrNoRoutingDecision is returned when line does not start with the
// routing sentinel at all.
var ErrNoRoutingDecision = errors.New("worker: no routing decision")

var routingPattern = regexp.MustCompile(`^ROUTE: (\S+) (\S+) -- (.*)$`)

// ParseRoutingDecision parses one rendered routing line.
func ParseRoutingDecision(line string) (RoutingDecision, error) {
	line = strings.TrimSpace(strings.TrimRight(line, "\r\n"))
	if !strings.HasPrefix(line, routingPrefix) {
		return RoutingDecision{}, ErrNoRoutingDecision
	}
	m := routingPattern.FindStringSubmatch(line)
	if m == nil {
		return RoutingDecision{}, fmt.Errorf("worker: malformed routing decision %q", line)
	}
	return RoutingDecision{Action: m[1], Target: m[2], Reason: m[3]}, nil
}

// NormalizeNoteRef canonicalizes a writeback note reference: CRLF and
// surrounding whitespace are stripped. Normalization and sanitization
// commute, so callers may apply them in either order.
func NormalizeNoteRef(ref string) string {
	ref = strings.ReplaceAll(ref, "\r", "")
	// Trim control characters along with whitespace at the edges, so
	// normalization commutes with sanitization for refs like "\x01 a".
	return strings.TrimFunc(ref, func(r rune) bool { return r <= ' ' })
}

// SanitizeNoteRef removes control characters from a note reference so it
// is safe to embed in a comment body verbatim.
func SanitizeNoteRef(ref string) string {
	var b strings.Builder
	for _, r := range ref {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
