package worker

import (
	"errors"
	"testing"
)

func TestHasProductGapLineStartMarkers(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		gap   bool
		found bool
	}{
		{"gap at line start", "review done\nPRODUCT GAP: missing export flow\n", true, true},
		{"negated", "NO PRODUCT GAP: behavior matches the brief\n", false, true},
		{"negation beats suffix match", "NO PRODUCT GAP: all good", false, true},
		{"mid-line mention ignored", "we discussed a PRODUCT GAP: earlier", false, false},
		{"absent", "looks fine to me", false, false},
		{"crlf line", "PRODUCT GAP: broken flow\r\n", true, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			gap, found := HasProductGap(c.text)
			if gap != c.gap || found != c.found {
				t.Fatalf("HasProductGap(%q) = (%v, %v), want (%v, %v)", c.text, gap, found, c.gap, c.found)
			}
		})
	}
}

func TestParseReviewDecisionJSONBlockWins(t *testing.T) {
	text := "## Review Decision\n```json\n{\"approved\": false, \"reason\": \"tests missing\"}\n```\n\nREVIEW: APPROVED\n"
	d, err := ParseReviewDecision(text)
	if err != nil {
		t.Fatalf("ParseReviewDecision: %v", err)
	}
	if d.Approved {
		t.Fatal("JSON block must win over the trailing sentinel")
	}
	if d.Reason != "tests missing" {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestParseReviewDecisionSentinel(t *testing.T) {
	d, err := ParseReviewDecision("lots of commentary\n\nREVIEW: APPROVED")
	if err != nil {
		t.Fatalf("ParseReviewDecision: %v", err)
	}
	if !d.Approved {
		t.Fatal("final-line sentinel should approve")
	}

	if _, err := ParseReviewDecision("REVIEW: APPROVED\nbut then more text"); !errors.Is(err, ErrNoReviewDecision) {
		t.Fatalf("sentinel not on the final line must not count, got %v", err)
	}
	if _, err := ParseReviewDecision("sounds approved to me"); !errors.Is(err, ErrNoReviewDecision) {
		t.Fatalf("fuzzy phrase must not count, got %v", err)
	}
}

func TestRoutingDecisionRoundTrip(t *testing.T) {
	decisions := []RoutingDecision{
		{Action: "resume", Target: "ci/test", Reason: "known flake"},
		{Action: "spawn", Target: "tasks/ralph-319", Reason: "new regression in parser"},
		{Action: "quarantine", Target: "ci/e2e", Reason: "budget exhausted (3/3)"},
	}
	for _, d := range decisions {
		got, err := ParseRoutingDecision(d.Render())
		if err != nil {
			t.Fatalf("ParseRoutingDecision(%q): %v", d.Render(), err)
		}
		if got != d {
			t.Fatalf("round trip: got %+v want %+v", got, d)
		}
	}

	if _, err := ParseRoutingDecision("no sentinel here"); !errors.Is(err, ErrNoRoutingDecision) {
		t.Fatalf("missing sentinel should be ErrNoRoutingDecision, got %v", err)
	}
	if _, err := ParseRoutingDecision("ROUTE: malformed"); err == nil || errors.Is(err, ErrNoRoutingDecision) {
		t.Fatalf("malformed decision must be a parse error, got %v", err)
	}
}

func TestNoteRefNormalizeSanitizeCommute(t *testing.T) {
	inputs := []string{
		"  plain ref  ",
		"ref\r\nwith crlf\r\n",
		"\x01 leading control then space",
		"tab\tinside and trailing \x02",
		"",
		"\r\n\r\n",
		"multi\nline\nref",
	}
	for _, in := range inputs {
		a := SanitizeNoteRef(NormalizeNoteRef(in))
		b := NormalizeNoteRef(SanitizeNoteRef(in))
		if a != b {
			t.Fatalf("commute failed for %q: sanitize∘normalize=%q normalize∘sanitize=%q", in, a, b)
		}
	}

	if got := NormalizeNoteRef("  ref-42\r\n"); got != "ref-42" {
		t.Fatalf("NormalizeNoteRef = %q, want CRLF and whitespace stripped", got)
	}
}

func TestPRNumberOf(t *testing.T) {
	if n, ok := prNumberOf("https://github.com/3mdistal/ralph/pull/631"); !ok || n != 631 {
		t.Fatalf("prNumberOf = (%d, %v)", n, ok)
	}
	if _, ok := prNumberOf("https://github.com/3mdistal/ralph/issues/631"); ok {
		t.Fatal("issue URL must not parse as a PR")
	}
}
