package worker

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/ralph-labs/ralphd/internal/store"
)

var markerPattern = regexp.MustCompile(`<!-- ralph-alert:id=[0-9a-f]{12} -->`)

// First delivery posts a marked comment; a second call with the same
// fingerprint finds the marker, posts nothing, and records a skipped
// attempt.
func TestWriteAlertIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	ctx := context.Background()

	alert := Alert{
		ID:          "alert-1",
		Fingerprint: "watchdog:3mdistal/ralph#319",
		IssueNumber: 319,
		Body:        "agent session terminated by watchdog",
	}

	first, err := h.worker.WriteAlert(ctx, alert)
	if err != nil {
		t.Fatalf("first WriteAlert: %v", err)
	}
	if !first.PostedComment || first.MarkerFound || first.SkippedComment {
		t.Fatalf("first delivery = %+v, want posted", first)
	}

	comments, err := h.hosting.ListComments(ctx, "3mdistal/ralph", 319)
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("expected 1 comment, got %d", len(comments))
	}
	if !markerPattern.MatchString(comments[0].Body) {
		t.Fatalf("comment carries no alert marker: %q", comments[0].Body)
	}

	second, err := h.worker.WriteAlert(ctx, alert)
	if err != nil {
		t.Fatalf("second WriteAlert: %v", err)
	}
	if second.PostedComment || !second.MarkerFound || !second.SkippedComment {
		t.Fatalf("second delivery = %+v, want markerFound+skipped", second)
	}

	comments, _ = h.hosting.ListComments(ctx, "3mdistal/ralph", 319)
	if len(comments) != 1 {
		t.Fatalf("second delivery must not post, got %d comments", len(comments))
	}

	d, err := h.store.GetDelivery("alert-1", "issue-comment", MarkerID(alert.Fingerprint))
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if d.Status != store.DeliverySkipped {
		t.Fatalf("delivery status = %s, want skipped", d.Status)
	}
	if d.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", d.Attempts)
	}
}

func TestMarkerIDIsTwelveHex(t *testing.T) {
	id := MarkerID("some fingerprint")
	if len(id) != 12 {
		t.Fatalf("marker id length = %d", len(id))
	}
	if strings.ToLower(id) != id || !regexp.MustCompile(`^[0-9a-f]{12}$`).MatchString(id) {
		t.Fatalf("marker id %q is not 12 lowercase hex chars", id)
	}
	if MarkerID("some fingerprint") != id {
		t.Fatal("marker id must be stable for a fingerprint")
	}
	if MarkerID("another fingerprint") == id {
		t.Fatal("distinct fingerprints must get distinct marker ids")
	}
}
