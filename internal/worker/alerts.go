package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ralph-labs/ralphd/internal/store"
)

// alertChannel names the one writeback channel this worker uses; the
// delivery table is keyed by (channel, marker id) so other channels can be
// added without colliding.
const alertChannel = "issue-comment"

// Alert is one operator-visible condition the worker writes back upstream.
type Alert struct {
	ID          string
	Fingerprint string // stable across retries of the same condition
	IssueNumber int
	Body        string
}

// AlertWriteResult reports what a writeback attempt actually did.
type AlertWriteResult struct {
	PostedComment  bool
	MarkerFound    bool
	SkippedComment bool
	CommentID      string
}

// MarkerID derives the 12-hex marker id from an alert fingerprint.
func MarkerID(fingerprint string) string {
	h := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(h[:])[:12]
}

// marker renders the HTML comment marker carried by every alert comment.
func marker(id string) string {
	return fmt.Sprintf("<!-- ralph-alert:id=%s -->", id)
}

// WriteAlert posts a at-most-once alert comment on the task's issue. The
// comment carries an HTML marker derived from the alert fingerprint; a
// second call with the same fingerprint finds the marker in the existing
// comments, records a skipped delivery attempt, and posts nothing.
func (w *Worker) WriteAlert(ctx context.Context, a Alert) (AlertWriteResult, error) {
	markerID := MarkerID(a.Fingerprint)
	mk := marker(markerID)

	comments, err := w.rt.Hosting.ListComments(ctx, w.cfg.Repo, a.IssueNumber)
	if err != nil {
		return AlertWriteResult{}, fmt.Errorf("worker: list comments for alert: %w", err)
	}
	for _, c := range comments {
		if strings.Contains(c.Body, mk) {
			if err := w.store.RecordAttempt(a.ID, alertChannel, markerID, "issue", a.IssueNumber,
				store.DeliverySkipped, c.ID, ""); err != nil {
				return AlertWriteResult{}, err
			}
			return AlertWriteResult{MarkerFound: true, SkippedComment: true, CommentID: c.ID}, nil
		}
	}

	// Claim before posting so a crash between post and record never posts
	// the comment twice on restart.
	key := fmt.Sprintf("alert:%s:%d:%s", w.cfg.Repo, a.IssueNumber, markerID)
	claimed, err := w.store.RecordKey("alert", key, a.ID)
	if err != nil {
		return AlertWriteResult{}, err
	}
	if !claimed {
		if err := w.store.RecordAttempt(a.ID, alertChannel, markerID, "issue", a.IssueNumber,
			store.DeliverySkipped, "", "idempotency key already claimed"); err != nil {
			return AlertWriteResult{}, err
		}
		return AlertWriteResult{SkippedComment: true}, nil
	}

	body := a.Body + "\n\n" + mk
	commentID, err := w.rt.Hosting.PostComment(ctx, w.cfg.Repo, a.IssueNumber, body)
	if err != nil {
		// Confirmed failure: release the key so a later retry can claim
		// it, and record the failed attempt.
		_ = w.store.DeleteKey("alert", key)
		_ = w.store.RecordAttempt(a.ID, alertChannel, markerID, "issue", a.IssueNumber,
			store.DeliveryFailed, "", err.Error())
		return AlertWriteResult{}, fmt.Errorf("worker: post alert comment: %w", err)
	}

	if err := w.store.RecordAttempt(a.ID, alertChannel, markerID, "issue", a.IssueNumber,
		store.DeliverySuccess, commentID, ""); err != nil {
		return AlertWriteResult{}, err
	}
	return AlertWriteResult{PostedComment: true, CommentID: commentID}, nil
}
