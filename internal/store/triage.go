package store

import (
	"database/sql"
	"fmt"
	"time"
)

// LoopTriageAttempt tracks how many times the escalation autopilot has
// applied an automatic resolution for a given (repo, issue, signature)
// triple, bounding it against the per-signature loop budget.
type LoopTriageAttempt struct {
	Repo        string
	IssueNumber int
	Signature   string
	Attempts    int
	UpdatedAt   time.Time
}

// GetAttempt returns the current attempt count for (repo, issueNumber,
// signature), or a zero-valued attempt if none has been recorded yet.
func (s *Store) GetAttempt(repo string, issueNumber int, signature string) (LoopTriageAttempt, error) {
	row := s.db.QueryRow(`
		SELECT attempts, updated_at FROM loop_triage_attempts
		WHERE repo = ? AND issue_number = ? AND signature = ?
	`, repo, issueNumber, signature)

	a := LoopTriageAttempt{Repo: repo, IssueNumber: issueNumber, Signature: signature}
	var updatedAt string
	err := row.Scan(&a.Attempts, &updatedAt)
	if err == sql.ErrNoRows {
		return a, nil
	}
	if err != nil {
		return a, fmt.Errorf("query loop triage attempt: %w", err)
	}
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return a, nil
}

// BumpAttempt increments the attempt counter for (repo, issueNumber,
// signature) and returns the new total.
func (s *Store) BumpAttempt(repo string, issueNumber int, signature string) (int, error) {
	if err := s.requireWritable(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO loop_triage_attempts (repo, issue_number, signature, attempts, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(repo, issue_number, signature) DO UPDATE SET
			attempts = loop_triage_attempts.attempts + 1,
			updated_at = excluded.updated_at
	`, repo, issueNumber, signature, now)
	if err != nil {
		return 0, fmt.Errorf("bump loop triage attempt: %w", err)
	}

	var attempts int
	err = s.db.QueryRow(`
		SELECT attempts FROM loop_triage_attempts WHERE repo = ? AND issue_number = ? AND signature = ?
	`, repo, issueNumber, signature).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("read bumped loop triage attempt: %w", err)
	}
	return attempts, nil
}
