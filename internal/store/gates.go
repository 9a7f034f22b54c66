package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ralph-labs/ralphd/internal/types"
)

// artifactPolicyVersion is bumped whenever the truncation policy changes;
// stored per-artifact so old rows can be reinterpreted correctly.
const artifactPolicyVersion = 1

// artifactMaxChars bounds stored artifact content. The same bound applies
// to every artifact kind; truncate() takes no kind into account.
const artifactMaxChars = 8000

// CreateRun starts a new run for (repo, issue), demoting any previously
// "latest" run for the same issue, and initializes all six canonical gate
// rows as pending in the same transaction.
func (s *Store) CreateRun(repo, issue, taskRef, attemptKind string, startedAt time.Time) (*types.Run, error) {
	if err := s.requireWritable(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin create run: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE runs SET is_latest = 0 WHERE repo = ? AND issue = ?`, repo, issue); err != nil {
		return nil, fmt.Errorf("demote previous latest run: %w", err)
	}

	run := &types.Run{
		ID:          uuid.NewString(),
		Repo:        repo,
		Issue:       issue,
		TaskRef:     taskRef,
		AttemptKind: attemptKind,
		StartedAt:   startedAt,
		Outcome:     types.OutcomePending,
	}

	if _, err := tx.Exec(
		`INSERT INTO runs (id, repo, issue, task_ref, attempt_kind, started_at, outcome, is_latest)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		run.ID, run.Repo, run.Issue, run.TaskRef, run.AttemptKind, run.StartedAt.Format(time.RFC3339Nano), run.Outcome,
	); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	if err := insertGateRows(tx, run.ID, startedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create run: %w", err)
	}
	return run, nil
}

func insertGateRows(tx *sql.Tx, runID string, now time.Time) error {
	stmt, err := tx.Prepare(`
		INSERT INTO gate_results (run_id, gate, status, updated_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare gate row insert: %w", err)
	}
	defer stmt.Close()

	for _, g := range types.GateOrder {
		if _, err := stmt.Exec(runID, g, types.GatePending, now.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert gate row %s: %w", g, err)
		}
	}
	return nil
}

// FinalizeRun records a run's terminal outcome, completion kind, PR URL,
// and token totals. totals is stored only when non-nil; the token columns
// stay NULL for a run whose sessions never all reported, per the
// "complete or null" invariant.
func (s *Store) FinalizeRun(runID string, outcome types.RunOutcome, completionKind, prURL string, completedAt time.Time, totals *types.TokenTotals) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokIn, tokOut, tokReason sql.NullInt64
	if totals != nil {
		tokIn = sql.NullInt64{Int64: totals.Input, Valid: true}
		tokOut = sql.NullInt64{Int64: totals.Output, Valid: true}
		tokReason = sql.NullInt64{Int64: totals.Reasoning, Valid: true}
	}

	res, err := s.db.Exec(`
		UPDATE runs SET outcome = ?, completion_kind = ?, pr_url = ?, completed_at = ?,
			token_input = ?, token_output = ?, token_reasoning = ?
		WHERE id = ?
	`, outcome, nullIfEmpty(completionKind), nullIfEmpty(prURL), completedAt.Format(time.RFC3339Nano),
		tokIn, tokOut, tokReason, runID)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureRunGateRows backfills any canonical gate row missing for runID,
// leaving existing rows untouched. Used when a run was created by an older
// binary with fewer gates, or after a schema upgrade adds one.
func (s *Store) EnsureRunGateRows(runID string) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT gate FROM gate_results WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("query existing gate rows: %w", err)
	}
	existing := map[types.GateName]bool{}
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			rows.Close()
			return fmt.Errorf("scan existing gate row: %w", err)
		}
		existing[types.GateName(g)] = true
	}
	rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin ensure gate rows: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, g := range types.GateOrder {
		if existing[g] {
			continue
		}
		if _, err := tx.Exec(
			`INSERT INTO gate_results (run_id, gate, status, updated_at) VALUES (?, ?, ?, ?)`,
			runID, g, types.GatePending, now.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("backfill gate row %s: %w", g, err)
		}
	}
	return tx.Commit()
}

// UpsertRunGateResult updates a gate's status and evidence fields. It
// refuses to move a gate away from a terminal status (pass/fail), per the
// monotonic gate invariant; the one exception is re-recording the same
// terminal status with updated evidence (e.g. adding a PR number after
// pr_evidence already passed), which is allowed.
func (s *Store) UpsertRunGateResult(result types.GateResult) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var classifierJSON sql.NullString
	if result.ClassifierPayload != nil {
		b, err := json.Marshal(result.ClassifierPayload)
		if err != nil {
			return fmt.Errorf("marshal classifier payload: %w", err)
		}
		classifierJSON = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert gate result: %w", err)
	}
	defer tx.Rollback()

	var currentStatus string
	err = tx.QueryRow(`SELECT status FROM gate_results WHERE run_id = ? AND gate = ?`, result.RunID, result.Gate).Scan(&currentStatus)
	switch {
	case err == sql.ErrNoRows:
		// No row yet; insert is fine, matches EnsureRunGateRows semantics.
	case err != nil:
		return fmt.Errorf("read current gate status: %w", err)
	case types.GateStatus(currentStatus).Terminal() && currentStatus != string(result.Status):
		return fmt.Errorf("%w: run=%s gate=%s current=%s attempted=%s",
			ErrTerminalGate, result.RunID, result.Gate, currentStatus, result.Status)
	}

	now := time.Now()
	if _, err := tx.Exec(`
		INSERT INTO gate_results (run_id, gate, status, command, skip_reason, reason, url, pr_number, classifier_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, gate) DO UPDATE SET
			status = excluded.status,
			command = excluded.command,
			skip_reason = excluded.skip_reason,
			reason = excluded.reason,
			url = excluded.url,
			pr_number = excluded.pr_number,
			classifier_json = excluded.classifier_json,
			updated_at = excluded.updated_at
	`,
		result.RunID, result.Gate, result.Status, nullIfEmpty(result.Command), nullIfEmpty(result.SkipReason),
		nullIfEmpty(result.Reason), nullIfEmpty(result.URL), nullIfZero(result.PRNumber), classifierJSON,
		now.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("upsert gate result: %w", err)
	}

	return tx.Commit()
}

// RecordRunGateArtifact appends a gate artifact, truncating content longer
// than artifactMaxChars (one bound for every kind) in the artifact's
// TruncationMode, tail when unset, and preserving the original length in
// OriginalChars/OriginalLines. Artifacts are append-only: callers never
// rewrite an existing row.
func (s *Store) RecordRunGateArtifact(a types.GateArtifact) (types.GateArtifact, error) {
	if err := s.requireWritable(); err != nil {
		return types.GateArtifact{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a.OriginalChars = len([]rune(a.Content))
	a.OriginalLines = countLines(a.Content)
	a.PolicyVersion = artifactPolicyVersion

	content := a.Content
	if len([]rune(content)) > artifactMaxChars {
		mode := a.TruncationMode
		if mode == "" {
			mode = types.TruncateTail
		}
		content = truncate(content, artifactMaxChars, mode)
		a.Truncated = true
		a.TruncationMode = mode
	} else {
		a.Truncated = false
		a.TruncationMode = ""
	}

	now := time.Now()
	res, err := s.db.Exec(`
		INSERT INTO gate_artifacts (run_id, gate, kind, content, truncated, truncation_mode, original_chars, original_lines, policy_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.RunID, a.Gate, a.Kind, content, boolToInt(a.Truncated), nullIfEmpty(string(a.TruncationMode)),
		a.OriginalChars, a.OriginalLines, a.PolicyVersion, now.Format(time.RFC3339Nano))
	if err != nil {
		return types.GateArtifact{}, fmt.Errorf("insert gate artifact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.GateArtifact{}, fmt.Errorf("read artifact id: %w", err)
	}
	a.ID = id
	a.Content = content
	a.CreatedAt = now
	return a, nil
}

// RunGateState is the full gate-sequence projection for one run, used by
// the gates CLI command and the PR-recovery check.
type RunGateState struct {
	Run       types.Run
	Gates     []types.GateResult
	Artifacts []types.GateArtifact
}

// GetLatestRunGateStateForIssue returns the gate state of the run currently
// marked "latest" for (repo, issue), or ErrNotFound if there is none.
func (s *Store) GetLatestRunGateStateForIssue(repo, issue string) (*RunGateState, error) {
	row := s.db.QueryRow(`
		SELECT id, task_ref, attempt_kind, started_at, completed_at, outcome, completion_kind, pr_url,
		       token_input, token_output, token_reasoning
		FROM runs WHERE repo = ? AND issue = ? AND is_latest = 1
	`, repo, issue)

	var run types.Run
	var startedAt string
	var completedAt, completionKind, prURL sql.NullString
	var tokIn, tokOut, tokReason sql.NullInt64
	if err := row.Scan(&run.ID, &run.TaskRef, &run.AttemptKind, &startedAt, &completedAt, &run.Outcome,
		&completionKind, &prURL, &tokIn, &tokOut, &tokReason); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query latest run: %w", err)
	}
	run.Repo, run.Issue = repo, issue
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		run.CompletedAt = &t
	}
	run.CompletionKind = completionKind.String
	run.PRURL = prURL.String
	if tokIn.Valid && tokOut.Valid && tokReason.Valid {
		run.TokenTotals = &types.TokenTotals{Input: tokIn.Int64, Output: tokOut.Int64, Reasoning: tokReason.Int64}
	}

	gates, err := s.gateResultsForRun(run.ID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.artifactsForRun(run.ID)
	if err != nil {
		return nil, err
	}
	return &RunGateState{Run: run, Gates: gates, Artifacts: artifacts}, nil
}

func (s *Store) gateResultsForRun(runID string) ([]types.GateResult, error) {
	rows, err := s.db.Query(`
		SELECT gate, status, command, skip_reason, reason, url, pr_number, classifier_json, updated_at
		FROM gate_results WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query gate results: %w", err)
	}
	defer rows.Close()

	byName := map[types.GateName]types.GateResult{}
	for rows.Next() {
		var gr types.GateResult
		var command, skipReason, reason, url, classifierJSON sql.NullString
		var prNumber sql.NullInt64
		var updatedAt string
		if err := rows.Scan(&gr.Gate, &gr.Status, &command, &skipReason, &reason, &url, &prNumber, &classifierJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan gate result: %w", err)
		}
		gr.RunID = runID
		gr.Command = command.String
		gr.SkipReason = skipReason.String
		gr.Reason = reason.String
		gr.URL = url.String
		gr.PRNumber = int(prNumber.Int64)
		gr.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		if classifierJSON.Valid {
			var payload types.CIClassifierPayload
			if err := json.Unmarshal([]byte(classifierJSON.String), &payload); err == nil {
				gr.ClassifierPayload = &payload
			}
		}
		byName[gr.Gate] = gr
	}

	// Return in canonical order, not row order, so readers never observe a
	// later gate before an earlier one.
	ordered := make([]types.GateResult, 0, len(types.GateOrder))
	for _, g := range types.GateOrder {
		if gr, ok := byName[g]; ok {
			ordered = append(ordered, gr)
		}
	}
	return ordered, nil
}

func (s *Store) artifactsForRun(runID string) ([]types.GateArtifact, error) {
	rows, err := s.db.Query(`
		SELECT id, gate, kind, content, truncated, truncation_mode, original_chars, original_lines, policy_version, created_at
		FROM gate_artifacts WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query gate artifacts: %w", err)
	}
	defer rows.Close()

	var out []types.GateArtifact
	for rows.Next() {
		var a types.GateArtifact
		var truncationMode sql.NullString
		var truncated int
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Gate, &a.Kind, &a.Content, &truncated, &truncationMode,
			&a.OriginalChars, &a.OriginalLines, &a.PolicyVersion, &createdAt); err != nil {
			return nil, fmt.Errorf("scan gate artifact: %w", err)
		}
		a.RunID = runID
		a.Truncated = truncated != 0
		a.TruncationMode = types.TruncationMode(truncationMode.String)
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, a)
	}
	return out, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullIfZero(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := 1
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}

// truncate cuts content down to maxChars runes, keeping the head or tail
// per mode.
func truncate(content string, maxChars int, mode types.TruncationMode) string {
	runes := []rune(content)
	if len(runes) <= maxChars {
		return content
	}
	if mode == types.TruncateHead {
		return string(runes[:maxChars])
	}
	return string(runes[len(runes)-maxChars:])
}
