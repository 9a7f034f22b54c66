package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// spoolName is the nudge spool file under the control root. The CLI
// appends; the daemon drains it on each pass of its dispatcher loop and
// routes each nudge to the matching supervisor's queue.
const spoolName = "nudges.jsonl"

// SpooledNudge is one operator message waiting for a running session.
type SpooledNudge struct {
	ID      string    `json:"id"`
	TaskRef string    `json:"task_ref"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// AppendNudge appends one nudge to the spool, creating it on first use.
func AppendNudge(controlRoot string, n SpooledNudge) error {
	if err := os.MkdirAll(controlRoot, 0o700); err != nil {
		return fmt.Errorf("control: create control root: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(controlRoot, spoolName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("control: open nudge spool: %w", err)
	}
	defer f.Close()

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("control: marshal nudge: %w", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("control: append nudge: %w", err)
	}
	return nil
}

// DrainNudges reads every spooled nudge and truncates the spool. Malformed
// lines are skipped, not fatal: one bad append must not wedge the spool.
func DrainNudges(controlRoot string) ([]SpooledNudge, error) {
	path := filepath.Join(controlRoot, spoolName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("control: open nudge spool: %w", err)
	}

	var out []SpooledNudge
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var n SpooledNudge
		if err := json.Unmarshal(sc.Bytes(), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	scanErr := sc.Err()
	f.Close()
	if scanErr != nil {
		return out, fmt.Errorf("control: read nudge spool: %w", scanErr)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return out, fmt.Errorf("control: truncate nudge spool: %w", err)
	}
	return out, nil
}
