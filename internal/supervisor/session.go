package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ralph-labs/ralphd/internal/safety"
)

// eventsLogName and nudgesLogName are the two append-only JSONL files a
// session directory holds.
const (
	eventsLogName = "events.jsonl"
	nudgesLogName = "nudges.jsonl"
)

// Session owns one agent subprocess instance's on-disk artifacts: its
// append-only events log and nudges log, both written under
// <sessionsDir>/<id>/.
type Session struct {
	ID  string
	Dir string

	mu         sync.Mutex
	eventsFile *os.File
	nudgesFile *os.File
}

// OpenSession validates id against the safe-identifier predicate and
// creates/opens its directory and log files under sessionsDir.
func OpenSession(sessionsDir, id string) (*Session, error) {
	if !safety.ValidSessionID(id) {
		return nil, fmt.Errorf("supervisor: unsafe session id %q", id)
	}
	dir := filepath.Join(sessionsDir, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	ev, err := os.OpenFile(filepath.Join(dir, eventsLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open events log: %w", err)
	}
	nu, err := os.OpenFile(filepath.Join(dir, nudgesLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		ev.Close()
		return nil, fmt.Errorf("open nudges log: %w", err)
	}

	return &Session{ID: id, Dir: dir, eventsFile: ev, nudgesFile: nu}, nil
}

// AppendEvent appends one raw event line to events.jsonl. The events log is
// never rewritten, only appended to, and is deliberately not fsynced: on
// crash the truth is the agent subprocess's own state, not this log.
func (s *Session) AppendEvent(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.eventsFile.Write(append(append([]byte(nil), line...), '\n'))
	return err
}

// AppendNudgeRecord appends one line (a "nudge" or "delivery" event, per
// to nudges.jsonl.
func (s *Session) AppendNudgeRecord(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.nudgesFile.Write(append(append([]byte(nil), line...), '\n'))
	return err
}

// Close releases the open log file handles without deleting anything.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err1 := s.eventsFile.Close()
	err2 := s.nudgesFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Cleanup deletes every artifact in the session directory except
// events.jsonl, which is preserved for diagnostics on terminal status
//. Session must be Close()d first so no file handle is open
// on the files being removed.
func (s *Session) Cleanup() error {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session dir: %w", err)
	}
	for _, e := range entries {
		if e.Name() == eventsLogName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.Dir, e.Name())); err != nil {
			return fmt.Errorf("remove session artifact %s: %w", e.Name(), err)
		}
	}
	return nil
}
