// Package paths derives the control root, session directory, and durable
// database path from the environment and the user's home directory, and
// enforces the safe-identifier predicate used for session ids and other
// values that become path components.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// safeIDPattern is the session-id / daemon-id predicate from the data
// model: alphanumeric plus dot, underscore, and hyphen. Nothing else is
// accepted, which rules out path traversal ("..", "/") by construction.
var safeIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// IsSafeIdentifier reports whether id is safe to use as a single path
// component: non-empty, matching safeIDPattern, and not "." or "..".
func IsSafeIdentifier(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return safeIDPattern.MatchString(id)
}

// Layout holds every filesystem location the daemon touches, resolved once
// at startup from the environment.
type Layout struct {
	// ControlRoot is "<home>/.ralph/control" unless overridden.
	ControlRoot string

	// SessionsDir is "<controlRoot>/sessions", the parent of every agent
	// session directory.
	SessionsDir string

	// DBPath is the durable SQLite database file.
	DBPath string

	// ControlFilePath is the resolved location of the control file
	// (first candidate in the search order that exists, or the canonical
	// default if none do).
	ControlFilePath string

	// DaemonRegistryPath is the canonical daemon record location.
	DaemonRegistryPath string
}

// Resolve builds a Layout from the environment. home overrides
// os.UserHomeDir() when non-empty (used by tests).
func Resolve(home string) (Layout, error) {
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return Layout{}, fmt.Errorf("resolve home directory: %w", err)
		}
		home = h
	}

	controlRoot := filepath.Join(home, ".ralph", "control")
	if v := os.Getenv("RALPH_CONTROL_ROOT"); v != "" {
		controlRoot = v
	}

	return Layout{
		ControlRoot:        controlRoot,
		SessionsDir:        filepath.Join(controlRoot, "sessions"),
		DBPath:             filepath.Join(controlRoot, "state.db"),
		ControlFilePath:    ResolveControlFilePath(home),
		DaemonRegistryPath: filepath.Join(controlRoot, "daemon-registry.json"),
	}, nil
}

// ResolveControlFilePath walks the search order from the external
// interfaces contract and returns the first path that exists. If none
// exist, it returns the canonical default so a writer can create it there.
func ResolveControlFilePath(home string) string {
	candidates := []string{
		filepath.Join(home, ".ralph", "control", "control.json"),
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "ralph", "control.json"))
	}
	candidates = append(candidates,
		filepath.Join(home, ".local", "state", "ralph", "control.json"),
		filepath.Join("/tmp", "ralph", fmt.Sprintf("%d", os.Getuid()), "control.json"),
	)

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return candidates[0]
}

// SessionDir returns the directory for a given session id, after validating
// the id is safe. Callers MUST check the returned error before using the
// path; an unsafe id never reaches the filesystem.
func (l Layout) SessionDir(sessionID string) (string, error) {
	if !IsSafeIdentifier(sessionID) {
		return "", fmt.Errorf("unsafe session id %q", sessionID)
	}
	return filepath.Join(l.SessionsDir, sessionID), nil
}

// EnsureControlRoot creates the control root and sessions directory if they
// do not already exist, with owner-only permissions.
func (l Layout) EnsureControlRoot() error {
	if err := os.MkdirAll(l.ControlRoot, 0o700); err != nil {
		return fmt.Errorf("create control root: %w", err)
	}
	if err := os.MkdirAll(l.SessionsDir, 0o700); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	return nil
}
