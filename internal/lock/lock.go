// Package lock implements the daemon startup lock: an exclusive directory
// lock with an owner record, guaranteeing at most one live daemon per
// control root.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/ralph-labs/ralphd/internal/classify"
	"github.com/ralph-labs/ralphd/internal/logging"
	"github.com/ralph-labs/ralphd/internal/types"
)

const lockDirName = "daemon.lock"
const ownerFileName = "owner.json"

// staleRetries bounds how many times a collision is re-probed after
// removing a stale lock before giving up.
const staleRetries = 3

// Classification is the liveness verdict for the peer recorded in an owner
// file.
type Classification string

const (
	Healthy Classification = "healthy"
	Stale   Classification = "stale"
	Unknown Classification = "unknown"
)

// AcquireResult is what Acquire returns.
type AcquireResult struct {
	OK       bool
	ExitCode int
	Message  string
	Record   types.DaemonRecord
}

// Acquire attempts to take the startup lock under controlRoot. On success
// it writes an owner record and returns OK=true. On collision with a
// healthy or unknown peer it refuses with ExitCode=2.
func Acquire(controlRoot string, rec types.DaemonRecord) (AcquireResult, error) {
	log := logging.WithComponent("lock")
	lockDir := filepath.Join(controlRoot, lockDirName)
	ownerPath := filepath.Join(lockDir, ownerFileName)

	if err := os.MkdirAll(controlRoot, 0o700); err != nil {
		return AcquireResult{}, fmt.Errorf("create control root: %w", err)
	}

	for attempt := 0; attempt <= staleRetries; attempt++ {
		if err := os.Mkdir(lockDir, 0o700); err == nil {
			if err := writeOwnerAtomic(ownerPath, rec); err != nil {
				os.RemoveAll(lockDir)
				return AcquireResult{}, fmt.Errorf("write owner record: %w", err)
			}
			return AcquireResult{OK: true, Record: rec}, nil
		} else if !os.IsExist(err) {
			return AcquireResult{}, fmt.Errorf("create lock directory: %w", err)
		}

		owner, readErr := readOwner(ownerPath)
		if readErr != nil {
			// Lock directory exists but the owner file is missing or
			// unreadable: treat conservatively as unknown rather than
			// racing to delete a directory someone else may be
			// initializing.
			return AcquireResult{
				OK:       false,
				ExitCode: classify.ExitCode(classify.Conflict),
				Message:  fmt.Sprintf("lock directory %s exists but owner record is unreadable: %v", ownerPath, readErr),
			}, nil
		}

		switch classify_(owner) {
		case Healthy:
			return AcquireResult{
				OK:       false,
				ExitCode: classify.ExitCode(classify.Conflict),
				Message:  fmt.Sprintf("daemon already running (pid=%d, started=%s); see %s", owner.PID, owner.StartedAt, ownerPath),
			}, nil
		case Unknown:
			// Policy is explicit: prefer false-refuse over false-acquire.
			return AcquireResult{
				OK:       false,
				ExitCode: classify.ExitCode(classify.Conflict),
				Message:  fmt.Sprintf("cannot determine liveness of recorded owner (pid=%d, started=%s); refusing to start; see %s", owner.PID, owner.StartedAt, ownerPath),
			}, nil
		case Stale:
			log.Warn().Int("pid", owner.PID).Str("owner_path", ownerPath).Msg("removing stale daemon lock")
			if err := os.RemoveAll(lockDir); err != nil {
				return AcquireResult{}, fmt.Errorf("remove stale lock: %w", err)
			}
			// loop and retry the Mkdir
		}
	}

	return AcquireResult{
		OK:       false,
		ExitCode: classify.ExitCode(classify.Conflict),
		Message:  fmt.Sprintf("exhausted %d stale-lock retries under %s", staleRetries, lockDir),
	}, nil
}

// Release removes the lock directory on graceful stop. It is a no-op if
// the lock is already gone.
func Release(controlRoot string) error {
	return os.RemoveAll(filepath.Join(controlRoot, lockDirName))
}

// NewRecord builds a DaemonRecord for the current process.
func NewRecord(controlRoot, controlFilePath, version string) (types.DaemonRecord, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return types.DaemonRecord{}, fmt.Errorf("get working directory: %w", err)
	}
	pid := os.Getpid()
	startIdentity, err := startIdentityFor(int32(pid))
	if err != nil {
		log := logging.WithComponent("lock")
		log.Warn().Err(err).Msg("could not compute start identity; liveness probes will be conservative")
	}
	return types.DaemonRecord{
		Version:         1,
		DaemonID:        uuid.NewString(),
		PID:             pid,
		StartedAt:       time.Now(),
		ControlRoot:     controlRoot,
		ControlFilePath: controlFilePath,
		CWD:             cwd,
		Command:         commandLine(),
		RalphVersion:    version,
		StartIdentity:   startIdentity,
	}, nil
}

func commandLine() string {
	if len(os.Args) == 0 {
		return ""
	}
	cmd := os.Args[0]
	for _, a := range os.Args[1:] {
		cmd += " " + a
	}
	return cmd
}

func writeOwnerAtomic(path string, rec types.DaemonRecord) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal owner record: %w", err)
	}
	tmp := path + ".tmp-" + strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write temp owner file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename owner file into place: %w", err)
	}
	return nil
}

func readOwner(path string) (types.DaemonRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.DaemonRecord{}, err
	}
	var rec types.DaemonRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return types.DaemonRecord{}, fmt.Errorf("parse owner record: %w", err)
	}
	return rec, nil
}

// classify_ probes the recorded owner's liveness for Acquire. A live PID
// whose command line does not look like ralphd is Stale only when its start
// identity was checked and matched; without that confirmation it is Unknown.
func classify_(owner types.DaemonRecord) Classification {
	proc, err := process.NewProcess(int32(owner.PID))
	if err != nil {
		// No such process: signal-0 equivalent failed, PID is free.
		return Stale
	}

	running, err := proc.IsRunning()
	if err != nil || !running {
		return Stale
	}

	identityConfirmed := false
	if owner.StartIdentity != "" {
		current, err := startIdentityFor(int32(owner.PID))
		if err != nil {
			// Platform doesn't expose start-identity reliably for this
			// process right now; fall through to the command-line check.
		} else if current != owner.StartIdentity {
			// Same PID, different start identity: it's a different,
			// later process that happened to reuse the PID.
			return Stale
		} else {
			identityConfirmed = true
		}
	}

	cmdline, err := proc.Cmdline()
	if err != nil {
		return Unknown
	}
	if !looksLikeRalphd(cmdline) {
		if !identityConfirmed {
			// No start identity to go on: refuse rather than take over.
			return Unknown
		}
		return Stale
	}
	return Healthy
}

func looksLikeRalphd(cmdline string) bool {
	return strings.Contains(cmdline, "ralphd")
}

// startIdentityFor returns an opaque, platform-specific disambiguator for
// pid — here, the process start time in Unix millis from gopsutil, which
// wraps platform-specific /proc or syscall reads the same way on every
// platform gopsutil supports.
func startIdentityFor(pid int32) (string, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return "", err
	}
	createTime, err := proc.CreateTime()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(createTime, 10), nil
}
