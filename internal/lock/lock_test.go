package lock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ralph-labs/ralphd/internal/types"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rec := types.DaemonRecord{Version: 1, DaemonID: "d1", PID: os.Getpid(), StartedAt: time.Now(), ControlRoot: dir, Command: "ralphd"}

	res, err := Acquire(dir, rec)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected first Acquire to succeed, got %+v", res)
	}

	if _, err := os.Stat(filepath.Join(dir, lockDirName, ownerFileName)); err != nil {
		t.Fatalf("owner file not written: %v", err)
	}

	if err := Release(dir); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, lockDirName)); !os.IsNotExist(err) {
		t.Fatalf("lock dir should be gone after Release, stat err=%v", err)
	}
}

// TestAcquireRefusesHealthyPeer covers scenario S6: a pre-populated owner
// record for a live peer causes Acquire to refuse with exit code 2.
func TestAcquireRefusesHealthyPeer(t *testing.T) {
	dir := t.TempDir()
	lockDir := filepath.Join(dir, lockDirName)
	if err := os.MkdirAll(lockDir, 0o700); err != nil {
		t.Fatalf("mkdir lockdir: %v", err)
	}
	peer := types.DaemonRecord{
		Version:   1,
		DaemonID:  "peer",
		PID:       os.Getpid(), // our own test process: guaranteed alive
		StartedAt: time.Now(),
		Command:   "ralphd --daemon",
	}
	if err := writeOwnerAtomic(filepath.Join(lockDir, ownerFileName), peer); err != nil {
		t.Fatalf("write owner: %v", err)
	}

	res, err := Acquire(dir, types.DaemonRecord{PID: os.Getpid() + 1, Command: "ralphd"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.OK {
		t.Fatal("expected Acquire to refuse a healthy peer")
	}
	if res.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", res.ExitCode)
	}
	if res.Message == "" {
		t.Error("expected a message referencing the owner record path")
	}
}

// TestAcquireRemovesStaleLock covers scenario S6's dead-peer case: a PID
// that doesn't exist is classified stale and the lock is cleared, allowing
// acquisition to succeed.
func TestAcquireRemovesStaleLock(t *testing.T) {
	dir := t.TempDir()
	lockDir := filepath.Join(dir, lockDirName)
	if err := os.MkdirAll(lockDir, 0o700); err != nil {
		t.Fatalf("mkdir lockdir: %v", err)
	}
	// PID 0 never belongs to a live user process on any gopsutil-supported
	// platform in this context; NewProcess will fail to find it.
	dead := types.DaemonRecord{Version: 1, DaemonID: "dead", PID: 0, StartedAt: time.Now(), Command: "ralphd"}
	if err := writeOwnerAtomic(filepath.Join(lockDir, ownerFileName), dead); err != nil {
		t.Fatalf("write owner: %v", err)
	}

	res, err := Acquire(dir, types.DaemonRecord{PID: os.Getpid(), Command: "ralphd"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected Acquire to succeed after clearing a stale lock, got %+v", res)
	}
}
