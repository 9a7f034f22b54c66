package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ralph-labs/ralphd/internal/types"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Set the daemon mode back to running",
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(_ *cobra.Command, _ []string) error {
	l, err := layout()
	if err != nil {
		return err
	}

	cf, _ := readControlFile(l.ControlFilePath)
	cf.Version = 1
	cf.Mode = types.ModeRunning
	cf.PauseRequested = false
	cf.PauseAtCheckpoint = ""

	if err := writeControlFileAtomic(l.ControlFilePath, cf); err != nil {
		return err
	}
	if rec, ok := readDaemonRecord(l.DaemonRegistryPath); ok && pidAlive(rec.PID) {
		signalDaemon(rec.PID)
	}
	fmt.Println("mode: running")
	return nil
}

// writeControlFileAtomic writes tmp-then-rename so the daemon's watcher
// never reads a torn document.
func writeControlFileAtomic(path string, cf types.ControlFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	b, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
