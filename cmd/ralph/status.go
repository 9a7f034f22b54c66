package main

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ralph-labs/ralphd/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon liveness and control state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusOutput struct {
	DaemonRunning bool                `json:"daemon_running"`
	Daemon        *types.DaemonRecord `json:"daemon,omitempty"`
	Mode          string              `json:"mode"`
	ControlFile   string              `json:"control_file"`
	ControlRoot   string              `json:"control_root"`
	Error         *string             `json:"error"`
}

func runStatus(_ *cobra.Command, _ []string) error {
	l, err := layout()
	if err != nil {
		return err
	}

	out := statusOutput{
		Mode:        string(types.ModeRunning),
		ControlFile: l.ControlFilePath,
		ControlRoot: l.ControlRoot,
	}

	if rec, ok := readDaemonRecord(l.DaemonRegistryPath); ok {
		out.Daemon = &rec
		out.DaemonRunning = pidAlive(rec.PID)
	}
	if cf, ok := readControlFile(l.ControlFilePath); ok {
		out.Mode = string(cf.Mode)
	}

	if jsonOutput {
		return emitJSON(out)
	}

	if out.DaemonRunning {
		fmt.Printf("daemon: running (pid %d, started %s)\n", out.Daemon.PID, out.Daemon.StartedAt.Format(time.RFC3339))
	} else if out.Daemon != nil {
		fmt.Printf("daemon: not running (last record pid %d)\n", out.Daemon.PID)
	} else {
		fmt.Println("daemon: not running")
	}
	fmt.Printf("mode: %s\n", out.Mode)
	fmt.Printf("control file: %s\n", out.ControlFile)
	return nil
}

func readDaemonRecord(path string) (types.DaemonRecord, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.DaemonRecord{}, false
	}
	var rec types.DaemonRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return types.DaemonRecord{}, false
	}
	return rec, true
}

func readControlFile(path string) (types.ControlFile, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.ControlFile{}, false
	}
	cf := types.ControlFile{Version: 1, Mode: types.ModeRunning}
	if err := json.Unmarshal(b, &cf); err != nil {
		return types.ControlFile{}, false
	}
	return cf, true
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
