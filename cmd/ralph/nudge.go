package main

import (
	"fmt"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ralph-labs/ralphd/internal/control"
)

var nudgeCmd = &cobra.Command{
	Use:   "nudge <taskRef> <message>",
	Short: "Queue an operator message for a running session",
	Long: `Queue a message for the agent session working on taskRef. The daemon
delivers it at the session's next safe checkpoint, between tool calls.`,
	Args: cobra.ExactArgs(2),
	RunE: runNudge,
}

func init() {
	rootCmd.AddCommand(nudgeCmd)
}

func runNudge(_ *cobra.Command, args []string) error {
	l, err := layout()
	if err != nil {
		return err
	}

	n := control.SpooledNudge{
		ID:      uuid.NewString(),
		TaskRef: args[0],
		Message: args[1],
		At:      time.Now(),
	}
	if err := control.AppendNudge(l.ControlRoot, n); err != nil {
		return err
	}

	// Signal the daemon. Its signal handler re-reads the control file; the
	// spool itself is drained on the daemon's next dispatcher pass.
	if rec, ok := readDaemonRecord(l.DaemonRegistryPath); ok && pidAlive(rec.PID) {
		signalDaemon(rec.PID)
	}

	fmt.Printf("nudge queued for %s\n", args[0])
	return nil
}

func signalDaemon(pid int) {
	_ = syscall.Kill(pid, syscall.SIGUSR1)
}
