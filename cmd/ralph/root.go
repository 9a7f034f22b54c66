// ralph is the operator CLI for the ralphd daemon: inspect gate state,
// watch the queue, nudge a running session, and steer the control file.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ralph-labs/ralphd/internal/logging"
	"github.com/ralph-labs/ralphd/internal/paths"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:           "ralph",
	Short:         "Operator CLI for the ralphd orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON instead of text")
}

// exitError carries a specific process exit code up through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	logging.Init(logging.Config{Level: logging.ErrorLevel, Output: os.Stderr})
	if err := rootCmd.Execute(); err != nil {
		if ee, ok := err.(*exitError); ok {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func layout() (paths.Layout, error) {
	return paths.Resolve("")
}

// emitJSON prints v as indented JSON on stdout.
func emitJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
