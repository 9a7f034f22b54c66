package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ralph-labs/ralphd/internal/gateview"
	"github.com/ralph-labs/ralphd/internal/store"
)

var gatesCmd = &cobra.Command{
	Use:   "gates <repo> <issue>",
	Short: "Show the latest run's gate state for an issue",
	Args:  cobra.ExactArgs(2),
	RunE:  runGates,
}

func init() {
	rootCmd.AddCommand(gatesCmd)
}

func runGates(_ *cobra.Command, args []string) error {
	repo := args[0]
	issueNumber, err := strconv.Atoi(strings.TrimPrefix(args[1], "#"))
	if err != nil {
		return &exitError{code: 1, msg: fmt.Sprintf("issue must be a number, got %q", args[1])}
	}

	l, err := layout()
	if err != nil {
		return err
	}

	s, err := store.Open(l.DBPath)
	if err != nil {
		var fi *store.ErrForwardIncompatible
		if errors.As(err, &fi) {
			doc, code := gateview.ProjectForwardIncompatible(repo, issueNumber, fi)
			if jsonOutput {
				emitJSON(doc)
			} else {
				fmt.Printf("error: %s (schema %d, supported [%d,%d])\n",
					doc.Error.Code, fi.SchemaVersion, fi.SupportedRange[0], fi.SupportedRange[1])
			}
			return &exitError{code: code}
		}
		return err
	}
	defer s.Close()

	issueRef := fmt.Sprintf("%s#%d", repo, issueNumber)
	state, err := s.GetLatestRunGateStateForIssue(repo, issueRef)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if jsonOutput {
				emitJSON(gateview.ProjectError(repo, issueNumber, "not_found", "no run recorded for "+issueRef))
			} else {
				fmt.Printf("no run recorded for %s\n", issueRef)
			}
			return &exitError{code: 1}
		}
		return err
	}

	doc := gateview.Project(state, repo, issueNumber)
	if jsonOutput {
		return emitJSON(doc)
	}

	fmt.Printf("run %s (%s)\n", doc.RunID, state.Run.Outcome)
	for _, g := range doc.Gates {
		line := fmt.Sprintf("  %-15s %s", g.Name, g.Status)
		if g.Reason != "" {
			line += "  " + g.Reason
		}
		if g.URL != "" {
			line += "  " + g.URL
		}
		fmt.Println(line)
	}
	for _, a := range doc.Artifacts {
		suffix := ""
		if a.Truncated {
			suffix = fmt.Sprintf(" (truncated %s, %d chars originally)", a.TruncationMode, a.OriginalChars)
		}
		fmt.Printf("  artifact %d [%s/%s]%s\n", a.ID, a.Gate, a.Kind, suffix)
	}
	return nil
}
