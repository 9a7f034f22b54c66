package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ralph-labs/ralphd/internal/config"
)

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List configured repositories and their scheduling parameters",
	RunE:  runRepos,
}

func init() {
	rootCmd.AddCommand(reposCmd)
}

type repoOutput struct {
	Name             string  `json:"name"`
	Priority         int     `json:"priority"`
	ConcurrencySlots int     `json:"concurrency_slots"`
	DefaultBranch    string  `json:"default_branch"`
	BotBaseBranch    string  `json:"bot_base_branch"`
	Error            *string `json:"error,omitempty"`
}

func runRepos(_ *cobra.Command, _ []string) error {
	l, err := layout()
	if err != nil {
		return err
	}
	cfg, err := config.Load(filepath.Join(l.ControlRoot, "ralphd.yaml"))
	if err != nil {
		return err
	}

	out := make([]repoOutput, 0, len(cfg.Repos))
	for _, r := range cfg.Repos {
		slots := r.ConcurrencySlots
		if slots == 0 {
			slots = r.MaxWorkers
		}
		if slots == 0 {
			slots = 1
		}
		out = append(out, repoOutput{
			Name:             r.Name,
			Priority:         r.Priority,
			ConcurrencySlots: slots,
			DefaultBranch:    r.DefaultBranch,
			BotBaseBranch:    r.BotBaseBranch,
		})
	}

	if jsonOutput {
		return emitJSON(out)
	}
	for _, r := range out {
		fmt.Printf("%-40s p=%d slots=%d base=%s\n", r.Name, r.Priority, r.ConcurrencySlots, r.BotBaseBranch)
	}
	return nil
}
