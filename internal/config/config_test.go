package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ralphd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  command: agentd
  args: ["--headless"]
repos:
  - name: acme/widgets
    root: /srv/checkouts/widgets
    priority: 2
profiles:
  - name: main
    provider_id: provider-x
    data_dir: /srv/agent-data/main
    budget_5h: 1000000
    budget_week: 5000000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BotBranchPrefix != "bot/" {
		t.Fatalf("bot branch prefix = %q", cfg.BotBranchPrefix)
	}
	r := cfg.Repos[0]
	if r.DefaultBranch != "main" || r.BotBaseBranch != "bot/integration" {
		t.Fatalf("repo defaults = %q/%q", r.DefaultBranch, r.BotBaseBranch)
	}
	p := cfg.Profiles[0]
	if p.SoftPct != 0.8 || p.HardPct != 0.95 {
		t.Fatalf("profile pct defaults = %v/%v", p.SoftPct, p.HardPct)
	}
	if cfg.DefaultProfile != "main" {
		t.Fatalf("default profile = %q", cfg.DefaultProfile)
	}
	if cfg.DrainTimeoutDuration() != 10*time.Minute {
		t.Fatalf("drain timeout default = %v", cfg.DrainTimeoutDuration())
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"duplicate repo", `
repos:
  - name: acme/widgets
  - name: acme/widgets
`},
		{"priority out of range", `
repos:
  - name: acme/widgets
    priority: 4
`},
		{"soft above hard", `
profiles:
  - name: main
    soft_pct: 0.99
    hard_pct: 0.5
`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, c.body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDrainTimeoutParses(t *testing.T) {
	path := writeConfig(t, "drain_timeout: 90s\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DrainTimeoutDuration() != 90*time.Second {
		t.Fatalf("drain timeout = %v", cfg.DrainTimeoutDuration())
	}
}
