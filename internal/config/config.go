// Package config loads the daemon's static YAML configuration: repository
// scheduling parameters, coding-agent profiles and throttle budgets, and
// the agent command line. The dynamic control file (mode, pause, drain) is
// separate and lives in internal/control.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Repo is one repository's static configuration.
type Repo struct {
	Name             string `yaml:"name"`
	Root             string `yaml:"root"`
	WorktreesDir     string `yaml:"worktrees_dir"`
	Priority         int    `yaml:"priority"`
	ConcurrencySlots int    `yaml:"concurrency_slots"`
	MaxWorkers       int    `yaml:"max_workers"`
	DefaultBranch    string `yaml:"default_branch"`
	BotBaseBranch    string `yaml:"bot_base_branch"`
}

// WeeklyReset is the calendar boundary a profile's weekly throttle window
// aligns to.
type WeeklyReset struct {
	DayOfWeek int    `yaml:"day_of_week"` // 0 = Sunday
	Hour      int    `yaml:"hour"`
	Minute    int    `yaml:"minute"`
	TimeZone  string `yaml:"time_zone"`
}

// Profile is one coding-agent configuration: its data directory and
// throttle budgets.
type Profile struct {
	Name        string      `yaml:"name"`
	ProviderID  string      `yaml:"provider_id"`
	DataDir     string      `yaml:"data_dir"`
	Budget5h    int64       `yaml:"budget_5h"`
	BudgetWeek  int64       `yaml:"budget_week"`
	SoftPct     float64     `yaml:"soft_pct"`
	HardPct     float64     `yaml:"hard_pct"`
	WeeklyReset WeeklyReset `yaml:"weekly_reset"`
}

// Agent is the external coding-agent binary and its fixed arguments.
type Agent struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Config is the whole static configuration document.
type Config struct {
	Agent           Agent     `yaml:"agent"`
	Repos           []Repo    `yaml:"repos"`
	Profiles        []Profile `yaml:"profiles"`
	DefaultProfile  string    `yaml:"default_profile"`
	BotBranchPrefix string    `yaml:"bot_branch_prefix"`
	MetricsAddr     string    `yaml:"metrics_addr"`
	DrainTimeout    string    `yaml:"drain_timeout"`
}

// Defaults applied by Load when a field is absent.
const (
	defaultBotBranchPrefix = "bot/"
	defaultDefaultBranch   = "main"
	defaultSoftPct         = 0.8
	defaultHardPct         = 0.95
	defaultDrainTimeout    = 10 * time.Minute
)

// Load reads and validates the configuration at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.applyDefaultsAndValidate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaultsAndValidate() error {
	if c.BotBranchPrefix == "" {
		c.BotBranchPrefix = defaultBotBranchPrefix
	}
	seen := map[string]bool{}
	for i := range c.Repos {
		r := &c.Repos[i]
		if r.Name == "" {
			return fmt.Errorf("config: repo %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("config: repo %q configured twice", r.Name)
		}
		seen[r.Name] = true
		if r.DefaultBranch == "" {
			r.DefaultBranch = defaultDefaultBranch
		}
		if r.BotBaseBranch == "" {
			r.BotBaseBranch = c.BotBranchPrefix + "integration"
		}
		if r.Priority < 0 || r.Priority > 3 {
			return fmt.Errorf("config: repo %q priority %d out of range [0,3]", r.Name, r.Priority)
		}
	}
	for i := range c.Profiles {
		p := &c.Profiles[i]
		if p.Name == "" {
			return fmt.Errorf("config: profile %d has no name", i)
		}
		if p.SoftPct == 0 {
			p.SoftPct = defaultSoftPct
		}
		if p.HardPct == 0 {
			p.HardPct = defaultHardPct
		}
		if p.SoftPct > p.HardPct {
			return fmt.Errorf("config: profile %q soft_pct %.2f exceeds hard_pct %.2f", p.Name, p.SoftPct, p.HardPct)
		}
	}
	if c.DefaultProfile == "" && len(c.Profiles) > 0 {
		c.DefaultProfile = c.Profiles[0].Name
	}
	return nil
}

// DrainTimeoutDuration parses the configured drain timeout, falling back
// to the default on absence or parse failure.
func (c Config) DrainTimeoutDuration() time.Duration {
	if c.DrainTimeout == "" {
		return defaultDrainTimeout
	}
	d, err := time.ParseDuration(c.DrainTimeout)
	if err != nil || d <= 0 {
		return defaultDrainTimeout
	}
	return d
}
