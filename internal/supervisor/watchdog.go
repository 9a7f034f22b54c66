package supervisor

import "time"

// ToolWatchdogConfig is the soft/hard duration a single tool invocation is
// allowed to run before the supervisor flags, then terminates, the process
//. Bash gets the longest budget by convention.
type ToolWatchdogConfig struct {
	Soft time.Duration
	Hard time.Duration
}

// WatchdogPolicy maps a tool name to its watchdog config, falling back to
// Default for any tool not explicitly listed.
type WatchdogPolicy struct {
	Default ToolWatchdogConfig
	ByTool  map[string]ToolWatchdogConfig
}

// For returns the watchdog config for toolName, falling back to the policy
// default when the tool has no specific entry.
func (p WatchdogPolicy) For(toolName string) ToolWatchdogConfig {
	if cfg, ok := p.ByTool[toolName]; ok {
		return cfg
	}
	return p.Default
}

// DefaultWatchdogPolicy is a reasonable baseline: most tools get a short
// leash, bash gets the longest since it can legitimately run builds/tests.
var DefaultWatchdogPolicy = WatchdogPolicy{
	Default: ToolWatchdogConfig{Soft: 2 * time.Minute, Hard: 5 * time.Minute},
	ByTool: map[string]ToolWatchdogConfig{
		"bash": {Soft: 10 * time.Minute, Hard: 20 * time.Minute},
	},
}

// StallConfig bounds the coarser guard covering any absence of events at
// all, regardless of whether a specific tool is in flight.
type StallConfig struct {
	Timeout time.Duration
}

// DefaultStallConfig is the baseline stall timeout: no event of any kind for
// this long means the agent subprocess is presumed stuck.
var DefaultStallConfig = StallConfig{Timeout: 15 * time.Minute}
