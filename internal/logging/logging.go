// Package logging wires the daemon's structured logging. Every subsystem
// gets its own child logger carrying a "component" field so log lines can be
// filtered per gate, per repo, or per session without parsing message text.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Subsystems derive from it with
// WithComponent rather than constructing their own.
var Logger zerolog.Logger

// Level is the configured minimum severity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init constructs the base logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init sets up the global logger. Called once at process entry in
// cmd/ralphd and cmd/ralph before any subsystem is constructed.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given subsystem name,
// e.g. "scheduler", "supervisor", "throttle".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRepo tags a logger with the repository it is acting on.
func WithRepo(l zerolog.Logger, repo string) zerolog.Logger {
	return l.With().Str("repo", repo).Logger()
}

// WithTask tags a logger with the task (issue ref) it is acting on.
func WithTask(l zerolog.Logger, taskRef string) zerolog.Logger {
	return l.With().Str("task", taskRef).Logger()
}

// WithSession tags a logger with the agent session id it is supervising.
func WithSession(l zerolog.Logger, sessionID string) zerolog.Logger {
	return l.With().Str("session_id", sessionID).Logger()
}

func init() {
	// A sane default so packages that log before Init runs (e.g. in tests)
	// don't panic on a zero-value Logger.
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
