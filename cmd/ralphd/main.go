// ralphd is the long-lived orchestration daemon: one instance per control
// root, supervising coding-agent sessions across the configured
// repositories.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ralph-labs/ralphd/internal/config"
	"github.com/ralph-labs/ralphd/internal/control"
	"github.com/ralph-labs/ralphd/internal/gateview"
	"github.com/ralph-labs/ralphd/internal/hosting"
	"github.com/ralph-labs/ralphd/internal/lock"
	"github.com/ralph-labs/ralphd/internal/logging"
	"github.com/ralph-labs/ralphd/internal/metrics"
	"github.com/ralph-labs/ralphd/internal/paths"
	"github.com/ralph-labs/ralphd/internal/queue"
	"github.com/ralph-labs/ralphd/internal/runtime"
	"github.com/ralph-labs/ralphd/internal/store"
	"github.com/ralph-labs/ralphd/internal/throttle"
)

// version is stamped at build time.
var version = "dev"

var (
	cfgPath  string
	logLevel string
	jsonLogs bool
)

var rootCmd = &cobra.Command{
	Use:          "ralphd",
	Short:        "Autonomous multi-repository coding-agent orchestrator",
	SilenceUsage: true,
	RunE:         runDaemon,
}

func init() {
	rootCmd.Flags().StringVar(&cfgPath, "config", "", "config file (default: <control root>/ralphd.yaml)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "minimum log level (debug|info|warn|error)")
	rootCmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON log lines instead of console output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if ok := asExitError(err, &exitErr); ok {
			fmt.Fprintln(os.Stderr, exitErr.msg)
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func asExitError(err error, target **exitError) bool {
	e, ok := err.(*exitError)
	if ok {
		*target = e
	}
	return ok
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	logging.Init(logging.Config{Level: logging.Level(logLevel), JSONOutput: jsonLogs})
	log := logging.WithComponent("daemon")

	layout, err := paths.Resolve("")
	if err != nil {
		return err
	}
	if err := layout.EnsureControlRoot(); err != nil {
		return err
	}

	if cfgPath == "" {
		cfgPath = filepath.Join(layout.ControlRoot, "ralphd.yaml")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	rec, err := lock.NewRecord(layout.ControlRoot, layout.ControlFilePath, version)
	if err != nil {
		return err
	}
	acq, err := lock.Acquire(layout.ControlRoot, rec)
	if err != nil {
		return err
	}
	if !acq.OK {
		return &exitError{code: acq.ExitCode, msg: acq.Message}
	}
	defer lock.Release(layout.ControlRoot)

	st, err := store.Open(layout.DBPath)
	if err != nil {
		if fi, ok := err.(*store.ErrForwardIncompatible); ok {
			_, code := gateview.ProjectForwardIncompatible("", 0, fi)
			return &exitError{code: code, msg: fi.Error()}
		}
		return err
	}
	defer st.Close()
	if st.ReadOnly() {
		return &exitError{code: 2, msg: "durable state is newer than this binary can write; refusing to run the daemon read-only"}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// The real hosting client binds in at integration time; without one the
	// daemon still runs end-to-end against the in-memory client, which is
	// how staging deployments smoke-test the gate sequence.
	log.Warn().Msg("no hosting client binding configured, using in-memory client")
	rt := &runtime.Runtime{
		Clock:   runtime.RealClock{},
		Spawner: runtime.RealSpawner{},
		Hosting: hosting.NewLimited(hosting.NewFake(), 8, 2),
		Queue:   queue.New(),
		Store:   st,
	}

	engine := throttle.NewEngine(throttleProfiles(cfg), 0, nil)
	selector := throttle.NewSelector(engine, 10*time.Minute, 0.1, nil)
	m := metrics.New()

	watcher := control.New(layout.ControlFilePath)
	go watcher.Run(ctx)

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			watcher.Kick()
		}
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Warn().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	d := newDaemon(rt, cfg, layout, engine, selector, watcher, m, log)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info().Msg("shutdown requested")
		cancel()
	}()

	log.Info().Str("control_root", layout.ControlRoot).Int("repos", len(cfg.Repos)).Msg("ralphd started")
	d.run(ctx)
	log.Info().Msg("ralphd stopped")
	return nil
}

func throttleProfiles(cfg config.Config) []throttle.Profile {
	out := make([]throttle.Profile, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		loc := time.Local
		if p.WeeklyReset.TimeZone != "" {
			if l, err := time.LoadLocation(p.WeeklyReset.TimeZone); err == nil {
				loc = l
			}
		}
		out = append(out, throttle.Profile{
			Name:                 p.Name,
			ProviderID:           p.ProviderID,
			DataDir:              p.DataDir,
			Budget5h:             p.Budget5h,
			BudgetWeek:           p.BudgetWeek,
			SoftPct:              p.SoftPct,
			HardPct:              p.HardPct,
			WeeklyResetDayOfWeek: time.Weekday(p.WeeklyReset.DayOfWeek),
			WeeklyResetHour:      p.WeeklyReset.Hour,
			WeeklyResetMinute:    p.WeeklyReset.Minute,
			TimeZone:             loc,
		})
	}
	return out
}
