// Package control watches the daemon's control file for live configuration
// changes: mode (running/draining/paused), pause requests, and profile
// overrides, without requiring a restart.
package control

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ralph-labs/ralphd/internal/logging"
	"github.com/ralph-labs/ralphd/internal/types"
)

// pollInterval is the fallback poll cadence alongside fsnotify.
const pollInterval = time.Second

// Watcher tails a control file, emitting the parsed document on every
// change detected either by fsnotify or by the poll fallback, and
// immediately on Kick (the user-signal trigger).
type Watcher struct {
	path    string
	changes chan types.ControlFile
	kick    chan struct{}
	last    types.ControlFile
}

// New creates a Watcher for path. Call Run in its own goroutine/task to
// start watching; Changes() delivers the parsed document on every observed
// change.
func New(path string) *Watcher {
	return &Watcher{
		path:    path,
		changes: make(chan types.ControlFile, 1),
		kick:    make(chan struct{}, 1),
	}
}

// Changes returns the channel the watcher publishes parsed control files
// to. Readers should drain it promptly; it is buffered by one so a single
// pending change is never lost.
func (w *Watcher) Changes() <-chan types.ControlFile { return w.changes }

// Kick forces an immediate re-read, used by the SIGUSR1 handler.
func (w *Watcher) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run watches the control file until ctx is canceled. It never returns an
// error for a missing file — a missing control file simply means "running,
// no overrides" and is reported as such.
func (w *Watcher) Run(ctx context.Context) error {
	log := logging.WithComponent("control")

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify unavailable, falling back to polling only")
	} else {
		defer fsw.Close()
		if addErr := fsw.Add(w.path); addErr != nil {
			log.Debug().Err(addErr).Str("path", w.path).Msg("control file does not exist yet, polling will pick it up")
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	w.reload(log)

	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	if fsw != nil {
		fsEvents = fsw.Events
		fsErrors = fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.reload(log)
		case <-w.kick:
			w.reload(log)
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload(log)
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			log.Warn().Err(err).Msg("fsnotify watch error")
		}
	}
}

// reload reads and parses the control file, publishing the result if it
// differs from the last published document. A missing file is treated as
// the zero-override default (running, no pause, no drain).
func (w *Watcher) reload(log zerolog.Logger) {
	cf := types.ControlFile{Version: 1, Mode: types.ModeRunning}

	b, err := os.ReadFile(w.path)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(b, &cf); jerr != nil {
			log.Warn().Err(jerr).Str("path", w.path).Msg("control file is not valid JSON, keeping previous mode")
			return
		}
	case os.IsNotExist(err):
		// No control file: defaults apply.
	default:
		log.Warn().Err(err).Str("path", w.path).Msg("failed to read control file")
		return
	}

	if cf == w.last {
		return
	}
	w.last = cf
	select {
	case w.changes <- cf:
	default:
		// Drain the stale pending value and replace it so the reader
		// always sees the most recent document, not an intermediate one.
		select {
		case <-w.changes:
		default:
		}
		w.changes <- cf
	}
}

// Last returns the most recently published control document.
func (w *Watcher) Last() types.ControlFile { return w.last }
