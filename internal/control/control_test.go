package control

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ralph-labs/ralphd/internal/types"
)

func TestWatcherDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	w := New(filepath.Join(dir, "control.json"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case cf := <-w.Changes():
		if cf.Mode != types.ModeRunning {
			t.Errorf("expected default mode running, got %s", cf.Mode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for default control file")
	}
}

func TestWatcherPicksUpWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.json")
	w := New(path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	<-w.Changes() // consume the initial default

	cf := types.ControlFile{Version: 1, Mode: types.ModePaused, PauseRequested: true}
	b, _ := json.Marshal(cf)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write control file: %v", err)
	}
	w.Kick()

	select {
	case got := <-w.Changes():
		if got.Mode != types.ModePaused {
			t.Errorf("expected paused mode, got %s", got.Mode)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for updated control file")
	}
}
