package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pi-ohm/pi-ohm-sub001/internal/config"
)

func TestWatcher_DetectsSubagentFileChange(t *testing.T) {
	homeDir := t.TempDir()
	// Unwatched files in the same directory are ignored.
	notesPath := filepath.Join(homeDir, "notes.txt")
	catalogPath := filepath.Join(homeDir, config.SubagentFile)

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write at short intervals until the watcher produces an
	// event, in case notification readiness lags on this platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	_ = os.WriteFile(notesPath, []byte("ignored"), 0o644)
	if err := os.WriteFile(catalogPath, []byte("subagents: []\n"), 0o644); err != nil {
		t.Fatalf("write subagents.yaml: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if ev.Name() != config.SubagentFile {
				t.Fatalf("expected %s event, got %s", config.SubagentFile, ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(catalogPath, []byte("subagents: []\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for %s change event", config.SubagentFile)
		}
	}
}

func TestWatcher_MissingHomeDir(t *testing.T) {
	w := config.NewWatcher(filepath.Join(t.TempDir(), "absent"), nil)
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected error watching a missing directory")
	}
}
