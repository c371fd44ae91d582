// Package persistence loads and saves versioned snapshots of task entries.
// Two ports are provided: a JSON file (the default) and a single-row SQLite
// table. Both quarantine unreadable snapshots instead of failing startup.
package persistence

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// Warning is a non-fatal problem found while loading.
type Warning struct {
	Code    task.Code
	Message string
}

// LoadResult is what a port hands back to the store on startup.
type LoadResult struct {
	Entries []task.Entry
	// RecoveredCorruptFilePath is set when an unreadable snapshot was moved
	// aside; the store starts empty in that case.
	RecoveredCorruptFilePath string
	Warnings                 []Warning
}

// Port is the durable boundary of the task store.
type Port interface {
	// Load returns the last saved entries. A missing snapshot is an empty
	// result, not an error. Unreadable snapshots are quarantined and
	// reported through RecoveredCorruptFilePath. The error return is
	// reserved for I/O failures that leave the snapshot untouched.
	Load(ctx context.Context) (LoadResult, error)
	Save(ctx context.Context, snap task.Snapshot) error
}

// DefaultPath returns the platform data-directory location of the task
// snapshot file.
func DefaultPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "pi-ohm", "tasks.json")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pi-ohm", "tasks.json")
}
