package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// FilePort stores the snapshot as a single JSON document.
type FilePort struct {
	path string
	now  func() time.Time
}

// NewFilePort returns a port for path, or DefaultPath() when path is empty.
func NewFilePort(path string) *FilePort {
	if path == "" {
		path = DefaultPath()
	}
	return &FilePort{path: path, now: time.Now}
}

// Path returns the snapshot file location.
func (p *FilePort) Path() string { return p.path }

func (p *FilePort) Load(ctx context.Context) (LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return LoadResult{}, err
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return LoadResult{}, nil
		}
		return LoadResult{}, fmt.Errorf("read task snapshot %s: %w", p.path, err)
	}

	entries, warnings, err := decodeSnapshot(data)
	if err != nil {
		var corrupt *corruptError
		if !errors.As(err, &corrupt) {
			return LoadResult{}, err
		}
		quarantined := fmt.Sprintf("%s.corrupt-%d", p.path, p.now().UnixMilli())
		if renameErr := os.Rename(p.path, quarantined); renameErr != nil {
			return LoadResult{}, fmt.Errorf("quarantine corrupt task snapshot (%v): %w", err, renameErr)
		}
		return LoadResult{
			RecoveredCorruptFilePath: quarantined,
			Warnings: []Warning{{
				Code:    task.CodePersistenceRead,
				Message: fmt.Sprintf("task snapshot %s was unreadable (%v); moved to %s and started empty", p.path, err, quarantined),
			}},
		}, nil
	}
	return LoadResult{Entries: entries, Warnings: warnings}, nil
}

func (p *FilePort) Save(ctx context.Context, snap task.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create task snapshot directory: %w", err)
	}
	if err := atomicwriter.WriteFile(p.path, data, 0o644); err != nil {
		return fmt.Errorf("write task snapshot %s: %w", p.path, err)
	}
	return nil
}
