package persistence

import (
	"errors"
	"fmt"
	"os"
)

// Inspection summarizes a snapshot file without touching it.
type Inspection struct {
	Exists   bool
	Entries  int
	Warnings []Warning
	// Corrupt is set when the next Load would quarantine the file.
	Corrupt error
}

// InspectFile decodes the snapshot at path the way FilePort.Load would,
// but never renames or rewrites it.
func InspectFile(path string) (Inspection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Inspection{}, nil
		}
		return Inspection{}, fmt.Errorf("read task snapshot %s: %w", path, err)
	}
	entries, warnings, err := decodeSnapshot(data)
	if err != nil {
		var corrupt *corruptError
		if !errors.As(err, &corrupt) {
			return Inspection{}, err
		}
		return Inspection{Exists: true, Corrupt: err}, nil
	}
	return Inspection{Exists: true, Entries: len(entries), Warnings: warnings}, nil
}
