package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrOwned reports that another process holds the task store.
var ErrOwned = errors.New("task store is owned by another process")

// OwnerLock is an exclusive claim on a snapshot for the life of one
// process. The OS drops it when the holder exits, SIGKILL included, so a
// crashed owner never blocks the next one.
type OwnerLock struct {
	fl *flock.Flock
}

// LockPath returns the lock file guarding snapshotPath.
func LockPath(snapshotPath string) string { return snapshotPath + ".lock" }

// AcquireOwner claims snapshotPath without blocking. When another process
// holds the claim the error wraps ErrOwned.
func AcquireOwner(snapshotPath string) (*OwnerLock, error) {
	path := LockPath(snapshotPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create task lock directory: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock task store %s: %w", snapshotPath, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrOwned, path)
	}
	return &OwnerLock{fl: fl}, nil
}

// Release gives up the claim. It is safe to call more than once.
func (l *OwnerLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
