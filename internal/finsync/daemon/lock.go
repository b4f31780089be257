package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is created in the data directory while a daemon runs.
const LockFileName = "daemon.lock"

// ErrAlreadyRunning is returned when another daemon holds the data directory.
var ErrAlreadyRunning = errors.New("another daemon is already running for this data directory")

// AcquireLock takes the exclusive daemon lock for dataDir. Release it with
// Unlock on the returned lock.
func AcquireLock(dataDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	lock := flock.New(filepath.Join(dataDir, LockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", lock.Path(), err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	return lock, nil
}
