// Package lockfile keeps two daemons from sharing a data directory.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Name is the lock file created in the data directory
const Name = "stratusd.lock"

// ErrHeld is returned when another process holds the lock
var ErrHeld = errors.New("data directory is in use by another process")

// Lock is an acquired data directory lock
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the lock of dir without blocking
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dir, Name)
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire flock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", dir, ErrHeld)
	}
	return &Lock{fl: fl}, nil
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.fl.Path()
}

// Release unlocks the data directory
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release flock %s: %w", l.fl.Path(), err)
	}
	return nil
}
