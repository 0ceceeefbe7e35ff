package lock

import (
	"fmt"

	"github.com/gofrs/flock"

	"github.com/melih/garmin-bootstrap/internal/core/domain"
)

// Lock is an advisory file lock held for one bootstrap run.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the lock at path without waiting. It fails with
// domain.ErrLocked when another process holds it.
func Acquire(path string) (*Lock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock file %s)", domain.ErrLocked, path)
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. The lock file itself is left in place.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.fl.Path(), err)
	}
	return nil
}
