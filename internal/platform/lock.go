package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrAlreadyLocked means another process holds the lock. Callers treat this
// as a normal "already running" outcome, not a failure.
var ErrAlreadyLocked = errors.New("lock already held")

// Lock is a process-wide advisory file lock for singleton batch commands.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes a non-blocking exclusive lock on path. The path must not
// be a symlink: lock files can live in shared directories like /tmp, where a
// planted symlink would redirect the create.
func AcquireLock(path string) (*Lock, error) {
	fi, err := os.Lstat(path)
	if err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("lock file %s is a symlink", path)
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat lock file %s: %w", path, err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, ErrAlreadyLocked
	}
	return &Lock{fl: fl}, nil
}

func (l *Lock) Release() {
	if l == nil || l.fl == nil {
		return
	}
	_ = l.fl.Unlock()
}

// LockPath returns the lock file location for the named job, preferring the
// configured cache dir over the system temp dir.
func LockPath(cacheDir, name string) string {
	if cacheDir != "" {
		if fi, err := os.Stat(cacheDir); err == nil && fi.IsDir() {
			return filepath.Join(cacheDir, name+".lock")
		}
	}
	return filepath.Join(os.TempDir(), "echoport-"+name+".lock")
}
