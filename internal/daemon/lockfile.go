package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// ErrLockHeld means another live daemon owns the lock file.
var ErrLockHeld = errors.New("another daemon instance is running")

// Lock is the single-instance guard: an OS-exclusive lock on
// <config-dir>/daemon.lock with the holder's PID as informational content.
type Lock struct {
	path string
	fl   *flock.Flock
}

// NewLock creates a Lock for the given path without acquiring it.
func NewLock(path string) *Lock {
	return &Lock{path: path, fl: flock.New(path)}
}

// Acquire takes the exclusive lock and writes this process's PID into the
// file. Returns ErrLockHeld when a live process already holds it.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	locked, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", l.path, err)
	}
	if !locked {
		if pid, err := ReadLockPID(l.path); err == nil {
			return fmt.Errorf("%w (pid %d)", ErrLockHeld, pid)
		}
		return ErrLockHeld
	}
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600); err != nil {
		_ = l.fl.Unlock()
		return fmt.Errorf("failed to write pid to lock file: %w", err)
	}
	return nil
}

// Release drops the lock and removes the file. Safe to call more than once.
func (l *Lock) Release() {
	_ = l.fl.Unlock()
	_ = os.Remove(l.path)
}

// ReadLockPID returns the PID recorded in the lock file.
func ReadLockPID(path string) (int, error) {
	data, err := os.ReadFile(path) // nolint:gosec
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("lock file %s holds no pid: %w", path, err)
	}
	return pid, nil
}
