// Package lockfile implements the advisory `.lock` file taken on an index
// directory at startup (spec §6 "Environment: ... An advisory lock is
// taken on `.lock` at startup"). Grounded on the teacher pack's
// `calvinalkan-agent-task/internal/fs/lock.go` flock-based locker, trimmed
// to the one exclusive, process-lifetime lock the core needs and built on
// `golang.org/x/sys/unix` instead of `syscall` per the domain stack.
package lockfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by TryAcquire when another process already holds
// the lock.
var ErrLocked = errors.New("lockfile: already locked by another process")

// Lock is a held advisory lock on one index's `.lock` file. Release it via
// Close when the index shuts down.
type Lock struct {
	f *os.File
}

// Acquire blocks until it can take an exclusive advisory lock on path,
// creating the file if it does not exist (spec §6 "an advisory lock is
// taken on `.lock` at startup").
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// TryAcquire attempts a non-blocking exclusive lock, returning ErrLocked if
// another process already holds it.
func TryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Close releases the lock and closes the underlying file descriptor.
// Closing an flock'd descriptor releases the lock on all POSIX platforms
// this module targets.
func (l *Lock) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
