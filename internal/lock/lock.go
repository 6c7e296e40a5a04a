// Package lock implements the OS-level exclusive advisory lock that
// mutually excludes concurrent minute ticks, per spec section 5:
// "mutually excluded via an OS-level exclusive advisory file lock; if the
// lock is held by another instance, exit silently and successfully."
package lock

import (
	"os"
	"syscall"
)

// TickLock holds an open, flock'd file for the lifetime of one minute
// tick run.
type TickLock struct {
	f *os.File
}

// Acquire opens path (creating it if needed) and attempts a non-blocking
// exclusive flock. held=true with a nil TickLock means another instance
// currently holds the lock; the caller must exit 0 without doing any
// work, per spec section 5's invariant 6 ("no two concurrent minute ticks
// make progress").
func Acquire(path string) (lock *TickLock, held bool, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, true, nil
		}
		return nil, false, err
	}

	return &TickLock{f: f}, false, nil
}

// Release unlocks and closes the lock file.
func (l *TickLock) Release() error {
	if err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
