package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockFile is the advisory flock(2) guard against two queue runner
// instances sharing one QueueRunnerRoot (§6 "at most one instance"). The
// teacher has no direct precedent for flock — its closest direct-syscall
// usage is unix.Flistxattr/unix.Chroot in internal/build — but reaching for
// golang.org/x/sys/unix for an exclusive, non-blocking lock follows the same
// habit of preferring a direct syscall over a higher-level wrapper package.
type lockFile struct {
	f *os.File
}

// acquireLock opens path (creating it if necessary) and takes a
// non-blocking exclusive flock. Returns an error whose text callers should
// treat as "another instance is already running" when the lock is held.
func acquireLock(path string) (*lockFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking %s: %w (is another queue-runner running?)", path, err)
	}
	return &lockFile{f: f}, nil
}

// Release drops the lock and closes the underlying file.
func (l *lockFile) Release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
