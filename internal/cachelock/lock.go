// Package cachelock guards the per-user cache directory against races
// between concurrent bcvk invocations on name allocation, the way the
// teacher's CleanupManager guarded orphan-sweeps with a ConfigMap lease —
// reimplemented here as a local flock(2) advisory lock since there is no
// cluster to hold a distributed lease in.
package cachelock

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Lock is a held advisory lock on one file under the cache directory.
// The zero value is not usable; construct with Acquire.
type Lock struct {
	f *os.File
}

// Acquire blocks until it holds an exclusive flock on <cacheDir>/.lock,
// creating cacheDir if necessary. Release unlocks and closes the file.
func Acquire(cacheDir string) (*Lock, error) {
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache dir %s: %w", cacheDir, err)
	}

	path := filepath.Join(cacheDir, ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	return &Lock{f: f}, nil
}

// Release drops the lock. Safe to call once; a second call is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return closeErr
}
