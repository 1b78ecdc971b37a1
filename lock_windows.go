//go:build windows

package resolver

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/windows"
)

// dirLock is a cross-process lock guarding one resolved directory. It is
// held in a sibling "<dir>.lock" file so the lock never shows up among the
// served files.
type dirLock struct {
	// file is the lock file handle.
	file *os.File
}

// lockDir acquires an exclusive LockFileEx() lock on dir's lock file,
// polling with backoff until timeout expires.
func lockDir(dir string, timeout time.Duration) (*dirLock, error) {
	file, err := os.OpenFile(dir+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file: %v", ErrStorageError, err)
	}

	deadline := time.Now().Add(timeout)
	sleep := 10 * time.Millisecond
	for {
		err := windows.LockFileEx(
			windows.Handle(file.Fd()),
			windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
			0,
			1, 0,
			&windows.Overlapped{},
		)
		if err == nil {
			return &dirLock{file: file}, nil
		}
		if time.Now().After(deadline) {
			file.Close()
			return nil, fmt.Errorf("%w: %s is locked by another process (waited %v)", ErrStorageError, dir, timeout)
		}
		time.Sleep(sleep)
		if sleep < 100*time.Millisecond {
			sleep *= 2
		}
	}
}

// Unlock releases the lock and closes the file handle.
// Safe to call multiple times.
func (l *dirLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	err := windows.UnlockFileEx(
		windows.Handle(l.file.Fd()),
		0,
		1, 0,
		&windows.Overlapped{},
	)
	l.file.Close()
	l.file = nil
	return err
}
