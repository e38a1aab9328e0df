// Package lockfile keeps two mend servers from sharing one runtime
// directory. The lock file holds a JSON LockInfo describing the owner.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock already held by another process")

// LockInfo describes the process holding a lock.
type LockInfo struct {
	PID       int       `json:"pid"`
	Version   string    `json:"version"`
	Listen    string    `json:"listen,omitempty"`
	Socket    string    `json:"socket,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held lock file. Release it when the server stops.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive non-blocking lock on path and records info in
// it. If another live process holds the lock, the error wraps ErrLocked and
// names the owner.
func Acquire(path string, info LockInfo) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600) // #nosec G304 - path is derived from config
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			if owner, readErr := ReadLockInfo(path); readErr == nil && owner.PID > 0 {
				return nil, fmt.Errorf("%w: mend %s (pid %d) started %s",
					ErrLocked, owner.Version, owner.PID, owner.StartedAt.Format(time.RFC3339))
			}
		}
		return nil, err
	}

	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	data, err := json.Marshal(info)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	return &Lock{path: path, f: f}, nil
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = os.Remove(l.path)
	_ = flockUnlock(l.f)
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadLockInfo reads the owner recorded in the lock file at path.
func ReadLockInfo(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is derived from config
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("cannot parse lock file: %w", err)
	}
	return &info, nil
}

// IsStale reports whether the lock at path names a process that is no
// longer running.
func IsStale(path string) bool {
	info, err := ReadLockInfo(path)
	if err != nil {
		return false
	}
	return !isProcessRunning(info.PID)
}
