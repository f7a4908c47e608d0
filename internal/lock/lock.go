// Package lock keeps a single daemon per session directory.
package lock

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
)

// Owner describes the process holding a session lock.
type Owner struct {
	PID     int       `toml:"pid"`
	Server  string    `toml:"server"`
	Started time.Time `toml:"started"`
}

// HeldError is returned when another process holds the session lock.
type HeldError struct {
	Owner Owner
	Path  string
}

func (e *HeldError) Error() string {
	if e.Owner.Server != "" {
		return fmt.Sprintf("session lock held by PID %d syncing %s (%s)", e.Owner.PID, e.Owner.Server, e.Path)
	}
	return fmt.Sprintf("session lock held by PID %d (%s)", e.Owner.PID, e.Path)
}

// Lock is an acquired session lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive lock on the session directory and records who
// holds it. server is the sync target, kept for diagnostics.
func Acquire(sessionDir, server string) (*Lock, error) {
	lockPath := filepath.Join(sessionDir, "LOCK")
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		owner, _ := ReadOwner(lockPath)
		return nil, &HeldError{Owner: owner, Path: lockPath}
	}

	var buf bytes.Buffer
	owner := Owner{PID: os.Getpid(), Server: server, Started: time.Now().UTC().Truncate(time.Second)}
	if err := toml.NewEncoder(&buf).Encode(owner); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.WriteAt(buf.Bytes(), 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{file: f, path: lockPath}, nil
}

// ReadOwner parses a lock file.
func ReadOwner(path string) (Owner, error) {
	var o Owner
	_, err := toml.DecodeFile(path, &o)
	return o, err
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before closing so no stale file outlives the lock.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}
