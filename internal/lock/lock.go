// Package lock keeps a single daemon per data directory. Presence lives in
// process memory, so the lock also marks which process owns the live
// connections for a database.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Owner is the record a daemon writes into its lock file.
type Owner struct {
	PID      int
	Instance string
	HTTPAddr string
	Since    time.Time
}

// LockHeldError is returned when another daemon holds the data directory lock.
type LockHeldError struct {
	Owner Owner
	Path  string
}

func (e *LockHeldError) Error() string {
	if e.Owner.Instance != "" {
		return fmt.Sprintf("data dir lock held by instance %q, PID %d (%s)", e.Owner.Instance, e.Owner.PID, e.Path)
	}
	return fmt.Sprintf("data dir lock held by PID %d (%s)", e.Owner.PID, e.Path)
}

// Lock represents an acquired data directory lock file.
type Lock struct {
	file  *os.File
	path  string
	owner Owner
}

// Acquire takes the exclusive lock on dataDir for instance.
func Acquire(dataDir, instance string) (*Lock, error) {
	lockPath := Path(dataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(lockPath)
		_ = f.Close()
		return nil, &LockHeldError{Owner: parseOwner(string(data)), Path: lockPath}
	}

	l := &Lock{
		file: f,
		path: lockPath,
		owner: Owner{
			PID:      os.Getpid(),
			Instance: instance,
			Since:    time.Now().UTC().Truncate(time.Second),
		},
	}
	if err := l.write(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// Advertise records the address the HTTP listener is bound to, so tools
// can find a daemon started on an ephemeral port.
func (l *Lock) Advertise(httpAddr string) error {
	if l == nil || l.file == nil {
		return nil
	}
	l.owner.HTTPAddr = httpAddr
	return l.write()
}

func (l *Lock) write() error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	_, err := l.file.WriteString(formatOwner(l.owner))
	return err
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the lock file path inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, "LOCK")
}

// Holder returns the owner recorded by the daemon currently holding
// dataDir. ok is false when the directory is not locked.
func Holder(dataDir string) (owner Owner, ok bool) {
	f, err := os.OpenFile(Path(dataDir), os.O_RDONLY, 0)
	if err != nil {
		return Owner{}, false
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err == nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return Owner{}, false
	}
	data, _ := os.ReadFile(Path(dataDir))
	return parseOwner(string(data)), true
}

func formatOwner(o Owner) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", o.PID)
	fmt.Fprintf(&b, "instance=%s\n", o.Instance)
	fmt.Fprintf(&b, "since=%s\n", o.Since.Format(time.RFC3339))
	if o.HTTPAddr != "" {
		fmt.Fprintf(&b, "http=%s\n", o.HTTPAddr)
	}
	return b.String()
}

func parseOwner(content string) Owner {
	var o Owner
	for _, line := range strings.Split(content, "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "instance":
			o.Instance = value
		case "since":
			o.Since, _ = time.Parse(time.RFC3339, value)
		case "http":
			o.HTTPAddr = value
		}
	}
	return o
}
