package resume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrLocked is returned when another run already owns the job.
var ErrLocked = errors.New("job is locked by another run")

const (
	lockOwnerFile = "owner.json"

	// ownerlessLockAge is how long a lock directory without an owner record
	// may exist before it counts as left over from a crash
	ownerlessLockAge = time.Minute
)

// Lock is held by the single live run of a job.
type Lock struct {
	dir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// AcquireLock claims the job described by layout. It fails with ErrLocked
// while another live run holds the lock. A lock left behind by a run on this
// host that no longer exists is removed and claimed.
func AcquireLock(layout Layout) (*Lock, error) {
	dir := layout.Lock()
	if err := os.MkdirAll(layout.Dir(), 0o755); err != nil {
		return nil, fmt.Errorf("create job directory: %w", err)
	}

	err := os.Mkdir(dir, 0o755)
	if os.IsExist(err) {
		owner, stale := staleLock(dir)
		if !stale {
			return nil, lockedError(layout, owner)
		}
		if err := removeLock(dir); err != nil {
			return nil, err
		}
		err = os.Mkdir(dir, 0o755)
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, layout.Prefix)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", layout.Prefix, err)
	}

	owner := lockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	if err := writeJSON(filepath.Join(dir, lockOwnerFile), owner); err != nil {
		_ = os.Remove(dir)
		return nil, fmt.Errorf("write lock owner for %s: %w", layout.Prefix, err)
	}

	return &Lock{dir: dir}, nil
}

// Release frees the lock. Releasing twice is harmless.
func (l *Lock) Release() error {
	if l == nil || l.dir == "" {
		return nil
	}
	if err := removeLock(l.dir); err != nil {
		return err
	}
	l.dir = ""
	return nil
}

// staleLock reads the owner of an existing lock and reports whether the
// lock outlived it. Owners on other hosts are never considered stale.
func staleLock(dir string) (*lockOwner, bool) {
	var owner lockOwner
	if err := readJSON(filepath.Join(dir, lockOwnerFile), &owner); err != nil || owner.PID <= 0 {
		info, statErr := os.Stat(dir)
		return nil, statErr == nil && time.Since(info.ModTime()) > ownerlessLockAge
	}
	if owner.Hostname != hostnameOrUnknown() {
		return &owner, false
	}
	return &owner, !processAlive(owner.PID)
}

func lockedError(layout Layout, owner *lockOwner) error {
	if owner == nil {
		return fmt.Errorf("%w: %s", ErrLocked, layout.Prefix)
	}
	return fmt.Errorf("%w: %s (pid=%d created_at=%s host=%s)",
		ErrLocked, layout.Prefix, owner.PID, owner.CreatedAt, owner.Hostname)
}

func removeLock(dir string) error {
	_ = os.Remove(filepath.Join(dir, lockOwnerFile))
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", dir, err)
	}
	return nil
}

// processAlive reports whether pid exists. EPERM means it exists but
// belongs to another user.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
