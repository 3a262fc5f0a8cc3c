package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LockFileName is the expansion lock file at the run directory root.
const LockFileName = ".lock"

// DefaultLockTTL bounds how long a dead process can hold the expansion lock.
const DefaultLockTTL = 60 * time.Second

// lockPayload is the lock file contents.
type lockPayload struct {
	Owner    string    `yaml:"owner"`    // host#pid identifier
	Acquired time.Time `yaml:"acquired"` // when the lock was taken
	TTL      string    `yaml:"ttl"`      // time-to-live as duration string
	PID      int       `yaml:"pid"`      // process id of the holder
}

func (l *lockPayload) ttl() time.Duration {
	d, err := time.ParseDuration(l.TTL)
	if err != nil {
		return DefaultLockTTL
	}
	return d
}

func (l *lockPayload) stale() bool {
	return time.Since(l.Acquired) > l.ttl()
}

// LockHeldError is returned when another live process holds the expansion
// lock.
type LockHeldError struct {
	Owner string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("expansion lock held by %s", e.Owner)
}

// ExpansionLock is an OS-level exclusive lock file guarding the workflow
// expansion window against concurrent expanders in other processes.
//
// Acquisition relies on O_CREATE|O_EXCL, which is atomic on POSIX. A lock
// whose payload is older than its TTL is treated as abandoned and taken
// over.
type ExpansionLock struct {
	dir   string
	owner string
}

// NewExpansionLock creates a lock rooted at the given run directory.
func NewExpansionLock(dir, owner string) *ExpansionLock {
	return &ExpansionLock{dir: dir, owner: owner}
}

func (l *ExpansionLock) path() string {
	return filepath.Join(l.dir, LockFileName)
}

// Acquire takes the lock or fails with LockHeldError.
func (l *ExpansionLock) Acquire() error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}

	payload := &lockPayload{
		Owner:    l.owner,
		Acquired: time.Now().UTC(),
		TTL:      DefaultLockTTL.String(),
		PID:      os.Getpid(),
	}
	data, err := yaml.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}

	f, err := os.OpenFile(l.path(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil {
			return fmt.Errorf("write lock: %w", werr)
		}
		return cerr
	}
	if !os.IsExist(err) {
		return fmt.Errorf("create lock: %w", err)
	}

	// Lock file exists. Steal it only if the holder's TTL expired.
	existing, rerr := l.read()
	if rerr != nil {
		// Unreadable lock file from a crashed writer counts as stale.
		existing = &lockPayload{Acquired: time.Time{}}
	}
	if !existing.stale() {
		return &LockHeldError{Owner: existing.Owner}
	}

	// Takeover: remove and retry the exclusive create once. A concurrent
	// taker may win the race; that is fine, we just report the lock held.
	_ = os.Remove(l.path())
	f, err = os.OpenFile(l.path(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return &LockHeldError{Owner: "unknown"}
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("write lock: %w", werr)
	}
	return cerr
}

// Release drops the lock if this process owns it.
func (l *ExpansionLock) Release() error {
	existing, err := l.read()
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil && existing.Owner != l.owner {
		return fmt.Errorf("cannot release lock owned by %s", existing.Owner)
	}
	if err := os.Remove(l.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

func (l *ExpansionLock) read() (*lockPayload, error) {
	data, err := os.ReadFile(l.path())
	if err != nil {
		return nil, err
	}
	var p lockPayload
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &p, nil
}
