// Package lockfile coordinates single-writer access to a corpus root. The
// MCP server takes an exclusive lock on <root>/.mcp.lock; a second writer on
// the same corpus is declined at startup. Read-only bridges do not lock.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"

	"membank/internal/memcore"
)

// Info is the payload written into the lock file for diagnostics.
type Info struct {
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
}

// Lock is a held writer lock.
type Lock struct {
	flock *flock.Flock
	path  string
}

// Acquire takes the exclusive writer lock at path without blocking. If
// another live writer holds it, the error is conflict-kind and carries the
// peer's recorded pid.
func Acquire(path string) (*Lock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, memcore.IO("acquire writer lock", err)
	}
	if !locked {
		peer := readInfo(path)
		msg := "another writer holds the corpus lock"
		if peer != nil {
			msg = fmt.Sprintf("another writer (pid %d, started %s) holds the corpus lock",
				peer.PID, peer.Started.Format(time.RFC3339))
		}
		return nil, memcore.Conflict("lockfile", msg)
	}

	info := Info{PID: os.Getpid(), Started: time.Now().UTC()}
	data, _ := json.MarshalIndent(info, "", "  ")
	// Best effort: the flock is the guarantee, the payload is diagnostics.
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		fl.Unlock()
		return nil, memcore.IO("write lock payload", err)
	}
	return &Lock{flock: fl, path: path}, nil
}

// Release drops the lock and removes the file.
func (l *Lock) Release() error {
	if l == nil || l.flock == nil {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return memcore.IO("release writer lock", err)
	}
	l.flock = nil
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return memcore.IO("remove lock file", err)
	}
	return nil
}

// Path reports the lock file location.
func (l *Lock) Path() string { return l.path }

func readInfo(path string) *Info {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}
