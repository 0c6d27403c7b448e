// Package backup snapshots the memory and task roots into dated archive
// directories with rotation, and runs the periodic backup scheduler.
package backup

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"membank/internal/async"
	"membank/internal/logging"
	"membank/internal/memcore"
)

const stampLayout = "2006-01-02_15-04-05"

// Manager owns the backup directory and retention policy.
type Manager struct {
	dir     string
	sources []string
	keep    int
	logger  logging.Logger
	now     func() time.Time
}

// New constructs a manager snapshotting sources into dir, retaining keep
// archives (10 when <= 0).
func New(dir string, sources []string, keep int, logger logging.Logger) *Manager {
	if keep <= 0 {
		keep = 10
	}
	return &Manager{
		dir:     dir,
		sources: sources,
		keep:    keep,
		logger:  logging.OrNop(logger),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Snapshot copies every source tree into a fresh dated archive and rotates
// old archives out. Returns the archive path.
func (m *Manager) Snapshot() (string, error) {
	stamp := m.now().Format(stampLayout)
	dest := filepath.Join(m.dir, stamp)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", memcore.IO("create backup dir", err)
	}
	for _, src := range m.sources {
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := copyTree(src, filepath.Join(dest, filepath.Base(src))); err != nil {
			return "", err
		}
	}
	if err := m.rotate(); err != nil {
		m.logger.Warn("backup rotation: %v", err)
	}
	m.logger.Info("backup written to %s", dest)
	return dest, nil
}

// rotate deletes the oldest archives beyond the retention cap.
func (m *Manager) rotate() error {
	stamps, err := m.archives()
	if err != nil {
		return err
	}
	for len(stamps) > m.keep {
		oldest := stamps[0]
		stamps = stamps[1:]
		if err := os.RemoveAll(filepath.Join(m.dir, oldest)); err != nil {
			return memcore.IO("remove old backup", err)
		}
		m.logger.Info("rotated out backup %s", oldest)
	}
	return nil
}

// archives lists archive names sorted oldest first. Dated names sort
// chronologically as strings.
func (m *Manager) archives() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, memcore.IO("read backup dir", err)
	}
	var stamps []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(stampLayout, e.Name()); err != nil {
			continue
		}
		stamps = append(stamps, e.Name())
	}
	sort.Strings(stamps)
	return stamps, nil
}

// Health reports backup state for the health probe.
type Health struct {
	Archives   int       `json:"archives"`
	TotalBytes int64     `json:"total_bytes"`
	Last       time.Time `json:"last,omitempty"`
	Next       time.Time `json:"next,omitempty"`
}

// Probe reports archive count, storage footprint, and last/next instants.
// interval may be zero when the scheduler is off.
func (m *Manager) Probe(interval time.Duration) (*Health, error) {
	stamps, err := m.archives()
	if err != nil {
		return nil, err
	}
	h := &Health{Archives: len(stamps)}
	for _, stamp := range stamps {
		filepath.WalkDir(filepath.Join(m.dir, stamp), func(_ string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if info, err := d.Info(); err == nil {
				h.TotalBytes += info.Size()
			}
			return nil
		})
	}
	if len(stamps) > 0 {
		if last, err := time.Parse(stampLayout, stamps[len(stamps)-1]); err == nil {
			h.Last = last
			if interval > 0 {
				h.Next = last.Add(interval)
			}
		}
	}
	return h, nil
}

// Run snapshots on every interval tick until ctx ends. One snapshot is taken
// immediately on start.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	async.Go(m.logger, "backup.scheduler", func() {
		if _, err := m.Snapshot(); err != nil {
			m.logger.Error("initial backup: %v", err)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Snapshot(); err != nil {
					m.logger.Error("scheduled backup: %v", err)
				}
			}
		}
	})
}

// BeforeDestructive takes a safety snapshot ahead of a bulk destructive
// operation. Failures are logged but do not block the operation.
func (m *Manager) BeforeDestructive(op string) {
	if _, err := m.Snapshot(); err != nil {
		m.logger.Warn("pre-%s backup failed: %v", op, err)
	}
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return nil
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return memcore.IO("create "+target, err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := copyFile(path, target); err != nil {
			return err
		}
		return nil
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return memcore.IO("open "+src, err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return memcore.IO("create "+filepath.Dir(dest), err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return memcore.IO("create "+dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return memcore.IO("copy "+src, err)
	}
	if err := out.Close(); err != nil {
		return memcore.IO("close "+dest, err)
	}
	return nil
}
