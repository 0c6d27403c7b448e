// Package registry tracks known projects in data/projects-registry.json.
package registry

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"membank/internal/atomicfile"
	"membank/internal/logging"
	"membank/internal/memcore"
	"membank/internal/paths"
)

// Entry describes one registered project.
type Entry struct {
	Created       time.Time `json:"created"`
	DefaultStages []string  `json:"default_stages,omitempty"`
	Description   string    `json:"description,omitempty"`
}

// Registry is the persisted project catalog. Slugs are unique
// case-insensitively; the first spelling wins.
type Registry struct {
	path   string
	logger logging.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
}

// New constructs a registry persisted at path.
func New(path string, logger logging.Logger) *Registry {
	return &Registry{
		path:    path,
		logger:  logging.OrNop(logger),
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]Entry),
	}
}

// Load reads the registry file. A missing file is an empty registry.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return memcore.IO("read project registry", err)
	}
	entries := make(map[string]Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return memcore.Parse(r.path, err)
	}
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// Ensure registers a project if it is not yet known and reports the
// canonical slug. Registration is idempotent; a slug differing only by case
// from an existing one maps to the existing spelling.
func (r *Registry) Ensure(project, description string) (string, error) {
	slug := paths.SanitizeProject(project)

	r.mu.Lock()
	if canonical, known := r.lookupLocked(slug); known {
		r.mu.Unlock()
		return canonical, nil
	}
	r.entries[slug] = Entry{Created: r.now(), Description: description}
	err := r.persistLocked()
	if err != nil {
		delete(r.entries, slug)
	}
	r.mu.Unlock()

	if err != nil {
		return "", err
	}
	r.logger.Info("registered project %q", slug)
	return slug, nil
}

// lookupLocked finds an existing slug matching case-insensitively.
func (r *Registry) lookupLocked(slug string) (string, bool) {
	if _, ok := r.entries[slug]; ok {
		return slug, true
	}
	lower := strings.ToLower(slug)
	for existing := range r.entries {
		if strings.ToLower(existing) == lower {
			return existing, true
		}
	}
	return "", false
}

// Get returns the entry for a slug, matched case-insensitively.
func (r *Registry) Get(project string) (Entry, bool) {
	slug := paths.SanitizeProject(project)
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical, ok := r.lookupLocked(slug)
	if !ok {
		return Entry{}, false
	}
	return r.entries[canonical], true
}

// Projects lists registered slugs, sorted.
func (r *Registry) Projects() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for slug := range r.entries {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) persistLocked() error {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return memcore.Internal("encode project registry", err)
	}
	data = append(data, '\n')
	if err := atomicfile.WriteFile(r.path, data, 0o644); err != nil {
		return memcore.IO("write project registry", err)
	}
	return nil
}
