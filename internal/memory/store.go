// Package memory implements CRUD, indexing, search, and dedup over the
// one-file-per-memory markdown corpus.
package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"membank/internal/async"
	"membank/internal/atomicfile"
	"membank/internal/bus"
	"membank/internal/frontmatter"
	"membank/internal/logging"
	"membank/internal/memcore"
	"membank/internal/paths"
	"membank/internal/semantic"
	"membank/internal/watch"
)

const (
	// MaxListLimit caps a single list/search response.
	MaxListLimit     = 1000
	defaultListLimit = 100

	quarantineDirName = ".quarantine"
)

// Store owns the memory corpus under one root directory plus the derived
// in-memory indexes. Writes serialize under the store lock; reads share it.
type Store struct {
	root     string
	logger   logging.Logger
	events   *bus.Bus
	ring     *watch.SelfWriteRing
	semantic semantic.Index
	weights  Weights
	now      func() time.Time

	mu        sync.RWMutex
	byID      map[string]*Memory
	byPath    map[string]string
	byProject map[string]map[string]struct{}
	byTag     map[string]map[string]struct{}
}

// Option customizes a Store.
type Option func(*Store)

// WithBus attaches the change bus.
func WithBus(b *bus.Bus) Option {
	return func(s *Store) { s.events = b }
}

// WithSelfWriteRing attaches the watcher suppression ring.
func WithSelfWriteRing(r *watch.SelfWriteRing) Option {
	return func(s *Store) { s.ring = r }
}

// WithSemanticIndex attaches the optional embedding index.
func WithSemanticIndex(idx semantic.Index) Option {
	return func(s *Store) { s.semantic = idx }
}

// WithWeights overrides composite scoring weights.
func WithWeights(w Weights) Option {
	return func(s *Store) { s.weights = w.normalized() }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore constructs a store rooted at dir. Call Load before serving.
func NewStore(dir string, logger logging.Logger, opts ...Option) *Store {
	s := &Store{
		root:     dir,
		logger:   logging.OrNop(logger),
		semantic: semantic.New("none", nil),
		weights:  DefaultWeights(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resetIndex()
	return s
}

func (s *Store) resetIndex() {
	s.byID = make(map[string]*Memory)
	s.byPath = make(map[string]string)
	s.byProject = make(map[string]map[string]struct{})
	s.byTag = make(map[string]map[string]struct{})
}

// Root reports the corpus root directory.
func (s *Store) Root() string { return s.root }

// Load scans the file tree and rebuilds the index. Duplicate ids keep the
// lexicographically-first filename; later files are quarantined.
func (s *Store) Load() error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return memcore.IO("create memory root", err)
	}

	var files []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(name, ".md") && !strings.HasPrefix(name, ".") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return memcore.IO("scan memory root", err)
	}
	sort.Strings(files)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetIndex()
	for _, path := range files {
		record, err := s.parseFile(path)
		if err != nil {
			s.logger.Warn("skipping %s: %v", path, err)
			continue
		}
		if _, dup := s.byID[record.ID]; dup {
			s.quarantine(path, record.ID)
			continue
		}
		s.indexLocked(record)
		s.mirrorSemantic(record)
	}
	s.logger.Info("memory index loaded: %d records", len(s.byID))
	return nil
}

func (s *Store) parseFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, memcore.IO("read memory file", err)
	}
	meta, body, err := frontmatter.Parse(data)
	if err != nil {
		return nil, memcore.Parse(path, err)
	}
	record, err := fromFile(path, meta, body)
	if err != nil {
		return nil, memcore.Parse(path, err)
	}
	// Project as stored must match the containing directory.
	dirProject := paths.SanitizeProject(filepath.Base(filepath.Dir(path)))
	if dirProject != record.Project {
		record.Project = dirProject
	}
	return record, nil
}

func (s *Store) quarantine(path, id string) {
	dest := filepath.Join(s.root, quarantineDirName, filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		s.logger.Warn("quarantine dir for %s: %v", path, err)
		return
	}
	if err := os.Rename(path, dest); err != nil {
		s.logger.Warn("quarantine %s: %v", path, err)
		return
	}
	s.logger.Warn("duplicate memory id %s: quarantined %s", id, path)
}

func (s *Store) indexLocked(m *Memory) {
	s.byID[m.ID] = m
	s.byPath[filepath.Clean(m.path)] = m.ID
	if s.byProject[m.Project] == nil {
		s.byProject[m.Project] = make(map[string]struct{})
	}
	s.byProject[m.Project][m.ID] = struct{}{}
	for _, tag := range m.Tags {
		if s.byTag[tag] == nil {
			s.byTag[tag] = make(map[string]struct{})
		}
		s.byTag[tag][m.ID] = struct{}{}
	}
}

func (s *Store) evictLocked(m *Memory) {
	delete(s.byID, m.ID)
	delete(s.byPath, filepath.Clean(m.path))
	if set := s.byProject[m.Project]; set != nil {
		delete(set, m.ID)
		if len(set) == 0 {
			delete(s.byProject, m.Project)
		}
	}
	for _, tag := range m.Tags {
		if set := s.byTag[tag]; set != nil {
			delete(set, m.ID)
			if len(set) == 0 {
				delete(s.byTag, tag)
			}
		}
	}
}

// AddInput is the payload for Add.
type AddInput struct {
	Content         string
	Project         string
	Category        Category
	Tags            []string
	Priority        Priority
	Status          Status
	RelatedMemories []string
}

// Add creates a memory, writes its file atomically, and emits memory-added.
func (s *Store) Add(input AddInput) (*Memory, error) {
	if strings.TrimSpace(input.Content) == "" {
		return nil, memcore.Invalid("content", "content must not be empty")
	}
	now := s.now()
	m := &Memory{
		ID:              uuid.NewString(),
		Timestamp:       now,
		LastAccessed:    now,
		Content:         strings.TrimRight(input.Content, "\n"),
		Project:         input.Project,
		Category:        input.Category,
		Tags:            input.Tags,
		Priority:        input.Priority,
		Status:          input.Status,
		RelatedMemories: input.RelatedMemories,
	}
	m.normalize()
	m.path = filepath.Join(s.root, m.Project, fileName(m))

	s.mu.Lock()
	if err := s.persistLocked(m); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.indexLocked(m)
	clone := m.Clone()
	s.publish(bus.MemoryAdded, clone)
	s.mu.Unlock()

	s.mirrorSemantic(m)
	return clone, nil
}

func (s *Store) persistLocked(m *Memory) error {
	data := m.encode()
	if err := atomicfile.WriteFile(m.path, data, 0o644); err != nil {
		return memcore.IO("write memory file", err)
	}
	s.ring.Record(m.path, watch.HashBytes(data))
	return nil
}

// Get returns the record and bumps its access stats (write-through).
func (s *Store) Get(id string) (*Memory, error) {
	s.mu.Lock()
	m, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, memcore.NotFound("memory", id)
	}
	m.AccessCount++
	m.LastAccessed = s.now()
	if err := s.persistLocked(m); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	clone := m.Clone()
	s.mu.Unlock()
	return clone, nil
}

// List returns memories ordered by timestamp descending, ties broken by id.
func (s *Store) List(project string, limit int) []*Memory {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*Memory
	if project != "" {
		slug := paths.SanitizeProject(project)
		for id := range s.byProject[slug] {
			candidates = append(candidates, s.byID[id])
		}
	} else {
		for _, m := range s.byID {
			candidates = append(candidates, m)
		}
	}
	sortByRecency(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*Memory, len(candidates))
	for i, m := range candidates {
		out[i] = m.Clone()
	}
	return out
}

func sortByRecency(records []*Memory) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.After(records[j].Timestamp)
		}
		return records[i].ID < records[j].ID
	})
}

// Patch carries a partial update; nil fields are untouched. System-managed
// fields (id, timestamp, content_hash) cannot be patched.
type Patch struct {
	Content         *string
	Project         *string
	Category        *Category
	Tags            *[]string
	Priority        *Priority
	Status          *Status
	RelatedMemories *[]string
}

// Update applies a patch, rewrites the file, and emits memory-updated.
func (s *Store) Update(id string, patch Patch) (*Memory, error) {
	s.mu.Lock()
	m, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, memcore.NotFound("memory", id)
	}

	if patch.Content != nil && strings.TrimSpace(*patch.Content) == "" {
		s.mu.Unlock()
		return nil, memcore.Invalid("content", "content must not be empty")
	}

	s.evictLocked(m)
	if patch.Content != nil {
		m.Content = strings.TrimRight(*patch.Content, "\n")
	}
	if patch.Project != nil {
		m.Project = *patch.Project
	}
	if patch.Category != nil {
		m.Category = *patch.Category
	}
	if patch.Tags != nil {
		m.Tags = *patch.Tags
	}
	if patch.Priority != nil {
		m.Priority = *patch.Priority
	}
	if patch.Status != nil {
		m.Status = *patch.Status
	}
	if patch.RelatedMemories != nil {
		m.RelatedMemories = *patch.RelatedMemories
	}
	m.normalize()

	// A project change moves the file to the new project directory.
	oldPath := m.path
	expectedDir := filepath.Join(s.root, m.Project)
	if filepath.Dir(oldPath) != expectedDir {
		m.path = filepath.Join(expectedDir, filepath.Base(oldPath))
	}
	if err := s.persistLocked(m); err != nil {
		s.indexLocked(m)
		s.mu.Unlock()
		return nil, err
	}
	if m.path != oldPath {
		s.ring.Record(oldPath, "")
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove old path %s: %v", oldPath, err)
		}
	}
	s.indexLocked(m)
	clone := m.Clone()
	s.publish(bus.MemoryUpdated, clone)
	s.mu.Unlock()

	s.mirrorSemantic(m)
	return clone, nil
}

// Delete removes the file, evicts the record, and emits memory-deleted.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	m, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return memcore.NotFound("memory", id)
	}
	s.ring.Record(m.path, "")
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		s.mu.Unlock()
		return memcore.IO("delete memory file", err)
	}
	s.evictLocked(m)
	clone := m.Clone()
	s.publish(bus.MemoryDeleted, clone)
	s.mu.Unlock()

	if s.semantic.Enabled() {
		idx := s.semantic
		async.Go(s.logger, "semantic.delete", func() {
			if err := idx.Delete(context.Background(), clone.ID); err != nil {
				s.logger.Warn("semantic delete %s: %v", clone.ID, err)
			}
		})
	}
	return nil
}

// RebuildIndex drops the in-memory index and rescans the tree.
func (s *Store) RebuildIndex() error {
	return s.Load()
}

// Count reports the number of indexed memories.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Projects lists the project slugs present in the index, sorted.
func (s *Store) Projects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byProject))
	for slug := range s.byProject {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// publish is called with s.mu held so bus order matches mutation order.
// Bus delivery never blocks, so holding the lock here is safe.
func (s *Store) publish(kind bus.Kind, m *Memory) {
	if s.events == nil {
		return
	}
	s.events.Publish(bus.Event{
		Kind:      kind,
		ID:        m.ID,
		Project:   m.Project,
		Timestamp: s.now(),
		Payload:   m,
	})
}

func (s *Store) mirrorSemantic(m *Memory) {
	if !s.semantic.Enabled() {
		return
	}
	idx := s.semantic
	clone := m.Clone()
	async.Go(s.logger, "semantic.upsert", func() {
		err := idx.Upsert(context.Background(), clone.ID, clone.Content, map[string]string{
			"project":  clone.Project,
			"category": string(clone.Category),
		})
		if err != nil {
			s.logger.Warn("semantic upsert %s: %v", clone.ID, err)
		}
	})
}


// ReconcilePath implements watch.Reconciler: ingest an externally created or
// modified file, suppressing this process's own writes.
func (s *Store) ReconcilePath(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.RemovePath(path)
		}
		return memcore.IO("read watched file", err)
	}
	if s.ring.Match(path, watch.HashBytes(data)) {
		return nil
	}

	record, err := s.parseFile(path)
	if err != nil {
		// Malformed external files are logged and skipped, never fatal.
		s.logger.Warn("watched file %s unreadable: %v", path, err)
		return nil
	}

	cleaned := filepath.Clean(path)
	s.mu.Lock()
	prevID, hadPath := s.byPath[cleaned]
	existing, known := s.byID[record.ID]
	switch {
	case hadPath && prevID != record.ID:
		// The file now holds a different id: delete + add.
		if prev, ok := s.byID[prevID]; ok {
			s.evictLocked(prev)
			s.publish(bus.MemoryDeleted, prev.Clone())
		}
		s.indexLocked(record)
		s.publish(bus.MemoryAdded, record.Clone())
	case known:
		// Preserve access stats when an external edit does not touch them.
		if record.AccessCount < existing.AccessCount {
			record.AccessCount = existing.AccessCount
		}
		s.evictLocked(existing)
		s.indexLocked(record)
		s.publish(bus.MemoryUpdated, record.Clone())
	default:
		s.indexLocked(record)
		s.publish(bus.MemoryAdded, record.Clone())
	}
	s.mu.Unlock()

	s.mirrorSemantic(record)
	return nil
}

// RemovePath implements watch.Reconciler for deletions.
func (s *Store) RemovePath(path string) error {
	if s.ring.Match(path, "") {
		return nil
	}
	cleaned := filepath.Clean(path)
	s.mu.Lock()
	id, ok := s.byPath[cleaned]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	m := s.byID[id]
	s.evictLocked(m)
	s.publish(bus.MemoryDeleted, m.Clone())
	s.mu.Unlock()
	return nil
}

// Rescan implements watch.Reconciler: a full diff of tree against index.
func (s *Store) Rescan() error {
	seen := make(map[string]struct{})
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
			return nil
		}
		seen[filepath.Clean(path)] = struct{}{}
		s.mu.RLock()
		_, known := s.byPath[filepath.Clean(path)]
		s.mu.RUnlock()
		if !known {
			if recErr := s.ReconcilePath(path); recErr != nil {
				s.logger.Warn("rescan reconcile %s: %v", path, recErr)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return memcore.IO("rescan memory root", err)
	}

	s.mu.RLock()
	var gone []string
	for path := range s.byPath {
		if _, ok := seen[path]; !ok {
			gone = append(gone, path)
		}
	}
	s.mu.RUnlock()
	for _, path := range gone {
		if remErr := s.RemovePath(path); remErr != nil {
			s.logger.Warn("rescan remove %s: %v", path, remErr)
		}
	}
	return nil
}
