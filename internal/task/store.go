package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"membank/internal/bus"
	"membank/internal/logging"
	"membank/internal/memcore"
	"membank/internal/paths"
	"membank/internal/watch"
)

const (
	// MaxListLimit caps a single list response.
	MaxListLimit     = 1000
	defaultListLimit = 100

	// contextExtraLimit bounds the "other tasks in this project" section of
	// GetContext.
	contextExtraLimit = 10
)

// Store owns the task corpus under one root plus the derived indexes. Both
// layouts are served through the same store; only persistence differs.
type Store struct {
	root   string
	logger logging.Logger
	events *bus.Bus
	ring   *watch.SelfWriteRing
	disk   layout
	now    func() time.Time

	mu         sync.RWMutex
	byID       map[string]*Task
	byProject  map[string]map[string]struct{}
	byStatus   map[Status]map[string]struct{}
	children   map[string]map[string]struct{}
	nextSerial map[string]int
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

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore constructs a store rooted at dir using the named layout ("flat"
// or "files"). It refuses a root already holding the other layout's files.
func NewStore(dir, layoutName string, logger logging.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		root:   dir,
		logger: logging.OrNop(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	disk, err := layoutFor(layoutName, s.ring)
	if err != nil {
		return nil, err
	}
	detected, err := DetectLayout(dir)
	if err != nil {
		return nil, err
	}
	if detected != "" && detected != disk.name() {
		return nil, memcore.Conflict("tasks.layout", fmt.Sprintf(
			"task root holds %s-layout files but settings select %s; migrate first", detected, disk.name()))
	}
	s.disk = disk
	s.resetIndex()
	return s, nil
}

func (s *Store) resetIndex() {
	s.byID = make(map[string]*Task)
	s.byProject = make(map[string]map[string]struct{})
	s.byStatus = make(map[Status]map[string]struct{})
	s.children = make(map[string]map[string]struct{})
	s.nextSerial = make(map[string]int)
}

// Root reports the corpus root directory.
func (s *Store) Root() string { return s.root }

// Layout reports the active layout name.
func (s *Store) Layout() string { return s.disk.name() }

// Load scans the tree and rebuilds every index. Serial counters resume at
// max(serial)+1 per project.
func (s *Store) Load() error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return memcore.IO("create task root", err)
	}
	projects, err := s.disk.loadAll(s.root)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetIndex()
	total := 0
	for _, tasks := range projects {
		for _, t := range tasks {
			if _, dup := s.byID[t.ID]; dup {
				s.logger.Warn("duplicate task id %s: keeping first occurrence", t.ID)
				continue
			}
			s.indexLocked(t)
			total++
		}
	}
	s.logger.Info("task index loaded: %d tasks across %d projects (%s layout)",
		total, len(s.byProject), s.disk.name())
	return nil
}

func (s *Store) indexLocked(t *Task) {
	s.byID[t.ID] = t
	if s.byProject[t.Project] == nil {
		s.byProject[t.Project] = make(map[string]struct{})
	}
	s.byProject[t.Project][t.ID] = struct{}{}
	if s.byStatus[t.Status] == nil {
		s.byStatus[t.Status] = make(map[string]struct{})
	}
	s.byStatus[t.Status][t.ID] = struct{}{}
	if t.ParentID != "" {
		if s.children[t.ParentID] == nil {
			s.children[t.ParentID] = make(map[string]struct{})
		}
		s.children[t.ParentID][t.ID] = struct{}{}
	}
	if t.Serial >= s.nextSerial[t.Project] {
		s.nextSerial[t.Project] = t.Serial + 1
	}
}

func (s *Store) evictLocked(t *Task) {
	delete(s.byID, t.ID)
	if set := s.byProject[t.Project]; set != nil {
		delete(set, t.ID)
		if len(set) == 0 {
			delete(s.byProject, t.Project)
		}
	}
	if set := s.byStatus[t.Status]; set != nil {
		delete(set, t.ID)
		if len(set) == 0 {
			delete(s.byStatus, t.Status)
		}
	}
	if t.ParentID != "" {
		if set := s.children[t.ParentID]; set != nil {
			delete(set, t.ID)
			if len(set) == 0 {
				delete(s.children, t.ParentID)
			}
		}
	}
}

// CreateInput is the payload for Create.
type CreateInput struct {
	Title             string
	Description       string
	Project           string
	Status            Status
	Priority          Priority
	Category          string
	Tags              []string
	ParentID          string
	Level             Level
	MemoryConnections []MemoryConnection
}

// Create allocates id and per-project serial, validates hierarchy, persists,
// and emits task-added.
func (s *Store) Create(input CreateInput) (*Task, error) {
	if strings.TrimSpace(input.Title) == "" {
		return nil, memcore.Invalid("title", "title must not be empty")
	}
	if !ValidLevel(input.Level) {
		return nil, memcore.Invalid("level", fmt.Sprintf("unknown level %q", input.Level))
	}
	now := s.now()
	t := &Task{
		ID:                uuid.NewString(),
		Title:             strings.TrimSpace(input.Title),
		Description:       input.Description,
		Status:            input.Status,
		Priority:          input.Priority,
		Project:           input.Project,
		Category:          input.Category,
		Tags:              input.Tags,
		Created:           now,
		Updated:           now,
		ParentID:          input.ParentID,
		Level:             input.Level,
		MemoryConnections: input.MemoryConnections,
	}
	t.normalize()

	s.mu.Lock()
	if err := s.validateHierarchyLocked(t); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	t.Serial = s.nextSerial[t.Project]
	if t.Serial == 0 {
		t.Serial = 1
	}
	s.indexLocked(t)
	if err := s.persistProjectLocked(t.Project, t, nil); err != nil {
		s.evictLocked(t)
		s.mu.Unlock()
		return nil, err
	}
	clone := t.Clone()
	s.publish(bus.TaskAdded, clone)
	s.mu.Unlock()
	return clone, nil
}

// validateHierarchyLocked enforces parent existence, same-project parenting,
// level compatibility, and acyclicity.
func (s *Store) validateHierarchyLocked(t *Task) error {
	if t.ParentID == "" {
		return nil
	}
	if t.ParentID == t.ID {
		return memcore.Conflict("parent_id", "task cannot parent itself")
	}
	parent, ok := s.byID[t.ParentID]
	if !ok {
		return memcore.Conflict("parent_id", fmt.Sprintf("parent task %q does not exist", t.ParentID))
	}
	if parent.Project != t.Project {
		return memcore.Conflict("parent_id", "parent task belongs to a different project")
	}
	if t.Level != "" {
		want, constrained := requiredParentLevel[t.Level]
		if !constrained {
			return memcore.Conflict("parent_id", "a master task cannot have a parent")
		}
		if parent.Level != want {
			return memcore.Conflict("parent_id", fmt.Sprintf(
				"a %s may only parent under a %s, not a %s", t.Level, want, parent.Level))
		}
	}
	// Walk up; reaching t means the patch would close a cycle.
	for cur := parent; cur != nil && cur.ParentID != ""; cur = s.byID[cur.ParentID] {
		if cur.ParentID == t.ID {
			return memcore.Conflict("parent_id", "parent chain would form a cycle")
		}
	}
	return nil
}

func (s *Store) persistProjectLocked(project string, touched *Task, removed []string) error {
	tasks := make([]*Task, 0, len(s.byProject[project]))
	for id := range s.byProject[project] {
		tasks = append(tasks, s.byID[id])
	}
	return s.disk.persist(s.root, project, tasks, touched, removed)
}

// Get returns a task by id.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, memcore.NotFound("task", id)
	}
	return t.Clone(), nil
}

// ListOptions filters List.
type ListOptions struct {
	Project  string
	Status   Status
	Category string
	ParentID string
	Limit    int
}

// List returns tasks sorted by updated descending, ties broken by id.
func (s *Store) List(opts ListOptions) []*Task {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	s.mu.RLock()
	var candidates []*Task
	consider := func(t *Task) {
		if opts.Status != "" && t.Status != opts.Status {
			return
		}
		if opts.Category != "" && t.Category != opts.Category {
			return
		}
		if opts.ParentID != "" && t.ParentID != opts.ParentID {
			return
		}
		candidates = append(candidates, t)
	}
	if opts.Project != "" {
		for id := range s.byProject[paths.SanitizeProject(opts.Project)] {
			consider(s.byID[id])
		}
	} else {
		for _, t := range s.byID {
			consider(t)
		}
	}
	s.mu.RUnlock()

	sortByUpdated(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*Task, len(candidates))
	for i, t := range candidates {
		out[i] = t.Clone()
	}
	return out
}

func sortByUpdated(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].Updated.Equal(tasks[j].Updated) {
			return tasks[i].Updated.After(tasks[j].Updated)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// Patch carries a partial update; nil fields are untouched. id, serial, and
// created are immutable.
type Patch struct {
	Title             *string
	Description       *string
	Status            *Status
	Priority          *Priority
	Category          *string
	Tags              *[]string
	ParentID          *string
	Level             *Level
	MemoryConnections *[]MemoryConnection
}

// Update applies a patch, refreshes updated, revalidates hierarchy when the
// parent or level changes, persists, and emits task-updated.
func (s *Store) Update(id string, patch Patch) (*Task, error) {
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return nil, memcore.Invalid("title", "title must not be empty")
	}
	if patch.Status != nil && !ValidStatus(*patch.Status) {
		return nil, memcore.Invalid("status", fmt.Sprintf("unknown status %q", *patch.Status))
	}
	if patch.Priority != nil && !ValidPriority(*patch.Priority) {
		return nil, memcore.Invalid("priority", fmt.Sprintf("unknown priority %q", *patch.Priority))
	}
	if patch.Level != nil && !ValidLevel(*patch.Level) {
		return nil, memcore.Invalid("level", fmt.Sprintf("unknown level %q", *patch.Level))
	}

	s.mu.Lock()
	existing, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, memcore.NotFound("task", id)
	}

	next := existing.Clone()
	if patch.Title != nil {
		next.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Status != nil {
		next.Status = *patch.Status
	}
	if patch.Priority != nil {
		next.Priority = *patch.Priority
	}
	if patch.Category != nil {
		next.Category = *patch.Category
	}
	if patch.Tags != nil {
		next.Tags = *patch.Tags
	}
	if patch.ParentID != nil {
		next.ParentID = *patch.ParentID
	}
	if patch.Level != nil {
		next.Level = *patch.Level
	}
	if patch.MemoryConnections != nil {
		next.MemoryConnections = *patch.MemoryConnections
	}
	next.normalize()
	next.Updated = s.now()

	if next.ParentID != existing.ParentID || next.Level != existing.Level {
		if err := s.validateHierarchyLocked(next); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}

	s.evictLocked(existing)
	s.indexLocked(next)
	if err := s.persistProjectLocked(next.Project, next, nil); err != nil {
		s.evictLocked(next)
		s.indexLocked(existing)
		s.mu.Unlock()
		return nil, err
	}
	clone := next.Clone()
	s.publish(bus.TaskUpdated, clone)
	s.mu.Unlock()
	return clone, nil
}

// Delete removes a task. Children block the delete unless cascade is set, in
// which case the whole subtree goes.
func (s *Store) Delete(id string, cascade bool) error {
	s.mu.Lock()
	t, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return memcore.NotFound("task", id)
	}
	if len(s.children[id]) > 0 && !cascade {
		s.mu.Unlock()
		return memcore.Conflict("id", fmt.Sprintf("task %q has subtasks; pass cascade to delete them", id))
	}

	doomed := s.subtreeLocked(id)
	removedIDs := make([]string, 0, len(doomed))
	for _, d := range doomed {
		s.evictLocked(d)
		removedIDs = append(removedIDs, d.ID)
	}
	if err := s.persistProjectLocked(t.Project, nil, removedIDs); err != nil {
		s.mu.Unlock()
		return err
	}
	// Deepest first so no event references a still-indexed child.
	for i := len(doomed) - 1; i >= 0; i-- {
		s.publish(bus.TaskDeleted, doomed[i].Clone())
	}
	s.mu.Unlock()
	return nil
}

// subtreeLocked returns id's subtree in parent-before-child order.
func (s *Store) subtreeLocked(id string) []*Task {
	var out []*Task
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		t, ok := s.byID[cur]
		if !ok {
			continue
		}
		out = append(out, t)
		childIDs := make([]string, 0, len(s.children[cur]))
		for child := range s.children[cur] {
			childIDs = append(childIDs, child)
		}
		sort.Strings(childIDs)
		queue = append(queue, childIDs...)
	}
	return out
}

// Context is the working-set view around one task.
type Context struct {
	Task     *Task   `json:"task"`
	Parent   *Task   `json:"parent,omitempty"`
	Siblings []*Task `json:"siblings,omitempty"`
	Children []*Task `json:"children,omitempty"`
	Related  []*Task `json:"related,omitempty"`
}

// GetContext returns the task plus parent, siblings, direct children, and up
// to ten other tasks from the same project.
func (s *Store) GetContext(id string) (*Context, error) {
	s.mu.RLock()
	t, ok := s.byID[id]
	if !ok {
		s.mu.RUnlock()
		return nil, memcore.NotFound("task", id)
	}

	ctx := &Context{Task: t.Clone()}
	family := map[string]struct{}{t.ID: {}}

	if t.ParentID != "" {
		if parent, ok := s.byID[t.ParentID]; ok {
			ctx.Parent = parent.Clone()
			family[parent.ID] = struct{}{}
			for sibID := range s.children[parent.ID] {
				if sibID == t.ID {
					continue
				}
				ctx.Siblings = append(ctx.Siblings, s.byID[sibID].Clone())
				family[sibID] = struct{}{}
			}
		}
	}
	for childID := range s.children[t.ID] {
		ctx.Children = append(ctx.Children, s.byID[childID].Clone())
		family[childID] = struct{}{}
	}

	var others []*Task
	for otherID := range s.byProject[t.Project] {
		if _, taken := family[otherID]; taken {
			continue
		}
		others = append(others, s.byID[otherID])
	}
	s.mu.RUnlock()

	sortByUpdated(ctx.Siblings)
	sortByUpdated(ctx.Children)
	sortByUpdated(others)
	if len(others) > contextExtraLimit {
		others = others[:contextExtraLimit]
	}
	for _, o := range others {
		ctx.Related = append(ctx.Related, o.Clone())
	}
	return ctx, nil
}

// Count reports the number of indexed tasks.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Projects lists project slugs holding tasks, sorted.
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
func (s *Store) publish(kind bus.Kind, t *Task) {
	if s.events == nil {
		return
	}
	s.events.Publish(bus.Event{
		Kind:      kind,
		ID:        t.ID,
		Project:   t.Project,
		Timestamp: s.now(),
		Payload:   t,
	})
}

// ReconcilePath implements watch.Reconciler for externally edited task files.
func (s *Store) ReconcilePath(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.RemovePath(path)
		}
		return memcore.IO("read watched task file", err)
	}
	if s.ring.Match(path, watch.HashBytes(data)) {
		return nil
	}

	project := paths.SanitizeProject(filepath.Base(filepath.Dir(path)))
	base := filepath.Base(path)
	switch {
	case base == flatFileName:
		return s.reconcileProject(project, path, data)
	case strings.HasPrefix(base, "task-") && strings.HasSuffix(base, ".md"):
		t, err := decodeTaskFile(path, data)
		if err != nil {
			s.logger.Warn("watched task file %s unreadable: %v", path, err)
			return nil
		}
		t.Project = project
		t.normalize()
		s.absorb(project, map[string]*Task{t.ID: t}, false)
		return nil
	}
	return nil
}

// reconcileProject diffs an externally rewritten tasks.json against the
// index for that project.
func (s *Store) reconcileProject(project, path string, data []byte) error {
	var incoming []*Task
	if err := json.Unmarshal(data, &incoming); err != nil {
		s.logger.Warn("watched %s unreadable: %v", path, err)
		return nil
	}
	next := make(map[string]*Task, len(incoming))
	for _, t := range incoming {
		t.Project = project
		t.normalize()
		next[t.ID] = t
	}
	s.absorb(project, next, true)
	return nil
}

// absorb merges externally observed task state for one project into the
// index. complete means next is the full project state and missing tasks
// were deleted.
func (s *Store) absorb(project string, next map[string]*Task, complete bool) {
	s.mu.Lock()
	if complete {
		for id := range s.byProject[project] {
			if _, still := next[id]; !still {
				gone := s.byID[id]
				s.evictLocked(gone)
				s.publish(bus.TaskDeleted, gone.Clone())
			}
		}
	}
	for id, t := range next {
		if existing, known := s.byID[id]; known {
			if reflect.DeepEqual(existing, t) {
				continue
			}
			s.evictLocked(existing)
			s.indexLocked(t)
			s.publish(bus.TaskUpdated, t.Clone())
		} else {
			s.indexLocked(t)
			s.publish(bus.TaskAdded, t.Clone())
		}
	}
	s.mu.Unlock()
}

// RemovePath implements watch.Reconciler for deletions.
func (s *Store) RemovePath(path string) error {
	if s.ring.Match(path, "") {
		return nil
	}
	project := paths.SanitizeProject(filepath.Base(filepath.Dir(path)))
	base := filepath.Base(path)
	switch {
	case base == flatFileName:
		// The whole project file went away.
		s.absorb(project, nil, true)
	case strings.HasPrefix(base, "task-") && strings.HasSuffix(base, ".md"):
		id := strings.TrimSuffix(strings.TrimPrefix(base, "task-"), ".md")
		s.mu.Lock()
		if t, ok := s.byID[id]; ok && t.Project == project {
			s.evictLocked(t)
			s.publish(bus.TaskDeleted, t.Clone())
		}
		s.mu.Unlock()
	}
	return nil
}

// Rescan implements watch.Reconciler: reload from disk and diff per project.
func (s *Store) Rescan() error {
	projects, err := s.disk.loadAll(s.root)
	if err != nil {
		return err
	}

	s.mu.RLock()
	known := make([]string, 0, len(s.byProject))
	for p := range s.byProject {
		known = append(known, p)
	}
	s.mu.RUnlock()
	for _, p := range known {
		if _, still := projects[p]; !still {
			projects[p] = nil
		}
	}

	for project, tasks := range projects {
		next := make(map[string]*Task, len(tasks))
		for _, t := range tasks {
			next[t.ID] = t
		}
		s.absorb(project, next, true)
	}
	return nil
}
