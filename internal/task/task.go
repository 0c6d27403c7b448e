// Package task implements the work-item store: CRUD, serial allocation,
// hierarchy validation, and memory cross-links over one of two on-disk
// layouts (a JSON array per project, or one markdown file per task).
package task

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"membank/internal/paths"
)

// Status tracks where a task sits in its lifecycle.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
)

// ValidStatus reports whether s is a recognized status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Priority ranks a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ValidPriority reports whether p is a recognized priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Level places a task in the optional four-tier hierarchy.
type Level string

const (
	LevelMaster  Level = "master"
	LevelEpic    Level = "epic"
	LevelTask    Level = "task"
	LevelSubtask Level = "subtask"
)

// ValidLevel reports whether l is a recognized level. Empty is allowed;
// levels are opt-in.
func ValidLevel(l Level) bool {
	switch l {
	case "", LevelMaster, LevelEpic, LevelTask, LevelSubtask:
		return true
	}
	return false
}

// requiredParentLevel maps a child level to the only level its parent may
// hold. Masters are roots and take no parent.
var requiredParentLevel = map[Level]Level{
	LevelEpic:    LevelMaster,
	LevelTask:    LevelEpic,
	LevelSubtask: LevelTask,
}

// MemoryConnection is a weak link from a task to a memory.
type MemoryConnection struct {
	MemoryID       string  `json:"memory_id"`
	ConnectionType string  `json:"connection_type"`
	Relevance      float64 `json:"relevance"`
}

// Task is one work item. Subtask ids are derived from the index, never
// stored.
type Task struct {
	ID                string             `json:"id"`
	Serial            int                `json:"serial"`
	Title             string             `json:"title"`
	Description       string             `json:"description,omitempty"`
	Status            Status             `json:"status"`
	Priority          Priority           `json:"priority"`
	Project           string             `json:"project"`
	Category          string             `json:"category,omitempty"`
	Tags              []string           `json:"tags,omitempty"`
	Created           time.Time          `json:"created"`
	Updated           time.Time          `json:"updated"`
	ParentID          string             `json:"parent_id,omitempty"`
	Level             Level              `json:"level,omitempty"`
	MemoryConnections []MemoryConnection `json:"memory_connections,omitempty"`
}

// Clone returns a deep copy safe to hand out past the store lock.
func (t *Task) Clone() *Task {
	out := *t
	out.Tags = append([]string(nil), t.Tags...)
	out.MemoryConnections = append([]MemoryConnection(nil), t.MemoryConnections...)
	return &out
}

func (t *Task) normalize() {
	t.Project = paths.SanitizeProject(t.Project)
	if !ValidStatus(t.Status) {
		t.Status = StatusTodo
	}
	if !ValidPriority(t.Priority) {
		t.Priority = PriorityMedium
	}
	t.Tags = normalizeTags(t.Tags)
	for i := range t.MemoryConnections {
		c := &t.MemoryConnections[i]
		if c.Relevance < 0 {
			c.Relevance = 0
		}
		if c.Relevance > 1 {
			c.Relevance = 1
		}
	}
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		v := strings.ToLower(strings.TrimSpace(tag))
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// encodeConnection renders a memory link as "memory_id:type:relevance" for
// the frontmatter layout, which carries only string scalars and lists.
func encodeConnection(c MemoryConnection) string {
	return fmt.Sprintf("%s:%s:%s", c.MemoryID, c.ConnectionType,
		strconv.FormatFloat(c.Relevance, 'f', -1, 64))
}

func decodeConnection(s string) (MemoryConnection, bool) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return MemoryConnection{}, false
	}
	c := MemoryConnection{MemoryID: parts[0], ConnectionType: parts[1]}
	if len(parts) >= 3 {
		if rel, err := strconv.ParseFloat(parts[2], 64); err == nil {
			c.Relevance = rel
		}
	}
	return c, true
}
