package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"membank/internal/atomicfile"
	"membank/internal/frontmatter"
	"membank/internal/memcore"
	"membank/internal/watch"
)

// Layout names, as selected by the tasks.layout setting.
const (
	LayoutFlat  = "flat"  // <project>/tasks.json, one JSON array per project
	LayoutFiles = "files" // <project>/task-<id>.md, one file per task
)

const flatFileName = "tasks.json"

// layout is the persistence strategy behind the store. Both strategies must
// present identical semantics through the Store.
type layout interface {
	name() string
	// loadAll reads every project under root into memory.
	loadAll(root string) (map[string][]*Task, error)
	// persist flushes one project after a mutation. touched is the task that
	// changed (nil on pure deletes); removed lists ids whose files must go.
	persist(root, project string, tasks []*Task, touched *Task, removed []string) error
	// taskPath reports where a task is (or would be) stored, for diagnostics.
	taskPath(root string, t *Task) string
}

func layoutFor(name string, ring *watch.SelfWriteRing) (layout, error) {
	switch name {
	case "", LayoutFlat:
		return &flatLayout{ring: ring}, nil
	case LayoutFiles:
		return &filesLayout{ring: ring}, nil
	}
	return nil, memcore.Invalid("tasks.layout", fmt.Sprintf("unknown layout %q", name))
}

// DetectLayout inspects root and reports which layout's artifacts are
// present. Finding both is a hard error so a mixed root is never served.
func DetectLayout(root string) (string, error) {
	var hasFlat, hasFiles bool
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", memcore.IO("read task root", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, entry.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			switch {
			case f.Name() == flatFileName:
				hasFlat = true
			case strings.HasPrefix(f.Name(), "task-") && strings.HasSuffix(f.Name(), ".md"):
				hasFiles = true
			}
		}
	}
	switch {
	case hasFlat && hasFiles:
		return "", memcore.Conflict("task_root",
			"task root mixes tasks.json and task-*.md layouts; migrate one before serving")
	case hasFlat:
		return LayoutFlat, nil
	case hasFiles:
		return LayoutFiles, nil
	}
	return "", nil
}

// flatLayout keeps one tasks.json array per project.
type flatLayout struct {
	ring *watch.SelfWriteRing
}

func (l *flatLayout) name() string { return LayoutFlat }

func (l *flatLayout) taskPath(root string, t *Task) string {
	return filepath.Join(root, t.Project, flatFileName)
}

func (l *flatLayout) loadAll(root string) (map[string][]*Task, error) {
	out := make(map[string][]*Task)
	err := eachProjectDir(root, func(project, dir string) error {
		path := filepath.Join(dir, flatFileName)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return memcore.IO("read "+path, err)
		}
		var tasks []*Task
		if err := json.Unmarshal(data, &tasks); err != nil {
			return memcore.Parse(path, err)
		}
		for _, t := range tasks {
			t.Project = project
			t.normalize()
		}
		out[project] = tasks
		return nil
	})
	return out, err
}

func (l *flatLayout) persist(root, project string, tasks []*Task, _ *Task, _ []string) error {
	sorted := append([]*Task(nil), tasks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Serial < sorted[j].Serial })
	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return memcore.Internal("encode tasks", err)
	}
	data = append(data, '\n')
	path := filepath.Join(root, project, flatFileName)
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return memcore.IO("write "+path, err)
	}
	l.ring.Record(path, watch.HashBytes(data))
	return nil
}

// filesLayout keeps one frontmatter+body markdown file per task.
type filesLayout struct {
	ring *watch.SelfWriteRing
}

func (l *filesLayout) name() string { return LayoutFiles }

func (l *filesLayout) taskPath(root string, t *Task) string {
	return filepath.Join(root, t.Project, "task-"+t.ID+".md")
}

func (l *filesLayout) loadAll(root string) (map[string][]*Task, error) {
	out := make(map[string][]*Task)
	err := eachProjectDir(root, func(project, dir string) error {
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil
		}
		for _, f := range files {
			name := f.Name()
			if !strings.HasPrefix(name, "task-") || !strings.HasSuffix(name, ".md") {
				continue
			}
			path := filepath.Join(dir, name)
			t, err := readTaskFile(path)
			if err != nil {
				// Malformed files are skipped, not fatal to the load.
				continue
			}
			t.Project = project
			t.normalize()
			out[project] = append(out[project], t)
		}
		return nil
	})
	return out, err
}

func (l *filesLayout) persist(root, project string, _ []*Task, touched *Task, removed []string) error {
	if touched != nil {
		path := l.taskPath(root, touched)
		data := encodeTaskFile(touched)
		if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
			return memcore.IO("write "+path, err)
		}
		l.ring.Record(path, watch.HashBytes(data))
	}
	for _, id := range removed {
		path := filepath.Join(root, project, "task-"+id+".md")
		l.ring.Record(path, "")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return memcore.IO("remove "+path, err)
		}
	}
	return nil
}

func eachProjectDir(root string, fn func(project, dir string) error) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return memcore.IO("read task root", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := fn(entry.Name(), filepath.Join(root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

const timeLayout = time.RFC3339

func encodeTaskFile(t *Task) []byte {
	meta := frontmatter.Metadata{
		"id":       t.ID,
		"serial":   t.Serial,
		"title":    t.Title,
		"status":   string(t.Status),
		"priority": string(t.Priority),
		"project":  t.Project,
		"created":  t.Created.UTC().Format(timeLayout),
		"updated":  t.Updated.UTC().Format(timeLayout),
	}
	if t.Category != "" {
		meta["category"] = t.Category
	}
	if len(t.Tags) > 0 {
		meta["tags"] = append([]string(nil), t.Tags...)
	}
	if t.ParentID != "" {
		meta["parent_id"] = t.ParentID
	}
	if t.Level != "" {
		meta["level"] = string(t.Level)
	}
	if len(t.MemoryConnections) > 0 {
		links := make([]string, 0, len(t.MemoryConnections))
		for _, c := range t.MemoryConnections {
			links = append(links, encodeConnection(c))
		}
		meta["memory_connections"] = links
	}
	body := t.Description
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	return frontmatter.Serialize(meta, body)
}

func readTaskFile(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, memcore.IO("read "+path, err)
	}
	return decodeTaskFile(path, data)
}

func decodeTaskFile(path string, data []byte) (*Task, error) {
	meta, body, err := frontmatter.Parse(data)
	if err != nil {
		return nil, memcore.Parse(path, err)
	}
	id := meta.GetString("id")
	if id == "" {
		return nil, memcore.Parse(path, fmt.Errorf("missing id"))
	}
	t := &Task{
		ID:          id,
		Serial:      meta.GetInt("serial"),
		Title:       meta.GetString("title"),
		Description: strings.TrimRight(body, "\n"),
		Status:      Status(meta.GetString("status")),
		Priority:    Priority(meta.GetString("priority")),
		Project:     meta.GetString("project"),
		Category:    meta.GetString("category"),
		Tags:        meta.GetStringSlice("tags"),
		ParentID:    meta.GetString("parent_id"),
		Level:       Level(meta.GetString("level")),
	}
	if ts, err := time.Parse(timeLayout, meta.GetString("created")); err == nil {
		t.Created = ts
	}
	if ts, err := time.Parse(timeLayout, meta.GetString("updated")); err == nil {
		t.Updated = ts
	}
	for _, raw := range meta.GetStringSlice("memory_connections") {
		if c, ok := decodeConnection(raw); ok {
			t.MemoryConnections = append(t.MemoryConnections, c)
		}
	}
	return t, nil
}
