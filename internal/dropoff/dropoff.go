// Package dropoff renders session handoff documents: a markdown snapshot of
// recent memories, tasks, and host state written under session-dropoffs/.
package dropoff

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"membank/internal/atomicfile"
	"membank/internal/logging"
	"membank/internal/memcore"
	"membank/internal/memory"
	"membank/internal/task"
)

const (
	// DefaultRecentMemories is how many memories a dropoff includes when the
	// caller does not say.
	DefaultRecentMemories = 5
	recentTaskCount       = 10
	previewLength         = 200
)

// Generator renders dropoff documents from live store state. It reads the
// stores but never mutates them.
type Generator struct {
	dir      string
	memories *memory.Store
	tasks    *task.Store
	logger   logging.Logger
	now      func() time.Time
}

// New constructs a generator writing under dir.
func New(dir string, memories *memory.Store, tasks *task.Store, logger logging.Logger) *Generator {
	return &Generator{
		dir:      dir,
		memories: memories,
		tasks:    tasks,
		logger:   logging.OrNop(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests).
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Input tunes one dropoff.
type Input struct {
	SessionSummary    string
	RecentMemoryCount int
	Project           string
}

// Result reports where the document landed.
type Result struct {
	Path     string `json:"path"`
	Memories int    `json:"memories"`
	Tasks    int    `json:"tasks"`
}

// Generate renders and writes one handoff document.
func (g *Generator) Generate(input Input) (*Result, error) {
	count := input.RecentMemoryCount
	if count <= 0 {
		count = DefaultRecentMemories
	}
	now := g.now()

	recentMemories := g.memories.List(input.Project, count)
	recentTasks := g.tasks.List(task.ListOptions{Project: input.Project, Limit: recentTaskCount})

	var b strings.Builder
	fmt.Fprintf(&b, "# Session Dropoff — %s\n\n", now.Format("2006-01-02 15:04:05 UTC"))
	if strings.TrimSpace(input.SessionSummary) != "" {
		b.WriteString("## Summary\n\n")
		b.WriteString(strings.TrimSpace(input.SessionSummary))
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "## Recent Memories (%d)\n\n", len(recentMemories))
	if len(recentMemories) == 0 {
		b.WriteString("No memories recorded yet.\n\n")
	}
	for _, m := range recentMemories {
		fmt.Fprintf(&b, "### %s\n\n", m.Title())
		fmt.Fprintf(&b, "- Project: %s\n", m.Project)
		if len(m.Tags) > 0 {
			fmt.Fprintf(&b, "- Tags: %s\n", strings.Join(m.Tags, ", "))
		}
		fmt.Fprintf(&b, "- Date: %s\n\n", m.Timestamp.Format("2006-01-02"))
		fmt.Fprintf(&b, "%s\n\n", preview(m.Content))
	}

	fmt.Fprintf(&b, "## Recent Tasks (%d)\n\n", len(recentTasks))
	if len(recentTasks) == 0 {
		b.WriteString("No tasks recorded yet.\n\n")
	}
	for _, t := range recentTasks {
		fmt.Fprintf(&b, "- [%s] %s (%s, %s priority)\n", t.Status, t.Title, t.Project, t.Priority)
	}
	if len(recentTasks) > 0 {
		b.WriteString("\n")
	}

	wd, _ := os.Getwd()
	b.WriteString("## Host\n\n")
	fmt.Fprintf(&b, "- Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "- Working directory: %s\n", wd)
	fmt.Fprintf(&b, "- Generated: %s\n", now.Format(time.RFC3339))

	name := fmt.Sprintf("SESSION-DROPOFF-%s.md", now.Format("2006-01-02_15-04-05"))
	path := filepath.Join(g.dir, name)
	if err := atomicfile.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return nil, memcore.IO("write dropoff", err)
	}
	g.logger.Info("dropoff written to %s", path)
	return &Result{Path: path, Memories: len(recentMemories), Tasks: len(recentTasks)}, nil
}

// preview truncates content to a readable excerpt on a rune boundary.
func preview(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength]) + "…"
}
