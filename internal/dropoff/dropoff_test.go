package dropoff

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"membank/internal/memory"
	"membank/internal/task"
)

func newStores(t *testing.T) (*memory.Store, *task.Store) {
	t.Helper()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	clock := func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}
	memories := memory.NewStore(t.TempDir(), nil, memory.WithClock(clock))
	if err := memories.Load(); err != nil {
		t.Fatalf("load memories: %v", err)
	}
	tasks, err := task.NewStore(t.TempDir(), task.LayoutFlat, nil, task.WithClock(clock))
	if err != nil {
		t.Fatalf("new task store: %v", err)
	}
	if err := tasks.Load(); err != nil {
		t.Fatalf("load tasks: %v", err)
	}
	return memories, tasks
}

func TestGenerateIncludesRecentMemoriesAndTasks(t *testing.T) {
	memories, tasks := newStores(t)

	if _, err := memories.Add(memory.AddInput{Content: "oldest note", Project: "p"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := memories.Add(memory.AddInput{Content: "middle note", Project: "p", Tags: []string{"keep"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := memories.Add(memory.AddInput{Content: "newest note", Project: "p"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := tasks.Create(task.CreateInput{Title: "ship it", Project: "p", Priority: task.PriorityHigh}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dir := t.TempDir()
	gen := New(dir, memories, tasks, nil)
	result, err := gen.Generate(Input{SessionSummary: "demo handoff", RecentMemoryCount: 2})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Memories != 2 || result.Tasks != 1 {
		t.Fatalf("result = %+v", result)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "SESSION-DROPOFF-*.md"))
	if len(matches) != 1 || matches[0] != result.Path {
		t.Fatalf("files = %v, result path = %s", matches, result.Path)
	}
	data, err := os.ReadFile(result.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(data)

	if !strings.Contains(text, "demo handoff") {
		t.Fatal("summary missing")
	}
	// Only the two most recent memories appear.
	if !strings.Contains(text, "newest note") || !strings.Contains(text, "middle note") {
		t.Fatal("recent memories missing")
	}
	if strings.Contains(text, "oldest note") {
		t.Fatal("count limit ignored")
	}
	if !strings.Contains(text, "ship it") || !strings.Contains(text, "high priority") {
		t.Fatal("task line missing")
	}
	if !strings.Contains(text, "Tags: keep") {
		t.Fatal("memory tags missing")
	}
	if !strings.Contains(text, "- Platform: ") {
		t.Fatal("host block missing")
	}
}

func TestGenerateIsPureRead(t *testing.T) {
	memories, tasks := newStores(t)
	added, err := memories.Add(memory.AddInput{Content: "untouched", Project: "p"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	gen := New(t.TempDir(), memories, tasks, nil)
	if _, err := gen.Generate(Input{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	listed := memories.List("p", 10)
	if len(listed) != 1 {
		t.Fatalf("memory count changed: %d", len(listed))
	}
	if listed[0].AccessCount != added.AccessCount {
		t.Fatal("dropoff must not bump access stats")
	}
}

func TestGenerateLongContentIsTruncated(t *testing.T) {
	memories, tasks := newStores(t)
	long := strings.Repeat("word ", 200)
	if _, err := memories.Add(memory.AddInput{Content: long, Project: "p"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	gen := New(t.TempDir(), memories, tasks, nil)
	result, err := gen.Generate(Input{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	data, _ := os.ReadFile(result.Path)
	if !strings.Contains(string(data), "…") {
		t.Fatal("expected truncated preview")
	}
}
