package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"membank/internal/dropoff"
	"membank/internal/memcore"
	"membank/internal/memory"
	"membank/internal/registry"
	"membank/internal/task"
)

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, Deps) {
	t.Helper()
	memories := memory.NewStore(t.TempDir(), nil)
	if err := memories.Load(); err != nil {
		t.Fatalf("load memories: %v", err)
	}
	tasks, err := task.NewStore(t.TempDir(), task.LayoutFlat, nil)
	if err != nil {
		t.Fatalf("new task store: %v", err)
	}
	if err := tasks.Load(); err != nil {
		t.Fatalf("load tasks: %v", err)
	}
	deps := Deps{
		Memories: memories,
		Tasks:    tasks,
		Registry: registry.New(t.TempDir()+"/registry.json", nil),
		Dropoff:  dropoff.New(t.TempDir(), memories, tasks, nil),
	}
	dp, err := New(nil, Catalog(deps), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	Bind(dp)
	return dp, deps
}

func TestListAdvertisesCoreOnly(t *testing.T) {
	dp, _ := newTestDispatcher(t)
	names := map[string]bool{}
	for _, d := range dp.List() {
		names[d.Name] = true
	}
	if !names["add_memory"] || !names["create_task"] || !names["test_tool"] {
		t.Fatalf("core tools missing: %v", names)
	}
	if names["batch_delete_memories"] || names["dedup_memories"] {
		t.Fatal("batch tools advertised without the batch layer")
	}
}

func TestDispatchAddAndGetMemory(t *testing.T) {
	dp, deps := newTestDispatcher(t)
	result, err := dp.Dispatch(context.Background(), "add_memory", map[string]any{
		"content": "Remember X",
		"project": "p1",
		"tags":    []any{"t"},
	})
	if err != nil {
		t.Fatalf("add_memory: %v", err)
	}
	if !strings.Contains(result.Text, "✅") || !strings.Contains(result.Text, "p1") {
		t.Fatalf("text = %q", result.Text)
	}
	added, ok := result.Data.(*memory.Memory)
	if !ok {
		t.Fatalf("data type %T", result.Data)
	}
	if deps.Memories.Count() != 1 {
		t.Fatal("memory not stored")
	}
	if got := deps.Registry.Projects(); len(got) != 1 || got[0] != "p1" {
		t.Fatalf("registry = %v", got)
	}

	got, err := dp.Dispatch(context.Background(), "get_memory", map[string]any{"id": added.ID})
	if err != nil {
		t.Fatalf("get_memory: %v", err)
	}
	if got.Data.(*memory.Memory).ID != added.ID {
		t.Fatal("wrong record returned")
	}
}

func TestSearchFindsTypoWithoutFuzzyFlag(t *testing.T) {
	dp, deps := newTestDispatcher(t)
	exact, err := deps.Memories.Add(memory.AddInput{Content: "configuration notes", Project: "p"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := deps.Memories.Add(memory.AddInput{Content: "configurtaion notes", Project: "p"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A bare query reaches near-miss records; the exact hit still ranks first.
	result, err := dp.Dispatch(context.Background(), "search_memories", map[string]any{
		"query": "configuration",
	})
	if err != nil {
		t.Fatalf("search_memories: %v", err)
	}
	hits := result.Data.([]memory.ScoredMemory)
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want exact plus typo", len(hits))
	}
	if hits[0].Memory.ID != exact.ID {
		t.Fatalf("exact hit should rank first, got %s", hits[0].Memory.ID)
	}

	// fuzzy=false is the explicit opt-out.
	result, err = dp.Dispatch(context.Background(), "search_memories", map[string]any{
		"query": "configuration",
		"fuzzy": false,
	})
	if err != nil {
		t.Fatalf("search_memories: %v", err)
	}
	if hits := result.Data.([]memory.ScoredMemory); len(hits) != 1 {
		t.Fatalf("opt-out hits = %d, want 1", len(hits))
	}
}

func TestDispatchSchemaViolation(t *testing.T) {
	dp, _ := newTestDispatcher(t)
	_, err := dp.Dispatch(context.Background(), "add_memory", map[string]any{"project": "p"})
	if !memcore.IsKind(err, memcore.KindInvalidInput) {
		t.Fatalf("expected invalid-input, got %v", err)
	}

	_, err = dp.Dispatch(context.Background(), "add_memory", map[string]any{
		"content":  "x",
		"category": "not-a-category",
	})
	if !memcore.IsKind(err, memcore.KindInvalidInput) {
		t.Fatalf("expected enum rejection, got %v", err)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	dp, _ := newTestDispatcher(t)
	_, err := dp.Dispatch(context.Background(), "no_such_tool", nil)
	if !memcore.IsKind(err, memcore.KindToolNotFound) {
		t.Fatalf("expected tool-not-found, got %v", err)
	}
}

func TestLayerGatingWins(t *testing.T) {
	dp, deps := newTestDispatcher(t)
	if _, err := deps.Memories.Add(memory.AddInput{Content: "dup", Project: "p"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Inactive layer means not callable, even though the tool exists.
	_, err := dp.Dispatch(context.Background(), "dedup_memories", map[string]any{"apply": false})
	if !memcore.IsKind(err, memcore.KindToolNotFound) {
		t.Fatalf("expected tool-not-found for inactive layer, got %v", err)
	}

	if _, err := dp.Dispatch(context.Background(), "activate_layer", map[string]any{"layer": "batch"}); err != nil {
		t.Fatalf("activate_layer: %v", err)
	}
	if _, err := dp.Dispatch(context.Background(), "dedup_memories", map[string]any{"apply": false}); err != nil {
		t.Fatalf("dedup after activation: %v", err)
	}

	if _, err := dp.Dispatch(context.Background(), "deactivate_layer", map[string]any{"layer": "core"}); !memcore.IsKind(err, memcore.KindInvalidInput) {
		t.Fatalf("core must not deactivate, got %v", err)
	}
}

func TestDefaultLayersOption(t *testing.T) {
	dp, _ := newTestDispatcher(t, WithDefaultLayers([]string{"batch"}))
	names := map[string]bool{}
	for _, d := range dp.List() {
		names[d.Name] = true
	}
	if !names["batch_delete_memories"] {
		t.Fatal("pre-activated batch layer not advertised")
	}
}

func TestMaxToolsCap(t *testing.T) {
	dp, _ := newTestDispatcher(t, WithMaxTools(3))
	if got := len(dp.List()); got != 3 {
		t.Fatalf("advertised = %d, want 3", got)
	}
}

func TestDispatchTimeout(t *testing.T) {
	slow := &Tool{
		Name:        "slow_tool",
		Description: "sleeps",
		Layer:       LayerCore,
		handler: func(_ context.Context, _ map[string]any) (*Result, error) {
			time.Sleep(500 * time.Millisecond)
			return &Result{Text: "done"}, nil
		},
	}
	dp, err := New(nil, []*Tool{slow}, WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = dp.Dispatch(context.Background(), "slow_tool", nil)
	if !memcore.IsKind(err, memcore.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestPerToolTimeoutOverridesDefault(t *testing.T) {
	sleepFor := 200 * time.Millisecond
	handler := func(_ context.Context, _ map[string]any) (*Result, error) {
		time.Sleep(sleepFor)
		return &Result{Text: "done"}, nil
	}
	patient := &Tool{
		Name:        "patient_tool",
		Description: "sleeps but is allowed to",
		Layer:       LayerCore,
		Timeout:     time.Second,
		handler:     handler,
	}
	hasty := &Tool{
		Name:        "hasty_tool",
		Description: "sleeps past its own deadline",
		Layer:       LayerCore,
		Timeout:     50 * time.Millisecond,
		handler:     handler,
	}
	dp, err := New(nil, []*Tool{patient, hasty}, WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := dp.Dispatch(context.Background(), "patient_tool", nil); err != nil {
		t.Fatalf("per-tool timeout not honored: %v", err)
	}
	if _, err := dp.Dispatch(context.Background(), "hasty_tool", nil); !memcore.IsKind(err, memcore.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestTaskLifecycleThroughDispatcher(t *testing.T) {
	dp, _ := newTestDispatcher(t)
	created, err := dp.Dispatch(context.Background(), "create_task", map[string]any{
		"title":   "wire the thing",
		"project": "p",
	})
	if err != nil {
		t.Fatalf("create_task: %v", err)
	}
	id := created.Data.(*task.Task).ID

	updated, err := dp.Dispatch(context.Background(), "update_task", map[string]any{
		"id":     id,
		"status": "done",
	})
	if err != nil {
		t.Fatalf("update_task: %v", err)
	}
	if updated.Data.(*task.Task).Status != task.StatusDone {
		t.Fatal("status not applied")
	}

	listed, err := dp.Dispatch(context.Background(), "list_tasks", map[string]any{"status": "done"})
	if err != nil {
		t.Fatalf("list_tasks: %v", err)
	}
	if tasks := listed.Data.([]*task.Task); len(tasks) != 1 {
		t.Fatalf("listed = %d", len(tasks))
	}

	if _, err := dp.Dispatch(context.Background(), "delete_task", map[string]any{"id": id}); err != nil {
		t.Fatalf("delete_task: %v", err)
	}
}

func TestSchemasAreValidJSON(t *testing.T) {
	deps := Deps{}
	for _, tool := range Catalog(deps) {
		var doc map[string]any
		if err := json.Unmarshal(tool.InputSchema, &doc); err != nil {
			t.Errorf("tool %s schema: %v", tool.Name, err)
		}
	}
}
