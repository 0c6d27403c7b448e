package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"membank/internal/backup"
	"membank/internal/dropoff"
	"membank/internal/memcore"
	"membank/internal/memory"
	"membank/internal/registry"
	"membank/internal/task"
)

// Deps are the engines behind the catalog. Backups may be nil when the
// scheduler is disabled; destructive tools then skip the safety snapshot.
type Deps struct {
	Memories *memory.Store
	Tasks    *task.Store
	Registry *registry.Registry
	Dropoff  *dropoff.Generator
	Backups  *backup.Manager
}

// decode maps loosely typed arguments onto a typed input struct.
func decode[T any](args map[string]any) (T, error) {
	var out T
	data, err := json.Marshal(args)
	if err != nil {
		return out, memcore.Invalid("", err.Error())
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, memcore.Invalid("", err.Error())
	}
	return out, nil
}

// Catalog builds the full static tool set over deps.
func Catalog(deps Deps) []*Tool {
	tools := []*Tool{
		addMemoryTool(deps),
		getMemoryTool(deps),
		listMemoriesTool(deps),
		searchMemoriesTool(deps),
		updateMemoryTool(deps),
		deleteMemoryTool(deps),
		createTaskTool(deps),
		updateTaskTool(deps),
		listTasksTool(deps),
		getTaskContextTool(deps),
		deleteTaskTool(deps),
		generateDropoffTool(deps),
		testTool(deps),
		listLayersTool(),
		activateLayerTool(),
		deactivateLayerTool(),
		batchDeleteMemoriesTool(deps),
		batchUpdateTasksTool(deps),
		dedupMemoriesTool(deps),
		rebuildMemoryIndexTool(deps),
		createBackupTool(deps),
		backupStatusTool(deps),
	}
	return tools
}

func addMemoryTool(deps Deps) *Tool {
	return &Tool{
		Name:        "add_memory",
		Description: "Store a new memory as a markdown note with frontmatter.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {"type": "string", "minLength": 1, "maxLength": 100000},
				"project": {"type": "string", "maxLength": 100},
				"category": {"type": "string", "enum": ["personal", "work", "code", "research", "conversations", "preferences"]},
				"tags": {"type": "array", "items": {"type": "string", "maxLength": 100}, "maxItems": 50},
				"priority": {"type": "string", "enum": ["low", "medium", "high"]},
				"status": {"type": "string", "enum": ["active", "archived", "reference"]},
				"related_memories": {"type": "array", "items": {"type": "string"}, "maxItems": 50}
			},
			"required": ["content"],
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			in, err := decode[struct {
				Content         string   `json:"content"`
				Project         string   `json:"project"`
				Category        string   `json:"category"`
				Tags            []string `json:"tags"`
				Priority        string   `json:"priority"`
				Status          string   `json:"status"`
				RelatedMemories []string `json:"related_memories"`
			}](args)
			if err != nil {
				return nil, err
			}
			if deps.Registry != nil && in.Project != "" {
				if _, err := deps.Registry.Ensure(in.Project, ""); err != nil {
					return nil, err
				}
			}
			m, err := deps.Memories.Add(memory.AddInput{
				Content:         in.Content,
				Project:         in.Project,
				Category:        memory.Category(in.Category),
				Tags:            in.Tags,
				Priority:        memory.Priority(in.Priority),
				Status:          memory.Status(in.Status),
				RelatedMemories: in.RelatedMemories,
			})
			if err != nil {
				return nil, err
			}
			return &Result{
				Text: fmt.Sprintf("✅ Memory stored in project %q, id=%s", m.Project, m.ID),
				Data: m,
			}, nil
		},
	}
}

func getMemoryTool(deps Deps) *Tool {
	return &Tool{
		Name:        "get_memory",
		Description: "Fetch one memory by id, bumping its access stats.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"id": {"type": "string", "minLength": 1}},
			"required": ["id"],
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			in, err := decode[struct {
				ID string `json:"id"`
			}](args)
			if err != nil {
				return nil, err
			}
			m, err := deps.Memories.Get(in.ID)
			if err != nil {
				return nil, err
			}
			return &Result{Text: fmt.Sprintf("Memory %s (%s)", m.ID, m.Project), Data: m}, nil
		},
	}
}

func listMemoriesTool(deps Deps) *Tool {
	return &Tool{
		Name:        "list_memories",
		Description: "List memories newest first, optionally scoped to a project.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"project": {"type": "string", "maxLength": 100},
				"limit": {"type": "integer", "minimum": 1, "maximum": 1000}
			},
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			in, err := decode[struct {
				Project string `json:"project"`
				Limit   int    `json:"limit"`
			}](args)
			if err != nil {
				return nil, err
			}
			records := deps.Memories.List(in.Project, in.Limit)
			return &Result{
				Text: fmt.Sprintf("%d memories", len(records)),
				Data: records,
			}, nil
		},
	}
}

func searchMemoriesTool(deps Deps) *Tool {
	return &Tool{
		Name:        "search_memories",
		Description: "Rank memories against a query with filters. Fuzzy fallback is on by default; pass fuzzy=false to restrict to exact matches.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "maxLength": 1000},
				"project": {"type": "string", "maxLength": 100},
				"tags": {"type": "array", "items": {"type": "string"}, "maxItems": 20},
				"category": {"type": "string", "enum": ["personal", "work", "code", "research", "conversations", "preferences"]},
				"status": {"type": "string", "enum": ["active", "archived", "reference"]},
				"fuzzy": {"type": "boolean"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 1000}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			in, err := decode[struct {
				Query    string   `json:"query"`
				Project  string   `json:"project"`
				Tags     []string `json:"tags"`
				Category string   `json:"category"`
				Status   string   `json:"status"`
				Fuzzy    *bool    `json:"fuzzy"`
				Limit    int      `json:"limit"`
			}](args)
			if err != nil {
				return nil, err
			}
			hits := deps.Memories.Search(in.Query, memory.SearchOptions{
				Project:      in.Project,
				Tags:         in.Tags,
				Category:     memory.Category(in.Category),
				Status:       memory.Status(in.Status),
				DisableFuzzy: in.Fuzzy != nil && !*in.Fuzzy,
				Limit:        in.Limit,
			})
			var b strings.Builder
			fmt.Fprintf(&b, "%d results for %q", len(hits), in.Query)
			for i, hit := range hits {
				if i >= 5 {
					break
				}
				fmt.Fprintf(&b, "\n%.2f  %s  %s", hit.Score, hit.Memory.ID, hit.Memory.Title())
			}
			return &Result{Text: b.String(), Data: hits}, nil
		},
	}
}

func updateMemoryTool(deps Deps) *Tool {
	return &Tool{
		Name:        "update_memory",
		Description: "Patch fields of an existing memory.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"content": {"type": "string", "minLength": 1, "maxLength": 100000},
				"project": {"type": "string", "maxLength": 100},
				"category": {"type": "string", "enum": ["personal", "work", "code", "research", "conversations", "preferences"]},
				"tags": {"type": "array", "items": {"type": "string"}, "maxItems": 50},
				"priority": {"type": "string", "enum": ["low", "medium", "high"]},
				"status": {"type": "string", "enum": ["active", "archived", "reference"]},
				"related_memories": {"type": "array", "items": {"type": "string"}, "maxItems": 50}
			},
			"required": ["id"],
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			in, err := decode[struct {
				ID              string             `json:"id"`
				Content         *string            `json:"content"`
				Project         *string            `json:"project"`
				Category        *memory.Category   `json:"category"`
				Tags            *[]string          `json:"tags"`
				Priority        *memory.Priority   `json:"priority"`
				Status          *memory.Status     `json:"status"`
				RelatedMemories *[]string          `json:"related_memories"`
			}](args)
			if err != nil {
				return nil, err
			}
			m, err := deps.Memories.Update(in.ID, memory.Patch{
				Content:         in.Content,
				Project:         in.Project,
				Category:        in.Category,
				Tags:            in.Tags,
				Priority:        in.Priority,
				Status:          in.Status,
				RelatedMemories: in.RelatedMemories,
			})
			if err != nil {
				return nil, err
			}
			return &Result{Text: fmt.Sprintf("✅ Memory %s updated", m.ID), Data: m}, nil
		},
	}
}

func deleteMemoryTool(deps Deps) *Tool {
	return &Tool{
		Name:        "delete_memory",
		Description: "Delete one memory by id.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"id": {"type": "string", "minLength": 1}},
			"required": ["id"],
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			in, err := decode[struct {
				ID string `json:"id"`
			}](args)
			if err != nil {
				return nil, err
			}
			if err := deps.Memories.Delete(in.ID); err != nil {
				return nil, err
			}
			return &Result{Text: fmt.Sprintf("🗑️ Memory %s deleted", in.ID)}, nil
		},
	}
}

var taskStatusEnum = `"enum": ["todo", "in_progress", "done", "blocked"]`
var taskPriorityEnum = `"enum": ["low", "medium", "high", "urgent"]`

func createTaskTool(deps Deps) *Tool {
	return &Tool{
		Name:        "create_task",
		Description: "Create a task with optional parent and hierarchy level.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string", "minLength": 1, "maxLength": 500},
				"description": {"type": "string", "maxLength": 100000},
				"project": {"type": "string", "maxLength": 100},
				"status": {"type": "string", ` + taskStatusEnum + `},
				"priority": {"type": "string", ` + taskPriorityEnum + `},
				"category": {"type": "string", "maxLength": 100},
				"tags": {"type": "array", "items": {"type": "string"}, "maxItems": 50},
				"parent_id": {"type": "string"},
				"level": {"type": "string", "enum": ["master", "epic", "task", "subtask"]},
				"memory_connections": {
					"type": "array",
					"maxItems": 50,
					"items": {
						"type": "object",
						"properties": {
							"memory_id": {"type": "string", "minLength": 1},
							"connection_type": {"type": "string"},
							"relevance": {"type": "number", "minimum": 0, "maximum": 1}
						},
						"required": ["memory_id"]
					}
				}
			},
			"required": ["title"],
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			in, err := decode[struct {
				Title             string                  `json:"title"`
				Description       string                  `json:"description"`
				Project           string                  `json:"project"`
				Status            string                  `json:"status"`
				Priority          string                  `json:"priority"`
				Category          string                  `json:"category"`
				Tags              []string                `json:"tags"`
				ParentID          string                  `json:"parent_id"`
				Level             string                  `json:"level"`
				MemoryConnections []task.MemoryConnection `json:"memory_connections"`
			}](args)
			if err != nil {
				return nil, err
			}
			if deps.Registry != nil && in.Project != "" {
				if _, err := deps.Registry.Ensure(in.Project, ""); err != nil {
					return nil, err
				}
			}
			created, err := deps.Tasks.Create(task.CreateInput{
				Title:             in.Title,
				Description:       in.Description,
				Project:           in.Project,
				Status:            task.Status(in.Status),
				Priority:          task.Priority(in.Priority),
				Category:          in.Category,
				Tags:              in.Tags,
				ParentID:          in.ParentID,
				Level:             task.Level(in.Level),
				MemoryConnections: in.MemoryConnections,
			})
			if err != nil {
				return nil, err
			}
			return &Result{
				Text: fmt.Sprintf("✅ Task #%d created in project %q, id=%s", created.Serial, created.Project, created.ID),
				Data: created,
			}, nil
		},
	}
}

func updateTaskTool(deps Deps) *Tool {
	return &Tool{
		Name:        "update_task",
		Description: "Patch fields of an existing task.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"title": {"type": "string", "minLength": 1, "maxLength": 500},
				"description": {"type": "string", "maxLength": 100000},
				"status": {"type": "string", ` + taskStatusEnum + `},
				"priority": {"type": "string", ` + taskPriorityEnum + `},
				"category": {"type": "string", "maxLength": 100},
				"tags": {"type": "array", "items": {"type": "string"}, "maxItems": 50},
				"parent_id": {"type": "string"},
				"level": {"type": "string", "enum": ["master", "epic", "task", "subtask"]},
				"memory_connections": {
					"type": "array",
					"maxItems": 50,
					"items": {
						"type": "object",
						"properties": {
							"memory_id": {"type": "string", "minLength": 1},
							"connection_type": {"type": "string"},
							"relevance": {"type": "number", "minimum": 0, "maximum": 1}
						},
						"required": ["memory_id"]
					}
				}
			},
			"required": ["id"],
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			in, err := decode[struct {
				ID                string                   `json:"id"`
				Title             *string                  `json:"title"`
				Description       *string                  `json:"description"`
				Status            *task.Status             `json:"status"`
				Priority          *task.Priority           `json:"priority"`
				Category          *string                  `json:"category"`
				Tags              *[]string                `json:"tags"`
				ParentID          *string                  `json:"parent_id"`
				Level             *task.Level              `json:"level"`
				MemoryConnections *[]task.MemoryConnection `json:"memory_connections"`
			}](args)
			if err != nil {
				return nil, err
			}
			updated, err := deps.Tasks.Update(in.ID, task.Patch{
				Title:             in.Title,
				Description:       in.Description,
				Status:            in.Status,
				Priority:          in.Priority,
				Category:          in.Category,
				Tags:              in.Tags,
				ParentID:          in.ParentID,
				Level:             in.Level,
				MemoryConnections: in.MemoryConnections,
			})
			if err != nil {
				return nil, err
			}
			return &Result{Text: fmt.Sprintf("✅ Task %s updated (%s)", updated.ID, updated.Status), Data: updated}, nil
		},
	}
}

func listTasksTool(deps Deps) *Tool {
	return &Tool{
		Name:        "list_tasks",
		Description: "List tasks most recently updated first, with filters.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"project": {"type": "string", "maxLength": 100},
				"status": {"type": "string", ` + taskStatusEnum + `},
				"category": {"type": "string", "maxLength": 100},
				"parent_id": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 1000}
			},
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			in, err := decode[struct {
				Project  string `json:"project"`
				Status   string `json:"status"`
				Category string `json:"category"`
				ParentID string `json:"parent_id"`
				Limit    int    `json:"limit"`
			}](args)
			if err != nil {
				return nil, err
			}
			tasks := deps.Tasks.List(task.ListOptions{
				Project:  in.Project,
				Status:   task.Status(in.Status),
				Category: in.Category,
				ParentID: in.ParentID,
				Limit:    in.Limit,
			})
			return &Result{Text: fmt.Sprintf("%d tasks", len(tasks)), Data: tasks}, nil
		},
	}
}

func getTaskContextTool(deps Deps) *Tool {
	return &Tool{
		Name:        "get_task_context",
		Description: "Fetch a task with its parent, siblings, children, and nearby project tasks.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"id": {"type": "string", "minLength": 1}},
			"required": ["id"],
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			in, err := decode[struct {
				ID string `json:"id"`
			}](args)
			if err != nil {
				return nil, err
			}
			ctx, err := deps.Tasks.GetContext(in.ID)
			if err != nil {
				return nil, err
			}
			return &Result{
				Text: fmt.Sprintf("Task %s: %d siblings, %d children, %d related",
					ctx.Task.ID, len(ctx.Siblings), len(ctx.Children), len(ctx.Related)),
				Data: ctx,
			}, nil
		},
	}
}

func deleteTaskTool(deps Deps) *Tool {
	return &Tool{
		Name:        "delete_task",
		Description: "Delete a task; cascade removes its whole subtree.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"cascade": {"type": "boolean"}
			},
			"required": ["id"],
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			in, err := decode[struct {
				ID      string `json:"id"`
				Cascade bool   `json:"cascade"`
			}](args)
			if err != nil {
				return nil, err
			}
			if err := deps.Tasks.Delete(in.ID, in.Cascade); err != nil {
				return nil, err
			}
			return &Result{Text: fmt.Sprintf("🗑️ Task %s deleted", in.ID)}, nil
		},
	}
}

func generateDropoffTool(deps Deps) *Tool {
	return &Tool{
		Name:        "generate_dropoff",
		Description: "Write a session handoff document with recent memories and tasks.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_summary": {"type": "string", "maxLength": 10000},
				"recent_memory_count": {"type": "integer", "minimum": 1, "maximum": 100},
				"project": {"type": "string", "maxLength": 100}
			},
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			in, err := decode[struct {
				SessionSummary    string `json:"session_summary"`
				RecentMemoryCount int    `json:"recent_memory_count"`
				Project           string `json:"project"`
			}](args)
			if err != nil {
				return nil, err
			}
			result, err := deps.Dropoff.Generate(dropoff.Input{
				SessionSummary:    in.SessionSummary,
				RecentMemoryCount: in.RecentMemoryCount,
				Project:           in.Project,
			})
			if err != nil {
				return nil, err
			}
			return &Result{Text: fmt.Sprintf("📝 Dropoff written to %s", result.Path), Data: result}, nil
		},
	}
}

func testTool(deps Deps) *Tool {
	return &Tool{
		Name:        "test_tool",
		Description: "Connectivity check; echoes its message and reports corpus counts.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"message": {"type": "string", "maxLength": 1000}},
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			msg, _ := args["message"].(string)
			if msg == "" {
				msg = "pong"
			}
			memories, tasks := 0, 0
			if deps.Memories != nil {
				memories = deps.Memories.Count()
			}
			if deps.Tasks != nil {
				tasks = deps.Tasks.Count()
			}
			return &Result{
				Text: fmt.Sprintf("✅ %s (server time %s, %d memories, %d tasks)",
					msg, time.Now().UTC().Format(time.RFC3339), memories, tasks),
				Data: map[string]any{"memories": memories, "tasks": tasks},
			}, nil
		},
	}
}

// The layer meta-tools close over the dispatcher, which does not exist while
// the catalog is being built; Bind wires them after construction.

func listLayersTool() *Tool {
	return &Tool{
		Name:        "list_available_layers",
		Description: "List tool layers and whether each is active.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{"type": "object", "additionalProperties": false}`),
	}
}

func activateLayerTool() *Tool {
	return &Tool{
		Name:        "activate_layer",
		Description: "Activate a tool layer, extending the advertised catalog.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"layer": {"type": "string", "minLength": 1}},
			"required": ["layer"],
			"additionalProperties": false
		}`),
	}
}

func deactivateLayerTool() *Tool {
	return &Tool{
		Name:        "deactivate_layer",
		Description: "Deactivate a tool layer. The core layer stays on.",
		Layer:       LayerCore,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"layer": {"type": "string", "minLength": 1}},
			"required": ["layer"],
			"additionalProperties": false
		}`),
	}
}

// Bind attaches the layer meta-tool handlers to a constructed dispatcher.
func Bind(dp *Dispatcher) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if t, ok := dp.tools["list_available_layers"]; ok {
		t.handler = func(_ context.Context, _ map[string]any) (*Result, error) {
			layers := dp.AvailableLayers()
			var b strings.Builder
			for _, name := range knownLayers {
				state := "inactive"
				if layers[name] {
					state = "active"
				}
				fmt.Fprintf(&b, "%s: %s\n", name, state)
			}
			return &Result{Text: strings.TrimRight(b.String(), "\n"), Data: layers}, nil
		}
	}
	if t, ok := dp.tools["activate_layer"]; ok {
		t.handler = func(_ context.Context, args map[string]any) (*Result, error) {
			layer, _ := args["layer"].(string)
			if err := dp.ActivateLayer(layer); err != nil {
				return nil, err
			}
			return &Result{Text: fmt.Sprintf("✅ Layer %q active", layer), Data: dp.ActiveLayers()}, nil
		}
	}
	if t, ok := dp.tools["deactivate_layer"]; ok {
		t.handler = func(_ context.Context, args map[string]any) (*Result, error) {
			layer, _ := args["layer"].(string)
			if err := dp.DeactivateLayer(layer); err != nil {
				return nil, err
			}
			return &Result{Text: fmt.Sprintf("Layer %q deactivated", layer), Data: dp.ActiveLayers()}, nil
		}
	}
}

func batchDeleteMemoriesTool(deps Deps) *Tool {
	return &Tool{
		Name:        "batch_delete_memories",
		Description: "Delete several memories in one call, after a safety backup.",
		Layer:       LayerBatch,
		// The safety backup can outrun the stock deadline on large corpora.
		Timeout:     2 * time.Minute,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"ids": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1, "maxItems": 500}
			},
			"required": ["ids"],
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			in, err := decode[struct {
				IDs []string `json:"ids"`
			}](args)
			if err != nil {
				return nil, err
			}
			if deps.Backups != nil {
				deps.Backups.BeforeDestructive("batch_delete_memories")
			}
			deleted := 0
			var failures []string
			for _, id := range in.IDs {
				if err := deps.Memories.Delete(id); err != nil {
					failures = append(failures, fmt.Sprintf("%s: %v", id, err))
					continue
				}
				deleted++
			}
			text := fmt.Sprintf("🗑️ Deleted %d of %d memories", deleted, len(in.IDs))
			return &Result{Text: text, Data: map[string]any{
				"deleted":  deleted,
				"failures": failures,
			}}, nil
		},
	}
}

func batchUpdateTasksTool(deps Deps) *Tool {
	return &Tool{
		Name:        "batch_update_tasks",
		Description: "Apply status or priority changes to several tasks in one call.",
		Layer:       LayerBatch,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"updates": {
					"type": "array",
					"minItems": 1,
					"maxItems": 500,
					"items": {
						"type": "object",
						"properties": {
							"id": {"type": "string", "minLength": 1},
							"status": {"type": "string", ` + taskStatusEnum + `},
							"priority": {"type": "string", ` + taskPriorityEnum + `}
						},
						"required": ["id"]
					}
				}
			},
			"required": ["updates"],
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			in, err := decode[struct {
				Updates []struct {
					ID       string         `json:"id"`
					Status   *task.Status   `json:"status"`
					Priority *task.Priority `json:"priority"`
				} `json:"updates"`
			}](args)
			if err != nil {
				return nil, err
			}
			if deps.Backups != nil && len(in.Updates) > 10 {
				deps.Backups.BeforeDestructive("batch_update_tasks")
			}
			updated := 0
			var failures []string
			for _, u := range in.Updates {
				if _, err := deps.Tasks.Update(u.ID, task.Patch{Status: u.Status, Priority: u.Priority}); err != nil {
					failures = append(failures, fmt.Sprintf("%s: %v", u.ID, err))
					continue
				}
				updated++
			}
			return &Result{
				Text: fmt.Sprintf("✅ Updated %d of %d tasks", updated, len(in.Updates)),
				Data: map[string]any{"updated": updated, "failures": failures},
			}, nil
		},
	}
}

func dedupMemoriesTool(deps Deps) *Tool {
	return &Tool{
		Name:        "dedup_memories",
		Description: "Plan or apply removal of memories with identical content.",
		Layer:       LayerBatch,
		Timeout:     2 * time.Minute,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"apply": {"type": "boolean"}},
			"additionalProperties": false
		}`),
		handler: func(_ context.Context, args map[string]any) (*Result, error) {
			apply, _ := args["apply"].(bool)
			if apply && deps.Backups != nil {
				deps.Backups.BeforeDestructive("dedup_memories")
			}
			report, err := deps.Memories.Dedup(apply)
			if err != nil {
				return nil, err
			}
			verb := "planned"
			if report.Applied {
				verb = "removed"
			}
			return &Result{
				Text: fmt.Sprintf("Dedup %s %d removals across %d groups", verb, report.Removed, len(report.Groups)),
				Data: report,
			}, nil
		},
	}
}

func rebuildMemoryIndexTool(deps Deps) *Tool {
	return &Tool{
		Name:        "rebuild_memory_index",
		Description: "Drop and rebuild the memory index from the file tree.",
		Layer:       LayerEnhance,
		InputSchema: json.RawMessage(`{"type": "object", "additionalProperties": false}`),
		handler: func(_ context.Context, _ map[string]any) (*Result, error) {
			if err := deps.Memories.RebuildIndex(); err != nil {
				return nil, err
			}
			return &Result{
				Text: fmt.Sprintf("🔄 Index rebuilt: %d memories", deps.Memories.Count()),
			}, nil
		},
	}
}

func createBackupTool(deps Deps) *Tool {
	return &Tool{
		Name:        "create_backup",
		Description: "Snapshot the memory and task roots into a dated archive now.",
		Layer:       LayerEnhance,
		InputSchema: json.RawMessage(`{"type": "object", "additionalProperties": false}`),
		handler: func(_ context.Context, _ map[string]any) (*Result, error) {
			if deps.Backups == nil {
				return nil, memcore.Invalid("features.auto_backup", "backups are disabled")
			}
			archive, err := deps.Backups.Snapshot()
			if err != nil {
				return nil, err
			}
			return &Result{Text: fmt.Sprintf("💾 Backup written to %s", archive)}, nil
		},
	}
}

func backupStatusTool(deps Deps) *Tool {
	return &Tool{
		Name:        "backup_status",
		Description: "Report backup archive count, footprint, and schedule.",
		Layer:       LayerEnhance,
		InputSchema: json.RawMessage(`{"type": "object", "additionalProperties": false}`),
		handler: func(_ context.Context, _ map[string]any) (*Result, error) {
			if deps.Backups == nil {
				return nil, memcore.Invalid("features.auto_backup", "backups are disabled")
			}
			health, err := deps.Backups.Probe(0)
			if err != nil {
				return nil, err
			}
			return &Result{
				Text: fmt.Sprintf("%d archives, %d bytes", health.Archives, health.TotalBytes),
				Data: health,
			}, nil
		},
	}
}
