package task

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"membank/internal/bus"
	"membank/internal/memcore"
	"membank/internal/watch"
)

func newTestStore(t *testing.T, layoutName string, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), layoutName, nil, opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func mustCreate(t *testing.T, s *Store, in CreateInput) *Task {
	t.Helper()
	task, err := s.Create(in)
	if err != nil {
		t.Fatalf("Create(%q): %v", in.Title, err)
	}
	return task
}

func TestCreateAssignsSerialPerProject(t *testing.T) {
	s := newTestStore(t, LayoutFlat)
	a := mustCreate(t, s, CreateInput{Title: "first", Project: "p"})
	b := mustCreate(t, s, CreateInput{Title: "second", Project: "p"})
	other := mustCreate(t, s, CreateInput{Title: "elsewhere", Project: "q"})

	if a.Serial != 1 || b.Serial != 2 {
		t.Fatalf("serials = %d, %d", a.Serial, b.Serial)
	}
	if other.Serial != 1 {
		t.Fatalf("serial should restart per project, got %d", other.Serial)
	}
	if a.Status != StatusTodo || a.Priority != PriorityMedium {
		t.Fatalf("defaults not applied: %+v", a)
	}
	if !a.Created.Equal(a.Updated) {
		t.Fatal("created must equal updated at birth")
	}

	data, err := os.ReadFile(filepath.Join(s.Root(), "p", "tasks.json"))
	if err != nil {
		t.Fatalf("read tasks.json: %v", err)
	}
	var onDisk []*Task
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(onDisk) != 2 || onDisk[0].Serial != 1 || onDisk[1].Serial != 2 {
		t.Fatalf("on-disk = %+v", onDisk)
	}
}

func TestCreateRejectsEmptyTitle(t *testing.T) {
	s := newTestStore(t, LayoutFlat)
	_, err := s.Create(CreateInput{Title: "  "})
	if !memcore.IsKind(err, memcore.KindInvalidInput) {
		t.Fatalf("expected invalid-input, got %v", err)
	}
}

func TestSerialResumesAfterReload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, LayoutFlat, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	mustCreate(t, s, CreateInput{Title: "one", Project: "p"})
	mustCreate(t, s, CreateInput{Title: "two", Project: "p"})

	reopened, err := NewStore(dir, LayoutFlat, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := reopened.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	next := mustCreate(t, reopened, CreateInput{Title: "three", Project: "p"})
	if next.Serial != 3 {
		t.Fatalf("serial after reload = %d, want 3", next.Serial)
	}
}

func TestHierarchyLevels(t *testing.T) {
	s := newTestStore(t, LayoutFlat)
	master := mustCreate(t, s, CreateInput{Title: "M", Project: "p", Level: LevelMaster})
	epic := mustCreate(t, s, CreateInput{Title: "E", Project: "p", Level: LevelEpic, ParentID: master.ID})
	task := mustCreate(t, s, CreateInput{Title: "T", Project: "p", Level: LevelTask, ParentID: epic.ID})
	mustCreate(t, s, CreateInput{Title: "S", Project: "p", Level: LevelSubtask, ParentID: task.ID})

	// An epic may only parent under a master.
	_, err := s.Create(CreateInput{Title: "bad", Project: "p", Level: LevelEpic, ParentID: epic.ID})
	if !memcore.IsKind(err, memcore.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if memcore.FieldOf(err) != "parent_id" {
		t.Fatalf("conflict field = %q", memcore.FieldOf(err))
	}

	// Masters are roots.
	_, err = s.Create(CreateInput{Title: "bad", Project: "p", Level: LevelMaster, ParentID: master.ID})
	if !memcore.IsKind(err, memcore.KindConflict) {
		t.Fatalf("expected conflict for parented master, got %v", err)
	}
}

func TestHierarchyRejectsMissingAndCrossProjectParent(t *testing.T) {
	s := newTestStore(t, LayoutFlat)
	other := mustCreate(t, s, CreateInput{Title: "elsewhere", Project: "q"})

	_, err := s.Create(CreateInput{Title: "x", Project: "p", ParentID: "nope"})
	if !memcore.IsKind(err, memcore.KindConflict) {
		t.Fatalf("expected conflict for missing parent, got %v", err)
	}
	_, err = s.Create(CreateInput{Title: "x", Project: "p", ParentID: other.ID})
	if !memcore.IsKind(err, memcore.KindConflict) {
		t.Fatalf("expected conflict for cross-project parent, got %v", err)
	}
}

func TestUpdateRejectsCycle(t *testing.T) {
	s := newTestStore(t, LayoutFlat)
	a := mustCreate(t, s, CreateInput{Title: "a", Project: "p"})
	b := mustCreate(t, s, CreateInput{Title: "b", Project: "p", ParentID: a.ID})
	c := mustCreate(t, s, CreateInput{Title: "c", Project: "p", ParentID: b.ID})

	parent := c.ID
	_, err := s.Update(a.ID, Patch{ParentID: &parent})
	if !memcore.IsKind(err, memcore.KindConflict) {
		t.Fatalf("expected cycle conflict, got %v", err)
	}

	self := b.ID
	if _, err := s.Update(b.ID, Patch{ParentID: &self}); !memcore.IsKind(err, memcore.KindConflict) {
		t.Fatalf("expected self-parent conflict, got %v", err)
	}
}

func TestUpdateRefreshesUpdatedOnly(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	s := newTestStore(t, LayoutFlat, WithClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}))
	created := mustCreate(t, s, CreateInput{Title: "stable", Project: "p"})

	status := StatusInProgress
	updated, err := s.Update(created.ID, Patch{Status: &status})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !updated.Created.Equal(created.Created) {
		t.Fatal("created must be immutable")
	}
	if !updated.Updated.After(created.Updated) {
		t.Fatal("updated must refresh on mutation")
	}
	if updated.Serial != created.Serial || updated.ID != created.ID {
		t.Fatal("id and serial must be immutable")
	}
}

func TestDeleteCascade(t *testing.T) {
	s := newTestStore(t, LayoutFlat)
	parent := mustCreate(t, s, CreateInput{Title: "parent", Project: "p"})
	child := mustCreate(t, s, CreateInput{Title: "child", Project: "p", ParentID: parent.ID})
	mustCreate(t, s, CreateInput{Title: "grandchild", Project: "p", ParentID: child.ID})

	if err := s.Delete(parent.ID, false); !memcore.IsKind(err, memcore.KindConflict) {
		t.Fatalf("expected conflict without cascade, got %v", err)
	}
	if err := s.Delete(parent.ID, true); err != nil {
		t.Fatalf("cascade delete: %v", err)
	}
	if s.Count() != 0 {
		t.Fatalf("count = %d after cascade", s.Count())
	}
}

func TestEventOrderMatchesMutationOrder(t *testing.T) {
	events := bus.New(nil)
	sub := events.Subscribe("test", 1024)
	s := newTestStore(t, LayoutFlat, WithBus(events), WithSelfWriteRing(watch.NewSelfWriteRing(0)))

	// One goroutine creates, another updates each task as soon as it exists.
	// Every task-added event must reach the bus before its task-updated.
	const rounds = 200
	ids := make(chan string, rounds)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(ids)
		for i := 0; i < rounds; i++ {
			created, err := s.Create(CreateInput{Title: "ordered", Project: "p"})
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			ids <- created.ID
		}
	}()
	go func() {
		defer wg.Done()
		status := StatusDone
		for id := range ids {
			if _, err := s.Update(id, Patch{Status: &status}); err != nil {
				t.Errorf("Update: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	added := make(map[string]bool)
	for i := 0; i < 2*rounds; i++ {
		select {
		case ev := <-sub.C:
			switch ev.Kind {
			case bus.TaskAdded:
				added[ev.ID] = true
			case bus.TaskUpdated:
				if !added[ev.ID] {
					t.Fatalf("updated event for %s arrived before its added event", ev.ID)
				}
			default:
				t.Fatalf("unexpected event %s", ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d events arrived", i, 2*rounds)
		}
	}
}

func TestListFiltersAndOrder(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	s := newTestStore(t, LayoutFlat, WithClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}))
	a := mustCreate(t, s, CreateInput{Title: "a", Project: "p", Category: "infra"})
	b := mustCreate(t, s, CreateInput{Title: "b", Project: "p"})
	mustCreate(t, s, CreateInput{Title: "other", Project: "q"})

	status := StatusDone
	if _, err := s.Update(a.ID, Patch{Status: &status}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	listed := s.List(ListOptions{Project: "p"})
	if len(listed) != 2 {
		t.Fatalf("project filter: %d", len(listed))
	}
	// a was updated last, so it leads.
	if listed[0].ID != a.ID || listed[1].ID != b.ID {
		t.Fatalf("order = %s, %s", listed[0].ID, listed[1].ID)
	}
	if got := s.List(ListOptions{Status: StatusDone}); len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("status filter: %+v", got)
	}
	if got := s.List(ListOptions{Category: "infra"}); len(got) != 1 {
		t.Fatalf("category filter: %d", len(got))
	}
}

func TestGetContext(t *testing.T) {
	s := newTestStore(t, LayoutFlat)
	parent := mustCreate(t, s, CreateInput{Title: "parent", Project: "p"})
	me := mustCreate(t, s, CreateInput{Title: "me", Project: "p", ParentID: parent.ID})
	sib := mustCreate(t, s, CreateInput{Title: "sibling", Project: "p", ParentID: parent.ID})
	kid := mustCreate(t, s, CreateInput{Title: "kid", Project: "p", ParentID: me.ID})
	for i := 0; i < 12; i++ {
		mustCreate(t, s, CreateInput{Title: "noise", Project: "p"})
	}

	ctx, err := s.GetContext(me.ID)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if ctx.Parent == nil || ctx.Parent.ID != parent.ID {
		t.Fatalf("parent = %+v", ctx.Parent)
	}
	if len(ctx.Siblings) != 1 || ctx.Siblings[0].ID != sib.ID {
		t.Fatalf("siblings = %+v", ctx.Siblings)
	}
	if len(ctx.Children) != 1 || ctx.Children[0].ID != kid.ID {
		t.Fatalf("children = %+v", ctx.Children)
	}
	if len(ctx.Related) != contextExtraLimit {
		t.Fatalf("related = %d, want %d", len(ctx.Related), contextExtraLimit)
	}
}

func TestMemoryConnectionsClampRelevance(t *testing.T) {
	s := newTestStore(t, LayoutFlat)
	created := mustCreate(t, s, CreateInput{
		Title:   "linked",
		Project: "p",
		MemoryConnections: []MemoryConnection{
			{MemoryID: "m1", ConnectionType: "reference", Relevance: 1.5},
			{MemoryID: "m2", ConnectionType: "context", Relevance: -0.2},
		},
	})
	if created.MemoryConnections[0].Relevance != 1 || created.MemoryConnections[1].Relevance != 0 {
		t.Fatalf("relevance not clamped: %+v", created.MemoryConnections)
	}
}

func TestFilesLayoutRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, LayoutFiles, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	created := mustCreate(t, s, CreateInput{
		Title:       "per file",
		Description: "body text\nwith lines",
		Project:     "p",
		Priority:    PriorityUrgent,
		Tags:        []string{"x"},
		MemoryConnections: []MemoryConnection{
			{MemoryID: "m1", ConnectionType: "reference", Relevance: 0.8},
		},
	})

	if _, err := os.Stat(filepath.Join(dir, "p", "task-"+created.ID+".md")); err != nil {
		t.Fatalf("task file missing: %v", err)
	}

	reopened, err := NewStore(dir, LayoutFiles, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := reopened.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reopened.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != created.Title || got.Description != created.Description ||
		got.Priority != created.Priority || got.Serial != created.Serial {
		t.Fatalf("roundtrip mismatch:\n got %+v\nwant %+v", got, created)
	}
	if len(got.MemoryConnections) != 1 || got.MemoryConnections[0].Relevance != 0.8 {
		t.Fatalf("connections = %+v", got.MemoryConnections)
	}
}

func TestMixedRootRefused(t *testing.T) {
	dir := t.TempDir()
	proj := filepath.Join(dir, "p")
	if err := os.MkdirAll(proj, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(proj, "tasks.json"), []byte("[]"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(proj, "task-abc.md"), []byte("---\nid: abc\n---\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewStore(dir, LayoutFlat, nil); !memcore.IsKind(err, memcore.KindConflict) {
		t.Fatalf("expected conflict for mixed root, got %v", err)
	}
}

func TestLayoutMismatchRefused(t *testing.T) {
	dir := t.TempDir()
	proj := filepath.Join(dir, "p")
	if err := os.MkdirAll(proj, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(proj, "tasks.json"), []byte("[]"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewStore(dir, LayoutFiles, nil); !memcore.IsKind(err, memcore.KindConflict) {
		t.Fatalf("expected conflict for layout mismatch, got %v", err)
	}
}

func TestMigrateFlatToFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, LayoutFlat, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	a := mustCreate(t, s, CreateInput{Title: "a", Project: "p", Description: "body"})
	b := mustCreate(t, s, CreateInput{Title: "b", Project: "p"})

	report, err := Migrate(dir, LayoutFlat, LayoutFiles, nil)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if report.Tasks != 2 || report.Projects != 1 {
		t.Fatalf("report = %+v", report)
	}
	if _, err := os.Stat(filepath.Join(dir, "p", "tasks.json")); !os.IsNotExist(err) {
		t.Fatal("source tasks.json should be removed")
	}

	migrated, err := NewStore(dir, LayoutFiles, nil)
	if err != nil {
		t.Fatalf("NewStore after migrate: %v", err)
	}
	if err := migrated.Load(); err != nil {
		t.Fatalf("Load after migrate: %v", err)
	}
	for _, id := range []string{a.ID, b.ID} {
		if _, err := migrated.Get(id); err != nil {
			t.Fatalf("task %s lost in migration: %v", id, err)
		}
	}
	gotA, _ := migrated.Get(a.ID)
	if gotA.Description != "body" || gotA.Serial != a.Serial {
		t.Fatalf("migrated task mismatch: %+v", gotA)
	}
}

func TestReconcileExternalFlatEdit(t *testing.T) {
	events := bus.New(nil)
	sub := events.Subscribe("test", 16)
	ring := watch.NewSelfWriteRing(0)
	dir := t.TempDir()
	s, err := NewStore(dir, LayoutFlat, nil, WithBus(events), WithSelfWriteRing(ring))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	created := mustCreate(t, s, CreateInput{Title: "ours", Project: "p"})
	<-sub.C

	// Our own persist is suppressed.
	path := filepath.Join(dir, "p", "tasks.json")
	if err := s.ReconcilePath(path); err != nil {
		t.Fatalf("ReconcilePath: %v", err)
	}
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %s for self-write", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}

	// An external rewrite adds a task and drops ours.
	external := []*Task{{
		ID:      "ext-1",
		Serial:  7,
		Title:   "external",
		Status:  StatusTodo,
		Project: "p",
		Created: time.Now().UTC(),
		Updated: time.Now().UTC(),
	}}
	data, _ := json.Marshal(external)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.ReconcilePath(path); err != nil {
		t.Fatalf("ReconcilePath: %v", err)
	}

	kinds := map[bus.Kind]int{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C:
			kinds[ev.Kind]++
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", kinds)
		}
	}
	if kinds[bus.TaskDeleted] != 1 || kinds[bus.TaskAdded] != 1 {
		t.Fatalf("kinds = %v", kinds)
	}
	if _, err := s.Get(created.ID); !memcore.IsKind(err, memcore.KindNotFound) {
		t.Fatalf("dropped task still indexed: %v", err)
	}
	if _, err := s.Get("ext-1"); err != nil {
		t.Fatalf("external task not indexed: %v", err)
	}
}
