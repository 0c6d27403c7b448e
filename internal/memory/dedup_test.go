package memory

import (
	"os"
	"testing"
	"time"
)

func TestDedupPlanLeavesFilesAlone(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	s := newTestStore(t, WithClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}))

	oldest := mustAdd(t, s, AddInput{Content: "duplicate body", Project: "p"})
	newer := mustAdd(t, s, AddInput{Content: "duplicate body", Project: "p"})
	unique := mustAdd(t, s, AddInput{Content: "one of a kind", Project: "p"})

	report, err := s.Dedup(false)
	if err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if report.Applied {
		t.Fatal("plan-only pass must not mark applied")
	}
	if len(report.Groups) != 1 || report.Removed != 1 {
		t.Fatalf("report = %+v", report)
	}
	group := report.Groups[0]
	if group.Survivor != oldest.ID {
		t.Fatalf("survivor = %s, want oldest %s", group.Survivor, oldest.ID)
	}
	if len(group.Removals) != 1 || group.Removals[0] != newer.ID {
		t.Fatalf("removals = %v", group.Removals)
	}
	if group.ContentHash != oldest.ContentHash {
		t.Fatalf("group keyed by %s, want %s", group.ContentHash, oldest.ContentHash)
	}

	// Files untouched by the dry run.
	for _, m := range []*Memory{oldest, newer, unique} {
		if _, err := os.Stat(m.Path()); err != nil {
			t.Fatalf("file for %s missing after plan: %v", m.ID, err)
		}
	}
	if s.Count() != 3 {
		t.Fatalf("count = %d", s.Count())
	}
}

func TestDedupApplyRemovesDuplicates(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	s := newTestStore(t, WithClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}))

	oldest := mustAdd(t, s, AddInput{Content: "duplicate body", Project: "p"})
	newer := mustAdd(t, s, AddInput{Content: "duplicate body", Project: "p"})

	report, err := s.Dedup(true)
	if err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if !report.Applied || report.Removed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if _, err := s.Get(oldest.ID); err != nil {
		t.Fatalf("survivor gone: %v", err)
	}
	if _, err := os.Stat(newer.Path()); !os.IsNotExist(err) {
		t.Fatal("duplicate file should be deleted")
	}
	if s.Count() != 1 {
		t.Fatalf("count = %d", s.Count())
	}
}
