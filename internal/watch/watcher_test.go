package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingReconciler struct {
	mu       sync.Mutex
	added    []string
	removed  []string
	rescans  int
	rescanCh chan struct{}
}

func (r *recordingReconciler) ReconcilePath(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, path)
	return nil
}

func (r *recordingReconciler) RemovePath(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, path)
	return nil
}

func (r *recordingReconciler) Rescan() error {
	r.mu.Lock()
	r.rescans++
	r.mu.Unlock()
	if r.rescanCh != nil {
		select {
		case r.rescanCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (r *recordingReconciler) snapshot() (added, removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.added...), append([]string(nil), r.removed...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestWatcherReconcilesCreateAndDelete(t *testing.T) {
	dir := t.TempDir()
	rec := &recordingReconciler{}
	w := New(nil, []Root{{Dir: dir, Reconciler: rec}}, WithDebounce(50*time.Millisecond))
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "note.md")
	if err := os.WriteFile(path, []byte("---\nid: x\n---\nbody\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		added, _ := rec.snapshot()
		return len(added) > 0
	})
	added, _ := rec.snapshot()
	if filepath.Base(added[0]) != "note.md" {
		t.Fatalf("reconciled %q", added[0])
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		_, removed := rec.snapshot()
		return len(removed) > 0
	})
}

func TestWatcherIgnoresTempAndHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &recordingReconciler{}
	w := New(nil, []Root{{Dir: dir, Reconciler: rec}}, WithDebounce(30*time.Millisecond))
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	_ = os.WriteFile(filepath.Join(dir, "scratch.md.tmp"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, ".hidden.md"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	time.Sleep(300 * time.Millisecond)
	added, removed := rec.snapshot()
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("unexpected reconciliation: added=%v removed=%v", added, removed)
	}
}

func TestWatcherPeriodicRescan(t *testing.T) {
	dir := t.TempDir()
	rec := &recordingReconciler{rescanCh: make(chan struct{}, 1)}
	w := New(nil, []Root{{Dir: dir, Reconciler: rec}}, WithRescanInterval(60*time.Millisecond))
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	select {
	case <-rec.rescanCh:
	case <-time.After(5 * time.Second):
		t.Fatal("rescan never fired")
	}
}

func TestSelfWriteRing(t *testing.T) {
	ring := NewSelfWriteRing(100 * time.Millisecond)
	ring.Record("/tmp/a.md", "h1")

	if !ring.Match("/tmp/a.md", "h1") {
		t.Fatal("expected match on same hash")
	}
	if ring.Match("/tmp/a.md", "h2") {
		t.Fatal("hash mismatch must not match")
	}
	if !ring.Match("/tmp/a.md", "") {
		t.Fatal("empty hash matches on path alone")
	}
	if ring.Match("/tmp/b.md", "h1") {
		t.Fatal("unknown path must not match")
	}

	time.Sleep(150 * time.Millisecond)
	if ring.Match("/tmp/a.md", "h1") {
		t.Fatal("entry should have expired")
	}
}
