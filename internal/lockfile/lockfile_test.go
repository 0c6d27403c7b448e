package lockfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"membank/internal/memcore"
)

func TestAcquireWritesInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".mcp.lock")
	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if info.PID != os.Getpid() || info.Started.IsZero() {
		t.Fatalf("info = %+v", info)
	}
}

func TestReleaseRemovesFileAndAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".mcp.lock")
	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("lock file should be removed on release")
	}

	again, err := Acquire(path)
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	again.Release()
}

func TestDoubleReleaseIsSafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".mcp.lock")
	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestSecondWriterDeclined(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".mcp.lock")
	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	// A second acquire uses a fresh descriptor and must be refused.
	_, err = Acquire(path)
	if !memcore.IsKind(err, memcore.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
