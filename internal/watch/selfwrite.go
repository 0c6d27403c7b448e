package watch

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// HashBytes fingerprints file content for self-write matching: first 16
// bytes of SHA-256, hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// DefaultSelfWriteWindow is how long a recorded self-write suppresses
// watcher events for its path.
const DefaultSelfWriteWindow = 2 * time.Second

type writeRecord struct {
	hash     string
	recorded time.Time
}

// SelfWriteRing remembers recent writes performed by this process so the
// watcher can tell them apart from external edits. Entries expire after the
// suppression window; capacity bounds memory on write bursts.
type SelfWriteRing struct {
	lru    *expirable.LRU[string, writeRecord]
	window time.Duration
}

// NewSelfWriteRing builds a ring with the given window (DefaultSelfWriteWindow
// when <= 0).
func NewSelfWriteRing(window time.Duration) *SelfWriteRing {
	if window <= 0 {
		window = DefaultSelfWriteWindow
	}
	return &SelfWriteRing{
		lru:    expirable.NewLRU[string, writeRecord](512, nil, window),
		window: window,
	}
}

// Record notes a write of path with the given content hash.
func (r *SelfWriteRing) Record(path, hash string) {
	if r == nil {
		return
	}
	r.lru.Add(filepath.Clean(path), writeRecord{hash: hash, recorded: time.Now()})
}

// Match reports whether an observed (path, hash) pair corresponds to a recent
// self-write. An empty hash matches on path alone (deletes).
func (r *SelfWriteRing) Match(path, hash string) bool {
	if r == nil {
		return false
	}
	rec, ok := r.lru.Get(filepath.Clean(path))
	if !ok {
		return false
	}
	if time.Since(rec.recorded) > r.window {
		return false
	}
	return hash == "" || rec.hash == hash
}
