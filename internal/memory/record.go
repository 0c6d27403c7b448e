package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"membank/internal/frontmatter"
	"membank/internal/paths"
)

// Category classifies a memory.
type Category string

const (
	CategoryPersonal      Category = "personal"
	CategoryWork          Category = "work"
	CategoryCode          Category = "code"
	CategoryResearch      Category = "research"
	CategoryConversations Category = "conversations"
	CategoryPreferences   Category = "preferences"
)

// Categories lists every valid category.
var Categories = []Category{
	CategoryPersonal, CategoryWork, CategoryCode,
	CategoryResearch, CategoryConversations, CategoryPreferences,
}

// ValidCategory reports whether c is a recognized category.
func ValidCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Priority ranks a memory.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ValidPriority reports whether p is a recognized priority.
func ValidPriority(p Priority) bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// Status tracks a memory's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusArchived  Status = "archived"
	StatusReference Status = "reference"
)

// ValidStatus reports whether s is a recognized status.
func ValidStatus(s Status) bool {
	return s == StatusActive || s == StatusArchived || s == StatusReference
}

// Memory is one durable markdown note. The file under
// <root>/<project>/<date>--<slug>-<suffix>.md is the source of truth; the id
// in its frontmatter is authoritative, the filename informational.
type Memory struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	LastAccessed    time.Time `json:"last_accessed"`
	AccessCount     int       `json:"access_count"`
	Content         string    `json:"content"`
	Project         string    `json:"project"`
	Category        Category  `json:"category"`
	Tags            []string  `json:"tags"`
	Priority        Priority  `json:"priority"`
	Status          Status    `json:"status"`
	Complexity      int       `json:"complexity"`
	RelatedMemories []string  `json:"related_memories,omitempty"`
	ContentHash     string    `json:"content_hash"`

	// path is where the record was loaded from or written to.
	path string
}

// Path reports the on-disk location backing this record.
func (m *Memory) Path() string { return m.path }

// Clone returns a deep copy safe to hand to callers outside the store lock.
func (m *Memory) Clone() *Memory {
	out := *m
	out.Tags = append([]string(nil), m.Tags...)
	out.RelatedMemories = append([]string(nil), m.RelatedMemories...)
	return &out
}

// Title extracts the human title: the first heading line, or the first line.
func (m *Memory) Title() string {
	line := m.Content
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimSpace(strings.TrimLeft(line, "# "))
}

func (m *Memory) normalize() {
	m.Project = paths.SanitizeProject(m.Project)
	if !ValidCategory(m.Category) {
		m.Category = CategoryPersonal
	}
	if !ValidPriority(m.Priority) {
		m.Priority = PriorityMedium
	}
	if !ValidStatus(m.Status) {
		m.Status = StatusActive
	}
	m.Tags = normalizeTags(m.Tags)
	m.Complexity = classifyComplexity(m.Content)
	m.ContentHash = hashContent(m.Content)
}

// normalizeTags lowercases, trims, dedups, and sorts.
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// hashContent returns the dedup hash: first 16 bytes of SHA-256, hex.
func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:16])
}

// classifyComplexity scores content 1-4 from length and structure.
func classifyComplexity(content string) int {
	score := 1
	if len(content) > 500 {
		score++
	}
	if len(content) > 2000 {
		score++
	}
	if strings.Contains(content, "```") || countListItems(content) >= 5 {
		score++
	}
	if score > 4 {
		score = 4
	}
	return score
}

func countListItems(content string) int {
	n := 0
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			n++
		}
	}
	return n
}

// fileName derives the informational filename for a new memory.
func fileName(m *Memory) string {
	suffix := m.ID
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	return fmt.Sprintf("%s--%s-%s.md",
		m.Timestamp.UTC().Format("2006-01-02"), paths.Slug(m.Content), suffix)
}

const timeLayout = time.RFC3339

func (m *Memory) toMetadata() frontmatter.Metadata {
	meta := frontmatter.Metadata{
		"id":           m.ID,
		"timestamp":    m.Timestamp.UTC().Format(timeLayout),
		"access_count": m.AccessCount,
		"project":      m.Project,
		"category":     string(m.Category),
		"tags":         append([]string(nil), m.Tags...),
		"priority":     string(m.Priority),
		"status":       string(m.Status),
		"complexity":   m.Complexity,
		"content_hash": m.ContentHash,
	}
	if !m.LastAccessed.IsZero() {
		meta["last_accessed"] = m.LastAccessed.UTC().Format(timeLayout)
	}
	if len(m.RelatedMemories) > 0 {
		meta["related_memories"] = append([]string(nil), m.RelatedMemories...)
	}
	return meta
}

// fromFile reconstructs a record from parsed file content.
func fromFile(path string, meta frontmatter.Metadata, body string) (*Memory, error) {
	id := meta.GetString("id")
	if id == "" {
		return nil, fmt.Errorf("missing id in %s", filepath.Base(path))
	}
	m := &Memory{
		ID:              id,
		AccessCount:     meta.GetInt("access_count"),
		Content:         strings.TrimRight(body, "\n"),
		Project:         meta.GetString("project"),
		Category:        Category(meta.GetString("category")),
		Tags:            meta.GetStringSlice("tags"),
		Priority:        Priority(meta.GetString("priority")),
		Status:          Status(meta.GetString("status")),
		RelatedMemories: meta.GetStringSlice("related_memories"),
		path:            path,
	}
	if ts, err := time.Parse(timeLayout, meta.GetString("timestamp")); err == nil {
		m.Timestamp = ts
	} else {
		m.Timestamp = time.Now().UTC()
	}
	if la, err := time.Parse(timeLayout, meta.GetString("last_accessed")); err == nil {
		m.LastAccessed = la
	}
	m.normalize()
	return m, nil
}

// encode renders the record back to file bytes.
func (m *Memory) encode() []byte {
	body := m.Content
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	return frontmatter.Serialize(m.toMetadata(), body)
}
