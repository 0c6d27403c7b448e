package memory

import (
	"strings"
	"testing"

	"membank/internal/frontmatter"
)

func TestTitleFromHeading(t *testing.T) {
	m := &Memory{Content: "# Release checklist\n\n- step one"}
	if got := m.Title(); got != "Release checklist" {
		t.Fatalf("Title = %q", got)
	}
	m = &Memory{Content: "plain first line\nsecond"}
	if got := m.Title(); got != "plain first line" {
		t.Fatalf("Title = %q", got)
	}
}

func TestClassifyComplexity(t *testing.T) {
	cases := []struct {
		content string
		want    int
	}{
		{"short", 1},
		{strings.Repeat("x", 600), 2},
		{strings.Repeat("x", 2100), 3},
		{strings.Repeat("x", 2100) + "\n```go\ncode\n```", 4},
		{"- a\n- b\n- c\n- d\n- e", 2},
	}
	for _, tc := range cases {
		if got := classifyComplexity(tc.content); got != tc.want {
			t.Errorf("complexity(%d chars) = %d, want %d", len(tc.content), got, tc.want)
		}
	}
}

func TestNormalizeDefaultsInvalidEnums(t *testing.T) {
	m := &Memory{Content: "x", Project: "../weird name!", Category: "nope", Priority: "urgent?", Status: ""}
	m.normalize()
	if m.Category != CategoryPersonal || m.Priority != PriorityMedium || m.Status != StatusActive {
		t.Fatalf("defaults not applied: %+v", m)
	}
	if strings.ContainsAny(m.Project, "./! ") {
		t.Fatalf("project not sanitized: %q", m.Project)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := &Memory{
		ID:      "abc-123",
		Content: "Body with a colon: here\n\nAnd a second paragraph.",
		Project: "proj",
		Tags:    []string{"one", "two"},
	}
	m.normalize()
	m.Timestamp = m.Timestamp.UTC()

	data := m.encode()
	meta, body, err := frontmatter.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	back, err := fromFile("proj/x.md", meta, body)
	if err != nil {
		t.Fatalf("fromFile: %v", err)
	}
	if back.ID != m.ID || back.Content != m.Content || back.Project != m.Project {
		t.Fatalf("roundtrip mismatch:\n got %+v\nwant %+v", back, m)
	}
	if len(back.Tags) != 2 || back.Tags[0] != "one" {
		t.Fatalf("tags = %v", back.Tags)
	}
	if back.ContentHash != m.ContentHash {
		t.Fatal("content hash not stable across roundtrip")
	}
}
