// Package frontmatter implements the fixed frontmatter grammar used by every
// markdown file in the corpus: a `---` delimited header of flat key/value
// pairs followed by a free-form body.
//
// The grammar is deliberately a YAML subset. A full YAML library would accept
// nested maps and block scalars that do not survive a roundtrip through this
// codec, so parsing is hand-rolled.
package frontmatter

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const delimiter = "---"

// ErrUnterminated marks a file whose header never closes. Such files are
// skipped from indexing.
var ErrUnterminated = errors.New("frontmatter: missing closing delimiter")

// Metadata holds parsed header values. Values are string, int, bool, or
// []string. Unknown keys are preserved.
type Metadata map[string]any

// Parse splits data into metadata and body.
//
// A file that does not begin with `---` is treated as all body with empty
// metadata (tolerant mode). A file whose header never closes returns
// ErrUnterminated.
func Parse(data []byte) (Metadata, string, error) {
	text := string(data)
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\r") != delimiter {
		return Metadata{}, text, nil
	}

	meta := Metadata{}
	closed := -1
	for i := 1; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if line == delimiter {
			closed = i
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			// Malformed header lines are skipped rather than fatal.
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		meta[key] = parseValue(strings.TrimSpace(value))
	}
	if closed < 0 {
		return nil, "", ErrUnterminated
	}

	body := strings.Join(lines[closed+1:], "\n")
	body = strings.TrimPrefix(body, "\n")
	return meta, body, nil
}

func parseValue(raw string) any {
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		inner := strings.TrimSpace(raw[1 : len(raw)-1])
		if inner == "" {
			return []string{}
		}
		parts := strings.Split(inner, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			item := unquote(strings.TrimSpace(p))
			if item != "" {
				out = append(out, item)
			}
		}
		return out
	}
	if unquoted, wasQuoted := maybeUnquote(raw); wasQuoted {
		return unquoted
	}
	if raw == "true" {
		return true
	}
	if raw == "false" {
		return false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return raw
}

func maybeUnquote(s string) (string, bool) {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1], true
		}
	}
	return s, false
}

func unquote(s string) string {
	out, _ := maybeUnquote(s)
	return out
}

// canonicalOrder fixes the serialization order for well-known keys so files
// diff cleanly; unknown keys follow alphabetically.
var canonicalOrder = []string{
	"id", "timestamp", "last_accessed", "access_count",
	"project", "category", "tags", "priority", "status",
	"complexity", "related_memories", "content_hash",
	"serial", "title", "description", "created", "updated",
	"parent_id", "level", "memory_connections",
}

// Serialize renders metadata and body back into file bytes.
func Serialize(meta Metadata, body string) []byte {
	var b strings.Builder
	b.WriteString(delimiter)
	b.WriteString("\n")

	written := make(map[string]bool, len(meta))
	for _, key := range canonicalOrder {
		if v, ok := meta[key]; ok {
			writeEntry(&b, key, v)
			written[key] = true
		}
	}
	rest := make([]string, 0, len(meta))
	for key := range meta {
		if !written[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		writeEntry(&b, key, meta[key])
	}

	b.WriteString(delimiter)
	b.WriteString("\n")
	if body != "" {
		b.WriteString("\n")
		b.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			b.WriteString("\n")
		}
	}
	return []byte(b.String())
}

func writeEntry(b *strings.Builder, key string, value any) {
	switch v := value.(type) {
	case []string:
		quoted := make([]string, len(v))
		for i, item := range v {
			quoted[i] = quoteScalar(item)
		}
		fmt.Fprintf(b, "%s: [%s]\n", key, strings.Join(quoted, ", "))
	case bool:
		fmt.Fprintf(b, "%s: %t\n", key, v)
	case int:
		fmt.Fprintf(b, "%s: %d\n", key, v)
	case int64:
		fmt.Fprintf(b, "%s: %d\n", key, v)
	case string:
		fmt.Fprintf(b, "%s: %s\n", key, quoteScalar(v))
	default:
		fmt.Fprintf(b, "%s: %s\n", key, quoteScalar(fmt.Sprintf("%v", v)))
	}
}

// quoteScalar quotes strings that would otherwise be reparsed as a different
// type or break the line grammar.
func quoteScalar(s string) string {
	if s == "" {
		return `""`
	}
	needsQuote := s == "true" || s == "false" ||
		strings.ContainsAny(s, ":,[]\"'\n") ||
		strings.TrimSpace(s) != s
	if !needsQuote {
		if _, err := strconv.Atoi(s); err == nil {
			needsQuote = true
		}
	}
	if needsQuote {
		return `"` + strings.ReplaceAll(strings.ReplaceAll(s, "\n", " "), `"`, `'`) + `"`
	}
	return s
}

// GetString fetches a string value, tolerating absent keys.
func (m Metadata) GetString(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// GetInt fetches an integer value, tolerating absent or mistyped keys.
func (m Metadata) GetInt(key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// GetBool fetches a boolean value.
func (m Metadata) GetBool(key string) bool {
	v, _ := m[key].(bool)
	return v
}

// GetStringSlice fetches a list value. A bare string is promoted to a
// single-element list.
func (m Metadata) GetStringSlice(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}
