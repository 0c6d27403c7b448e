// Package paths maps free-form user input to safe on-disk names.
package paths

import (
	"strings"
)

const (
	// DefaultProject groups records whose project was omitted or sanitized
	// down to nothing.
	DefaultProject = "default"

	maxProjectLen = 50
	maxSlugLen    = 40
)

// SanitizeProject derives a directory-safe slug from a user-supplied project
// name: characters outside [A-Za-z0-9_-] are stripped and the result is
// truncated to 50 bytes. Empty results fall back to "default".
func SanitizeProject(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > maxProjectLen {
		out = out[:maxProjectLen]
	}
	if out == "" {
		return DefaultProject
	}
	return out
}

// Slug derives a lowercase hyphenated filename fragment from content,
// typically its first line.
func Slug(content string) string {
	line := content
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimLeft(line, "# ")

	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(line) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "memory"
	}
	return out
}
