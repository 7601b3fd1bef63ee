package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// PathMatcher matches normalized paths against pre-compiled glob patterns.
// Patterns compile once at policy load; evaluation never recompiles and
// never sees an invalid pattern.
type PathMatcher struct {
	globs []glob.Glob
	raw   []string
}

// NewPathMatcher compiles a set of glob patterns. A pattern with no glob
// metacharacters matches as a path prefix, so "/etc" covers "/etc/passwd".
func NewPathMatcher(patterns []string) (*PathMatcher, error) {
	m := &PathMatcher{
		globs: make([]glob.Glob, 0, len(patterns)),
		raw:   make([]string, 0, len(patterns)),
	}
	for _, p := range patterns {
		if p == "" {
			return nil, fmt.Errorf("empty path pattern not allowed")
		}
		// Matched paths are cleaned, which drops a leading "./"; keep
		// patterns written either way equivalent.
		p = strings.TrimPrefix(p, "./")
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("path pattern %q: %w", p, err)
		}
		m.globs = append(m.globs, g)
		m.raw = append(m.raw, p)
	}
	return m, nil
}

// Match reports whether path matches any pattern, and which one.
func (m *PathMatcher) Match(path string) (bool, string) {
	if m == nil || len(m.globs) == 0 {
		return false, ""
	}
	// Normalize separators so patterns written with / match on Windows too.
	p := filepath.ToSlash(filepath.Clean(path))

	for i, g := range m.globs {
		if g.Match(p) {
			return true, m.raw[i]
		}
		// Prefix semantics for literal directory patterns.
		if !containsGlobMeta(m.raw[i]) && strings.HasPrefix(p, strings.TrimSuffix(m.raw[i], "/")+"/") {
			return true, m.raw[i]
		}
	}
	return false, ""
}

// Empty reports whether the matcher has no patterns.
func (m *PathMatcher) Empty() bool {
	return m == nil || len(m.globs) == 0
}

// containsGlobMeta returns true if s contains glob metacharacters.
func containsGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// HostMatcher matches destination hosts against a whitelist. Glob patterns
// use '.' as separator so "*.example.com" does not cross subdomain levels.
type HostMatcher struct {
	globs []glob.Glob
	raw   []string
}

// NewHostMatcher compiles a host whitelist.
func NewHostMatcher(patterns []string) (*HostMatcher, error) {
	m := &HostMatcher{
		globs: make([]glob.Glob, 0, len(patterns)),
		raw:   make([]string, 0, len(patterns)),
	}
	for _, p := range patterns {
		if p == "" {
			return nil, fmt.Errorf("empty host pattern not allowed")
		}
		g, err := glob.Compile(strings.ToLower(p), '.')
		if err != nil {
			return nil, fmt.Errorf("host pattern %q: %w", p, err)
		}
		m.globs = append(m.globs, g)
		m.raw = append(m.raw, p)
	}
	return m, nil
}

// Match reports whether host matches any whitelist entry.
func (m *HostMatcher) Match(host string) bool {
	if m == nil {
		return false
	}
	h := strings.ToLower(strings.TrimSpace(host))
	for _, g := range m.globs {
		if g.Match(h) {
			return true
		}
	}
	return false
}

// Empty reports whether the matcher has no patterns.
func (m *HostMatcher) Empty() bool {
	return m == nil || len(m.globs) == 0
}
