package policy

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// PathMatcher matches request paths against glob patterns. `*` matches
// within one path segment, `**` crosses segments, `?` matches a single
// character.
type PathMatcher struct {
	patterns []string
}

// NewPathMatcher validates and compiles the pattern list.
func NewPathMatcher(patterns []string) (*PathMatcher, error) {
	pm := &PathMatcher{patterns: make([]string, 0, len(patterns))}
	for _, p := range patterns {
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("path pattern %q must start with /", p)
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid path pattern %q", p)
		}
		pm.patterns = append(pm.patterns, p)
	}
	return pm, nil
}

// Matches reports whether any pattern matches the path. Query strings
// must be stripped by the caller.
func (pm *PathMatcher) Matches(path string) bool {
	for _, p := range pm.patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

// LongestMatch returns the length of the longest matching pattern, or 0
// when none match. Used to break ties between rules.
func (pm *PathMatcher) LongestMatch(path string) int {
	best := 0
	for _, p := range pm.patterns {
		if ok, _ := doublestar.Match(p, path); ok && len(p) > best {
			best = len(p)
		}
	}
	return best
}
