package enumerate

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// patternSet splits a list of exclude patterns into exact names (fast map
// lookup) and glob patterns (require doublestar.Match), mirroring the
// split the main pipeline also uses for its own exclusion checks.
type patternSet struct {
	exact map[string]struct{}
	globs []string
}

func newPatternSet(patterns []string) patternSet {
	ps := patternSet{exact: make(map[string]struct{})}
	for _, p := range patterns {
		if strings.ContainsAny(p, "*?[") {
			ps.globs = append(ps.globs, p)
		} else {
			ps.exact[filepath.ToSlash(p)] = struct{}{}
		}
	}
	return ps
}

func (ps patternSet) empty() bool {
	return len(ps.exact) == 0 && len(ps.globs) == 0
}

// ShouldExclude reports whether path is excluded by any of patterns,
// applying the three-way rule: the path's own normalized form matches, any
// ancestor directory matches, or any ancestor directory with "/*" appended
// matches. It is a pure function of its two arguments so it can be used
// identically by the main pipeline's enumerator and by the independent
// scan counter.
func ShouldExclude(path string, patterns []string) bool {
	ps := newPatternSet(patterns)
	if ps.empty() {
		return false
	}
	return ps.matches(path)
}

func (ps patternSet) matches(path string) bool {
	norm := normalize(path)
	segments := strings.Split(strings.TrimPrefix(norm, "/"), "/")

	leadingSlash := strings.HasPrefix(norm, "/")
	prefix := ""
	for i := 0; i < len(segments); i++ {
		if prefix == "" {
			prefix = segments[i]
		} else {
			prefix = prefix + "/" + segments[i]
		}
		candidate := prefix
		if leadingSlash {
			candidate = "/" + prefix
		}

		if _, ok := ps.exact[candidate]; ok {
			return true
		}
		for _, pattern := range ps.globs {
			if matched, _ := doublestar.Match(pattern, candidate); matched {
				return true
			}
			if matched, _ := doublestar.Match(pattern, candidate+"/*"); matched {
				return true
			}
		}
	}
	return false
}

func normalize(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}
