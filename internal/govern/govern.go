// Package govern implements the path-exclusion predicates the pipeline
// consumes: a fixed governance filter for sensitive-looking paths and
// operator-configured ignore globs. Paths matching either predicate never
// enter the baseline and never generate events.
package govern

import (
	"path/filepath"
	"strings"
)

// governanceKeywords are always excluded, case-insensitively, to keep
// regulated or personal content out of the baseline and event stream.
var governanceKeywords = []string{"secret", "personal", "private", "pii"}

// Filter combines the governance keyword check with ignore globs.
type Filter struct {
	globs         []string
	includeHidden bool
}

// New builds a filter from operator ignore globs. Hidden files and
// directories are excluded unless includeHidden is set.
func New(globs []string, includeHidden bool) *Filter {
	return &Filter{globs: globs, includeHidden: includeHidden}
}

// Excluded reports whether a slash-separated relative path must be kept out
// of the pipeline. Directory walks call this before descending, so an
// excluded directory is never traversed.
func (f *Filter) Excluded(relPath string) bool {
	rel := filepath.ToSlash(relPath)
	lower := strings.ToLower(rel)

	for _, kw := range governanceKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}

	segments := strings.Split(rel, "/")
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if !f.includeHidden && strings.HasPrefix(seg, ".") {
			return true
		}
		for _, glob := range f.globs {
			if ok, err := filepath.Match(glob, seg); err == nil && ok {
				return true
			}
		}
	}

	for _, glob := range f.globs {
		if ok, err := filepath.Match(glob, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// Description summarizes the active predicates for the config API.
func (f *Filter) Description() string {
	parts := []string{"keywords:" + strings.Join(governanceKeywords, ",")}
	if !f.includeHidden {
		parts = append(parts, "hidden:excluded")
	}
	if len(f.globs) > 0 {
		parts = append(parts, "globs:"+strings.Join(f.globs, ","))
	}
	return strings.Join(parts, " ")
}
