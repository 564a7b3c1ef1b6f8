// Package sync implements the synchronization engine: path normalization,
// change detection, planning, conflict resolution, and execution.
package sync

import (
	gitignore "github.com/sabhiram/go-gitignore"
)

// Filter decides include/exclude for canonical relative paths using an
// ordered list of gitignore-style glob patterns, grounded on the teacher's
// SyncIgnoreList (internal/client/sync/sync_ignore.go). A path is included
// iff no pattern matches it (spec.md §4.A).
type Filter struct {
	base    []string
	compiled *gitignore.GitIgnore
}

// NewFilter compiles patterns into a reusable Filter. "*" matches within a
// path segment, "**" matches any number of segments, a trailing "/" matches
// a directory subtree — standard gitignore semantics, which is exactly what
// spec.md §4.A specifies.
func NewFilter(patterns []string) *Filter {
	f := &Filter{base: append([]string(nil), patterns...)}
	f.compiled = gitignore.CompileIgnoreLines(f.base...)
	return f
}

// Patterns returns the engine-level patterns this filter was built from.
func (f *Filter) Patterns() []string {
	return append([]string(nil), f.base...)
}

// Excludes reports whether path should be excluded from a run, given the
// filter's base patterns plus any additional per-run excludes. Additional
// patterns are concatenated for this call only and never mutate the
// receiver (spec.md §4.A: "per-run additional excludes are concatenated to
// engine-level patterns for that run only").
func (f *Filter) Excludes(path string, additional ...string) bool {
	if len(additional) == 0 {
		if f.compiled == nil {
			return false
		}
		return f.compiled.MatchesPath(path)
	}
	merged := gitignore.CompileIgnoreLines(append(append([]string(nil), f.base...), additional...)...)
	return merged.MatchesPath(path)
}
