package sync

import (
	gitignore "github.com/sabhiram/go-gitignore"
)

// defaultPriorityPatterns names paths that should jump the queue ahead of a
// full sync pass, grounded on the teacher's SyncPriorityList
// (sync_priority.go): ACL-shaped control files where a delayed sync
// introduces a race window.
var defaultPriorityPatterns = []string{
	"**/*.lock",
	"**/.syncmarker",
}

// priorityList matches relative paths against a gitignore-style pattern set
// to decide whether a watcher event should trigger an immediate targeted
// sync rather than waiting for the next full pass.
type priorityList struct {
	compiled *gitignore.GitIgnore
}

func newPriorityList(extra ...string) *priorityList {
	patterns := append(append([]string{}, defaultPriorityPatterns...), extra...)
	return &priorityList{compiled: gitignore.CompileIgnoreLines(patterns...)}
}

func (p *priorityList) shouldPrioritize(path string) bool {
	if p == nil || p.compiled == nil {
		return false
	}
	return p.compiled.MatchesPath(path)
}
