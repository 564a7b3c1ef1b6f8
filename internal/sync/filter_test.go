package sync

import "testing"

func TestFilterExcludesBasePatterns(t *testing.T) {
	f := NewFilter([]string{"*.tmp", "logs/", "**/*.conflict-*"})

	if !f.Excludes("a.tmp") {
		t.Error("expected a.tmp to be excluded")
	}
	if !f.Excludes("logs/today.log") {
		t.Error("expected logs/today.log to be excluded")
	}
	if !f.Excludes("a/b/notes.conflict-20260101T000000Z-ab12cd34.md") {
		t.Error("expected conflict-marked sibling to be excluded")
	}
	if f.Excludes("keep.txt") {
		t.Error("expected keep.txt to be included")
	}
}

func TestFilterAdditionalExcludesAreRunScoped(t *testing.T) {
	f := NewFilter([]string{"*.tmp"})

	if !f.Excludes("b.bak", "*.bak") {
		t.Error("expected b.bak to be excluded when *.bak passed as additional")
	}
	if f.Excludes("b.bak") {
		t.Error("additional excludes must not persist across calls")
	}
}
