package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaysync/syncd/pkg/adapter"
)

func TestPreferNewerPicksLaterModTime(t *testing.T) {
	now := time.Now()
	a := ConflictAnalysis{
		Local:  &adapter.SyncItem{LastModified: now},
		Remote: &adapter.SyncItem{LastModified: now.Add(-time.Hour)},
	}
	require.Equal(t, ResolutionUseLocal, PreferNewer(a))
}

func TestPreferNewerMissingMtimeSkips(t *testing.T) {
	a := ConflictAnalysis{
		Local:  &adapter.SyncItem{},
		Remote: &adapter.SyncItem{LastModified: time.Now()},
	}
	require.Equal(t, ResolutionSkip, PreferNewer(a))
}

func TestPreferNewerTieBreaksBySize(t *testing.T) {
	now := time.Now()
	a := ConflictAnalysis{
		Local:  &adapter.SyncItem{LastModified: now, Size: 100},
		Remote: &adapter.SyncItem{LastModified: now, Size: 50},
	}
	require.Equal(t, ResolutionUseLocal, PreferNewer(a))
}

func TestSmartDelegatesAndDowngradesAsk(t *testing.T) {
	resolver := Smart(func(a ConflictAnalysis) ConflictResolution {
		require.NotEmpty(t, a.Recommendation)
		return ResolutionAsk
	})
	got := resolver(ConflictAnalysis{Local: &adapter.SyncItem{}, Remote: &adapter.SyncItem{}})
	require.Equal(t, ResolutionSkip, got)
}

func TestResolverForUnknownName(t *testing.T) {
	_, err := ResolverFor("bogus", nil)
	require.Error(t, err)
}

func TestRenamedPathFormat(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := RenamedPath("docs/notes.md", at, "abcdef0123456789")
	require.Equal(t, "docs/notes.conflict-20260102T030405Z-abcdef01.md", got)
}

func TestFindConflictSiblingsMatchesPattern(t *testing.T) {
	candidates := []string{
		"docs/notes.conflict-20260101T000000Z-aaaaaaaa.md",
		"docs/notes.md",
		"docs/other.md",
	}
	got := FindConflictSiblings("docs/notes.md", candidates)
	require.Equal(t, []string{"docs/notes.conflict-20260101T000000Z-aaaaaaaa.md"}, got)
}
