package bolt

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaysync/syncd/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "state.bolt"))
	require.NoError(t, s.Init())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Upsert(&store.SyncState{
		Path: "docs/readme.md", LocalHash: "abc123", LocalModified: now,
		Status: store.StatusLocalNew,
	}))

	got, err := s.Get("docs/readme.md")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "abc123", got.LocalHash)
	require.True(t, now.Equal(got.LocalModified))
}

func TestBoltGetMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get("nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestBoltDeleteAndList(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&store.SyncState{Path: "a.txt", Status: store.StatusSynced}))
	require.NoError(t, s.Upsert(&store.SyncState{Path: "b.txt", Status: store.StatusConflict}))

	all, err := s.ListAll()
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, s.Delete("a.txt"))
	all, err = s.ListAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "b.txt", all[0].Path)

	conflicts, err := s.ListByStatus(store.StatusConflict)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
}

func TestBoltHistory(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.AppendHistory(&store.OperationRecord{
		Timestamp: now.Add(-time.Hour), Path: "a.txt", ActionType: store.ActionUpload, Success: true,
	}))
	require.NoError(t, s.AppendHistory(&store.OperationRecord{
		Timestamp: now, Path: "b.txt", ActionType: store.ActionDownload, Success: false,
	}))

	recent, err := s.RecentHistory(10, now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "b.txt", recent[0].Path)

	purged, err := s.PurgeHistoryBefore(now.Add(-30 * time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, purged)
}

func TestBoltStats(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&store.SyncState{Path: "a.txt", Status: store.StatusSynced}))
	require.NoError(t, s.Upsert(&store.SyncState{Path: "b.txt", Status: store.StatusConflict}))

	stats, err := s.Stats()
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalPaths)
	require.Equal(t, 1, stats.CountByStatus[store.StatusSynced])
}
