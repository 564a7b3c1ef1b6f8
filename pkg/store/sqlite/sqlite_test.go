package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaysync/syncd/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s := New(dbPath)
	require.NoError(t, s.Init())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreUpsertAndGet(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	state := &store.SyncState{
		Path:          "docs/readme.md",
		LocalHash:     "abc123",
		LocalModified: now,
		LocalSize:     42,
		Status:        store.StatusLocalNew,
		LastSyncTime:  now,
	}
	require.NoError(t, s.Upsert(state))

	got, err := s.Get("docs/readme.md")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "abc123", got.LocalHash)
	require.Equal(t, store.StatusLocalNew, got.Status)
	require.WithinDuration(t, now, got.LocalModified, time.Second)
}

func TestStoreGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get("nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStoreUpsertUpdatesExisting(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&store.SyncState{Path: "a.txt", Status: store.StatusSynced}))
	require.NoError(t, s.Upsert(&store.SyncState{Path: "a.txt", Status: store.StatusConflict, SyncAttempts: 3}))

	got, err := s.Get("a.txt")
	require.NoError(t, err)
	require.Equal(t, store.StatusConflict, got.Status)
	require.Equal(t, 3, got.SyncAttempts)
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&store.SyncState{Path: "a.txt", Status: store.StatusSynced}))
	require.NoError(t, s.Delete("a.txt"))

	got, err := s.Get("a.txt")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStoreListAllAndByStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&store.SyncState{Path: "a.txt", Status: store.StatusSynced}))
	require.NoError(t, s.Upsert(&store.SyncState{Path: "b.txt", Status: store.StatusConflict}))
	require.NoError(t, s.Upsert(&store.SyncState{Path: "c.txt", Status: store.StatusConflict}))

	all, err := s.ListAll()
	require.NoError(t, err)
	require.Len(t, all, 3)

	conflicts, err := s.ListByStatus(store.StatusConflict)
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
}

func TestStoreHistoryAppendAndRecent(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.AppendHistory(&store.OperationRecord{
		Timestamp: now.Add(-time.Hour), Path: "a.txt",
		ActionType: store.ActionUpload, Success: true, BytesTransferred: 100,
	}))
	require.NoError(t, s.AppendHistory(&store.OperationRecord{
		Timestamp: now, Path: "b.txt",
		ActionType: store.ActionDownload, Success: false, ErrorMessage: "boom",
	}))

	recent, err := s.RecentHistory(10, now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "b.txt", recent[0].Path)

	purged, err := s.PurgeHistoryBefore(now.Add(-30 * time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	remaining, err := s.RecentHistory(10, time.Time{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestStoreStats(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&store.SyncState{Path: "a.txt", Status: store.StatusSynced}))
	require.NoError(t, s.Upsert(&store.SyncState{Path: "b.txt", Status: store.StatusConflict}))

	stats, err := s.Stats()
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalPaths)
	require.Equal(t, 1, stats.CountByStatus[store.StatusSynced])
	require.Equal(t, 1, stats.CountByStatus[store.StatusConflict])
}

func TestStoreLockPreventsSecondOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	first := New(dbPath)
	require.NoError(t, first.Init())
	defer first.Close()

	second := New(dbPath)
	err := second.Init()
	require.Error(t, err)
}
