package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaysync/syncd/pkg/store"
)

func newTestEngine(t *testing.T, local, remote *memAdapter) *Engine {
	t.Helper()
	st := newTestStore(t)
	e, err := NewEngine(local, remote, st, EngineConfig{})
	require.NoError(t, err)
	return e
}

func TestEngineSynchronizeUploadsNewLocalFile(t *testing.T) {
	local := newMemAdapter("local")
	remote := newMemAdapter("remote")
	local.put("a.txt", "new file")

	e := newTestEngine(t, local, remote)
	result, err := e.Synchronize(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Synchronized)

	content, ok := remote.get("a.txt")
	require.True(t, ok)
	require.Equal(t, "new file", content)
	require.Equal(t, StateIdle, e.State())
}

func TestEngineGetSyncPlanDoesNotMutate(t *testing.T) {
	local := newMemAdapter("local")
	remote := newMemAdapter("remote")
	local.put("b.txt", "plan only")

	e := newTestEngine(t, local, remote)
	plan, err := e.GetSyncPlan(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.Len(t, plan.Uploads, 1)

	_, ok := remote.get("b.txt")
	require.False(t, ok)
}

func TestEngineSyncFolderScopesToPrefix(t *testing.T) {
	local := newMemAdapter("local")
	remote := newMemAdapter("remote")
	local.put("keep/in.txt", "scoped")
	local.put("other/out.txt", "unscoped")

	e := newTestEngine(t, local, remote)
	result, err := e.SyncFolder(context.Background(), "keep", SyncOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Synchronized)

	_, inScope := remote.get("keep/in.txt")
	require.True(t, inScope)
	_, outOfScope := remote.get("other/out.txt")
	require.False(t, outOfScope)
}

func TestEngineSyncFilesRestrictsToGivenPaths(t *testing.T) {
	local := newMemAdapter("local")
	remote := newMemAdapter("remote")
	local.put("one.txt", "first")
	local.put("two.txt", "second")

	e := newTestEngine(t, local, remote)
	result, err := e.SyncFiles(context.Background(), []string{"one.txt"}, SyncOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Synchronized)

	_, ok := remote.get("one.txt")
	require.True(t, ok)
	_, ok = remote.get("two.txt")
	require.False(t, ok)
}

func TestEngineConcurrentSynchronizeRejected(t *testing.T) {
	local := newMemAdapter("local")
	remote := newMemAdapter("remote")
	e := newTestEngine(t, local, remote)

	e.runMu.Lock()
	defer e.runMu.Unlock()

	_, err := e.Synchronize(context.Background(), SyncOptions{})
	require.ErrorIs(t, err, ErrSyncInProgress)
}

func TestEngineNotifyLocalChangeCoalescesDuplicates(t *testing.T) {
	local := newMemAdapter("local")
	remote := newMemAdapter("remote")
	e := newTestEngine(t, local, remote)

	e.NotifyLocalChange("c.txt", ChangeNew)
	e.NotifyLocalChange("c.txt", ChangeModified)

	pending := e.drainPending()
	require.Len(t, pending, 1)
	require.Equal(t, ChangeModified, pending["c.txt"])
}

func TestEngineSetPriorityPatternsAddsCustomGlob(t *testing.T) {
	local := newMemAdapter("local")
	remote := newMemAdapter("remote")
	e := newTestEngine(t, local, remote)

	require.False(t, e.priority.shouldPrioritize("app/state.json"))
	e.SetPriorityPatterns("**/state.json")
	require.True(t, e.priority.shouldPrioritize("app/state.json"))
	require.True(t, e.priority.shouldPrioritize("a.lock")) // default pattern still active
}

// TestEngineSecondSynchronizeIsIdempotent is scenario 1 of spec.md §8: once
// a path has synced, a second run over unchanged state must emit zero
// non-NoOp actions, with matching size/mtime/hash recorded on both sides.
func TestEngineSecondSynchronizeIsIdempotent(t *testing.T) {
	local := newMemAdapter("local")
	remote := newMemAdapter("remote")
	local.put("a.txt", "0123456789")

	e := newTestEngine(t, local, remote)
	first, err := e.Synchronize(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, first.Synchronized)

	st, err := e.st.Get("a.txt")
	require.NoError(t, err)
	require.Equal(t, int64(10), st.LocalSize)
	require.Equal(t, int64(10), st.RemoteSize)
	require.NotEmpty(t, st.LocalHash)
	require.Equal(t, st.LocalHash, st.RemoteHash)

	second, err := e.Synchronize(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, second.Synchronized)
	require.Equal(t, 0, second.Conflicted)
}

func TestEngineGetPendingOperationsExcludesSyncedAndIgnored(t *testing.T) {
	local := newMemAdapter("local")
	remote := newMemAdapter("remote")
	e := newTestEngine(t, local, remote)

	require.NoError(t, e.st.Upsert(&store.SyncState{Path: "synced.txt", Status: store.StatusSynced}))
	require.NoError(t, e.st.Upsert(&store.SyncState{Path: "ignored.txt", Status: store.StatusIgnored}))
	require.NoError(t, e.st.Upsert(&store.SyncState{Path: "conflict.txt", Status: store.StatusConflict}))

	pending, err := e.GetPendingOperations()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "conflict.txt", pending[0].Path)
}

func TestEngineClearOperationHistoryPurgesOldEntries(t *testing.T) {
	local := newMemAdapter("local")
	remote := newMemAdapter("remote")
	e := newTestEngine(t, local, remote)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, e.st.AppendHistory(&store.OperationRecord{Timestamp: old, Path: "x.txt", ActionType: store.ActionUpload, Success: true}))

	n, err := e.ClearOperationHistory(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestEngineCancelStopsInFlightRun(t *testing.T) {
	local := newMemAdapter("local")
	remote := newMemAdapter("remote")
	for i := 0; i < 5; i++ {
		local.put(string(rune('a'+i))+".txt", "payload")
	}
	e := newTestEngine(t, local, remote)

	cancelled := false
	e.ctrlMu.Lock()
	e.curCancel = func() { cancelled = true }
	e.ctrlMu.Unlock()
	e.Cancel() // exercises the Cancel path against a stubbed in-flight run
	require.True(t, cancelled)
	require.Equal(t, StateStopping, e.State())
}
