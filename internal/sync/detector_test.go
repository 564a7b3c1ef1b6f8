package sync

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaysync/syncd/pkg/adapter"
	"github.com/relaysync/syncd/pkg/store"
)

// fakeAdapter is a minimal in-memory adapter.StorageAdapter for detector
// and planner tests, grounded on the teacher's test doubles in
// sync_engine_test.go.
type fakeAdapter struct {
	name   string
	caps   adapter.Capabilities
	hashes map[string]string
}

func newFakeAdapter(name string, supportsTimestamps bool) *fakeAdapter {
	return &fakeAdapter{
		name:   name,
		caps:   adapter.Capabilities{SupportsTimestamps: supportsTimestamps, SupportsAtomicRename: true},
		hashes: map[string]string{},
	}
}

func (f *fakeAdapter) Name() string                        { return f.name }
func (f *fakeAdapter) Capabilities() adapter.Capabilities   { return f.caps }
func (f *fakeAdapter) List(ctx context.Context, prefix string) (<-chan adapter.ListResult, error) {
	ch := make(chan adapter.ListResult)
	close(ch)
	return ch, nil
}
func (f *fakeAdapter) Stat(ctx context.Context, path string) (*adapter.SyncItem, error) { return nil, nil }
func (f *fakeAdapter) Read(ctx context.Context, path string) (io.ReadCloser, error)     { return nil, nil }
func (f *fakeAdapter) Write(ctx context.Context, path string, r io.Reader, expectedSize int64) error {
	return nil
}
func (f *fakeAdapter) Delete(ctx context.Context, path string, isDirectory bool) error { return nil }
func (f *fakeAdapter) Rename(ctx context.Context, oldPath, newPath string) error       { return nil }
func (f *fakeAdapter) Hash(ctx context.Context, path string) (string, error) {
	if h, ok := f.hashes[path]; ok {
		return h, nil
	}
	return "deadbeef", nil
}
func (f *fakeAdapter) TestConnection(ctx context.Context) (bool, error) { return true, nil }

func TestDetectorNewLocalFile(t *testing.T) {
	local := newFakeAdapter("local", true)
	remote := newFakeAdapter("remote", true)
	d, err := NewDetector(local, remote, 0)
	require.NoError(t, err)

	now := time.Now()
	triplets, err := d.Detect(context.Background(),
		map[string]*adapter.SyncItem{"a.txt": {Path: "a.txt", Size: 10, LastModified: now}},
		map[string]*adapter.SyncItem{},
		map[string]*store.SyncState{},
		SyncOptions{},
	)
	require.NoError(t, err)
	require.Len(t, triplets, 1)
	require.Equal(t, ChangeNew, triplets[0].Local.Kind)
	require.Equal(t, ChangeUnchanged, triplets[0].Remote.Kind)
}

func TestDetectorUnchangedBothSides(t *testing.T) {
	local := newFakeAdapter("local", true)
	remote := newFakeAdapter("remote", true)
	d, err := NewDetector(local, remote, 0)
	require.NoError(t, err)

	now := time.Now()
	st := &store.SyncState{
		Path: "a.txt", LocalSize: 10, LocalModified: now, RemoteSize: 10, RemoteModified: now,
		Status: store.StatusSynced,
	}
	triplets, err := d.Detect(context.Background(),
		map[string]*adapter.SyncItem{"a.txt": {Path: "a.txt", Size: 10, LastModified: now}},
		map[string]*adapter.SyncItem{"a.txt": {Path: "a.txt", Size: 10, LastModified: now}},
		map[string]*store.SyncState{"a.txt": st},
		SyncOptions{},
	)
	require.NoError(t, err)
	require.Len(t, triplets, 1)
	require.Equal(t, ChangeUnchanged, triplets[0].Local.Kind)
	require.Equal(t, ChangeUnchanged, triplets[0].Remote.Kind)
}

func TestDetectorDeletedLocal(t *testing.T) {
	local := newFakeAdapter("local", true)
	remote := newFakeAdapter("remote", true)
	d, err := NewDetector(local, remote, 0)
	require.NoError(t, err)

	now := time.Now()
	st := &store.SyncState{Path: "a.txt", LocalSize: 10, LocalModified: now, Status: store.StatusSynced}
	triplets, err := d.Detect(context.Background(),
		map[string]*adapter.SyncItem{},
		map[string]*adapter.SyncItem{},
		map[string]*store.SyncState{"a.txt": st},
		SyncOptions{},
	)
	require.NoError(t, err)
	require.Len(t, triplets, 1)
	require.Equal(t, ChangeDeleted, triplets[0].Local.Kind)
}

func TestDetectorFallsBackToHashWithoutMtimeSupport(t *testing.T) {
	local := newFakeAdapter("local", false)
	remote := newFakeAdapter("remote", false)
	local.hashes["a.txt"] = "same-hash"
	d, err := NewDetector(local, remote, 0)
	require.NoError(t, err)

	st := &store.SyncState{Path: "a.txt", LocalSize: 10, LocalHash: "same-hash", Status: store.StatusSynced}
	triplets, err := d.Detect(context.Background(),
		map[string]*adapter.SyncItem{"a.txt": {Path: "a.txt", Size: 10}},
		map[string]*adapter.SyncItem{},
		map[string]*store.SyncState{"a.txt": st},
		SyncOptions{},
	)
	require.NoError(t, err)
	require.Equal(t, ChangeUnchanged, triplets[0].Local.Kind)
}

func TestDetectorChecksumOnly(t *testing.T) {
	local := newFakeAdapter("local", true)
	remote := newFakeAdapter("remote", true)
	local.hashes["a.txt"] = "hash-a"
	d, err := NewDetector(local, remote, 0)
	require.NoError(t, err)

	st := &store.SyncState{Path: "a.txt", LocalHash: "hash-b", Status: store.StatusSynced}
	triplets, err := d.Detect(context.Background(),
		map[string]*adapter.SyncItem{"a.txt": {Path: "a.txt", Size: 10}},
		map[string]*adapter.SyncItem{},
		map[string]*store.SyncState{"a.txt": st},
		SyncOptions{ChecksumOnly: true},
	)
	require.NoError(t, err)
	require.Equal(t, ChangeModified, triplets[0].Local.Kind)
}
