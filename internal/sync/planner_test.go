package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaysync/syncd/pkg/adapter"
)

func newTestPlanner(t *testing.T) *Planner {
	t.Helper()
	local := newFakeAdapter("local", true)
	remote := newFakeAdapter("remote", true)
	d, err := NewDetector(local, remote, 0)
	require.NoError(t, err)
	return NewPlanner(d)
}

func TestPlannerUploadOnNew(t *testing.T) {
	p := newTestPlanner(t)
	triplets := []Triplet{{
		Path:  "a.txt",
		Local: SideChange{Kind: ChangeNew, Item: &adapter.SyncItem{Path: "a.txt", Size: 10}},
	}}
	plan, err := p.Plan(context.Background(), triplets, SyncOptions{})
	require.NoError(t, err)
	require.Len(t, plan.Uploads, 1)
	require.Equal(t, "a.txt", plan.Uploads[0].Path)
}

func TestPlannerDeleteExtraneousOff(t *testing.T) {
	p := newTestPlanner(t)
	triplets := []Triplet{{
		Path:   "old.log",
		Local:  SideChange{Kind: ChangeDeleted},
		Remote: SideChange{Kind: ChangeUnchanged, Item: &adapter.SyncItem{Path: "old.log", Size: 5}},
	}}
	plan, err := p.Plan(context.Background(), triplets, SyncOptions{DeleteExtraneous: false})
	require.NoError(t, err)
	require.Len(t, plan.RemoteDeletes, 0)
	require.Len(t, plan.NoOps, 1)
	require.Len(t, plan.Warnings, 1)
}

func TestPlannerDeleteExtraneousOn(t *testing.T) {
	p := newTestPlanner(t)
	triplets := []Triplet{{
		Path:   "old.log",
		Local:  SideChange{Kind: ChangeDeleted},
		Remote: SideChange{Kind: ChangeUnchanged, Item: &adapter.SyncItem{Path: "old.log", Size: 5}},
	}}
	plan, err := p.Plan(context.Background(), triplets, SyncOptions{DeleteExtraneous: true})
	require.NoError(t, err)
	require.Len(t, plan.RemoteDeletes, 1)
}

func TestPlannerBothDeletedRemovesState(t *testing.T) {
	p := newTestPlanner(t)
	triplets := []Triplet{{
		Path:   "gone.txt",
		Local:  SideChange{Kind: ChangeDeleted},
		Remote: SideChange{Kind: ChangeDeleted},
	}}
	plan, err := p.Plan(context.Background(), triplets, SyncOptions{})
	require.NoError(t, err)
	require.Len(t, plan.RemoveStates, 1)
}

func TestPlannerNewNewIdenticalAdoptsSynced(t *testing.T) {
	p := newTestPlanner(t)
	triplets := []Triplet{{
		Path:   "img.bin",
		Local:  SideChange{Kind: ChangeNew, Item: &adapter.SyncItem{Path: "img.bin", Size: 100, Hash: "same"}},
		Remote: SideChange{Kind: ChangeNew, Item: &adapter.SyncItem{Path: "img.bin", Size: 100, Hash: "same"}},
	}}
	plan, err := p.Plan(context.Background(), triplets, SyncOptions{})
	require.NoError(t, err)
	require.Len(t, plan.AdoptSynced, 1)
	require.Len(t, plan.Conflicts, 0)
}

func TestPlannerNewNewDifferentContentConflicts(t *testing.T) {
	p := newTestPlanner(t)
	triplets := []Triplet{{
		Path:   "img.bin",
		Local:  SideChange{Kind: ChangeNew, Item: &adapter.SyncItem{Path: "img.bin", Size: 100, Hash: "aaa"}},
		Remote: SideChange{Kind: ChangeNew, Item: &adapter.SyncItem{Path: "img.bin", Size: 100, Hash: "bbb"}},
	}}
	plan, err := p.Plan(context.Background(), triplets, SyncOptions{})
	require.NoError(t, err)
	require.Len(t, plan.Conflicts, 1)
	require.Equal(t, ConflictDifferentContent, plan.Conflicts[0].ConflictReason)
}

func TestPlannerUpdateExistingFalseDowngradesModified(t *testing.T) {
	p := newTestPlanner(t)
	triplets := []Triplet{{
		Path:   "notes.md",
		Local:  SideChange{Kind: ChangeModified, Item: &adapter.SyncItem{Path: "notes.md", Size: 20}},
		Remote: SideChange{Kind: ChangeUnchanged, Item: &adapter.SyncItem{Path: "notes.md", Size: 10}},
	}}
	plan, err := p.Plan(context.Background(), triplets, SyncOptions{UpdateExisting: false})
	require.NoError(t, err)
	require.Len(t, plan.Uploads, 0)
	require.Len(t, plan.NoOps, 1)
}

func TestPlannerTypeMismatchConflicts(t *testing.T) {
	p := newTestPlanner(t)
	triplets := []Triplet{{
		Path:   "thing",
		Local:  SideChange{Kind: ChangeNew, Item: &adapter.SyncItem{Path: "thing", IsDirectory: true}},
		Remote: SideChange{Kind: ChangeNew, Item: &adapter.SyncItem{Path: "thing", IsDirectory: false}},
	}}
	plan, err := p.Plan(context.Background(), triplets, SyncOptions{})
	require.NoError(t, err)
	require.Len(t, plan.Conflicts, 1)
	require.Equal(t, ConflictTypeMismatch, plan.Conflicts[0].ConflictReason)
}

func TestOrderDirectoryDeletesReversed(t *testing.T) {
	actions := []PlannedAction{
		{Path: "a", Kind: ActionDeleteLocal, IsDirectory: true},
		{Path: "a/b", Kind: ActionDeleteLocal, IsDirectory: true},
		{Path: "z.txt", Kind: ActionUpload},
	}
	ordered := Order(actions)
	require.Equal(t, "z.txt", ordered[0].Path)
	require.Equal(t, "a/b", ordered[1].Path)
	require.Equal(t, "a", ordered[2].Path)
}
