package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/relaysync/syncd/pkg/adapter"
	"github.com/relaysync/syncd/pkg/store"
)

// ActionKind is the sum type the Planner emits, consumed by the Executor
// (spec.md §9: "exception-driven conflict control flow is replaced by a
// sum-type Action").
type ActionKind string

const (
	ActionUpload       ActionKind = "upload"
	ActionDownload     ActionKind = "download"
	ActionDeleteLocal  ActionKind = "delete_local"
	ActionDeleteRemote ActionKind = "delete_remote"
	ActionConflict     ActionKind = "conflict"
	ActionNoOp         ActionKind = "noop"
	ActionRemoveState  ActionKind = "remove_state"
	// ActionAdoptSynced handles the New/New identical-content row: no
	// transfer occurs, the path is adopted directly as Synced.
	ActionAdoptSynced ActionKind = "adopt_synced"
)

// ConflictReason documents why the Planner emitted a Conflict action.
type ConflictReason string

const (
	ConflictBothModified             ConflictReason = "both_modified"
	ConflictModifiedDeletedInTarget  ConflictReason = "modified_in_source_deleted_in_target"
	ConflictDeletedModifiedInTarget  ConflictReason = "deleted_in_source_modified_in_target"
	ConflictTypeMismatch             ConflictReason = "type_conflict"
	ConflictDifferentContent         ConflictReason = "new_new_content_differs"
	ConflictUnhandledCombination     ConflictReason = "unhandled_combination"
)

// PlannedAction is one row of a SyncPlan (spec.md §3).
type PlannedAction struct {
	Path           string
	Kind           ActionKind
	IsDirectory    bool
	Local          *adapter.SyncItem
	Remote         *adapter.SyncItem
	ConflictReason ConflictReason
	Warning        string
}

// SyncPlan is the Planner's transient output (spec.md §3).
type SyncPlan struct {
	Uploads       []PlannedAction
	Downloads     []PlannedAction
	LocalDeletes  []PlannedAction
	RemoteDeletes []PlannedAction
	Conflicts     []PlannedAction
	NoOps         []PlannedAction
	RemoveStates  []PlannedAction
	AdoptSynced   []PlannedAction
	Warnings      []string
}

// All returns every action across all buckets, ordered per Order.
func (p *SyncPlan) All() []PlannedAction {
	all := make([]PlannedAction, 0,
		len(p.Uploads)+len(p.Downloads)+len(p.LocalDeletes)+len(p.RemoteDeletes)+
			len(p.Conflicts)+len(p.NoOps)+len(p.RemoveStates)+len(p.AdoptSynced))
	all = append(all, p.Uploads...)
	all = append(all, p.Downloads...)
	all = append(all, p.LocalDeletes...)
	all = append(all, p.RemoteDeletes...)
	all = append(all, p.Conflicts...)
	all = append(all, p.NoOps...)
	all = append(all, p.RemoveStates...)
	all = append(all, p.AdoptSynced...)
	return Order(all)
}

// Planner turns change triplets into a SyncPlan per the action table in
// spec.md §4.E.
type Planner struct {
	detector *Detector
}

func NewPlanner(detector *Detector) *Planner {
	return &Planner{detector: detector}
}

// Plan evaluates every triplet against the action table.
func (p *Planner) Plan(ctx context.Context, triplets []Triplet, opts SyncOptions) (*SyncPlan, error) {
	plan := &SyncPlan{}

	for _, t := range triplets {
		action, err := p.planOne(ctx, t, opts)
		if err != nil {
			return nil, err
		}
		if action == nil {
			continue
		}
		switch action.Kind {
		case ActionUpload:
			plan.Uploads = append(plan.Uploads, *action)
		case ActionDownload:
			plan.Downloads = append(plan.Downloads, *action)
		case ActionDeleteLocal:
			plan.LocalDeletes = append(plan.LocalDeletes, *action)
		case ActionDeleteRemote:
			plan.RemoteDeletes = append(plan.RemoteDeletes, *action)
		case ActionConflict:
			plan.Conflicts = append(plan.Conflicts, *action)
		case ActionNoOp:
			plan.NoOps = append(plan.NoOps, *action)
			if action.Warning != "" {
				plan.Warnings = append(plan.Warnings, action.Warning)
			}
		case ActionRemoveState:
			plan.RemoveStates = append(plan.RemoveStates, *action)
		case ActionAdoptSynced:
			plan.AdoptSynced = append(plan.AdoptSynced, *action)
		}
	}
	return plan, nil
}

// rowKind reduces a SideChange to the five categories spec.md §4.E's table
// is keyed on: Unchanged (present, matches shadow), New, Modified, Deleted,
// Absent (never observed on this side).
func rowKind(s SideChange) string {
	switch s.Kind {
	case ChangeDeleted:
		return "Deleted"
	case ChangeNew:
		return "New"
	case ChangeModified:
		return "Modified"
	default:
		if s.Item == nil {
			return "Absent"
		}
		return "Unchanged"
	}
}

func (p *Planner) planOne(ctx context.Context, t Triplet, opts SyncOptions) (*PlannedAction, error) {
	local, remote := t.Local, t.Remote

	if local.Item != nil && remote.Item != nil && local.Item.IsDirectory != remote.Item.IsDirectory {
		return &PlannedAction{
			Path: t.Path, Kind: ActionConflict, Local: local.Item, Remote: remote.Item,
			ConflictReason: ConflictTypeMismatch,
		}, nil
	}

	lk, rk := rowKind(local), rowKind(remote)
	isDir := isDirectoryHint(local.Item, remote.Item, t.Stored)

	base := PlannedAction{Path: t.Path, IsDirectory: isDir, Local: local.Item, Remote: remote.Item}

	switch {
	case lk == "Unchanged" && rk == "Unchanged":
		base.Kind = ActionNoOp
		return &base, nil

	case lk == "New" && rk == "Absent":
		base.Kind = ActionUpload
		return &base, nil

	case lk == "Absent" && rk == "New":
		base.Kind = ActionDownload
		return &base, nil

	case lk == "Modified" && rk == "Unchanged":
		if !opts.UpdateExisting {
			base.Kind = ActionNoOp
			return &base, nil
		}
		base.Kind = ActionUpload
		return &base, nil

	case lk == "Unchanged" && rk == "Modified":
		if !opts.UpdateExisting {
			base.Kind = ActionNoOp
			return &base, nil
		}
		base.Kind = ActionDownload
		return &base, nil

	case lk == "Deleted" && rk == "Unchanged":
		if opts.DeleteExtraneous {
			base.Kind = ActionDeleteRemote
			return &base, nil
		}
		base.Kind = ActionNoOp
		base.Warning = fmt.Sprintf("delete of %s not propagated to remote: DeleteExtraneous is off", t.Path)
		return &base, nil

	case lk == "Unchanged" && rk == "Deleted":
		base.Kind = ActionDeleteLocal
		return &base, nil

	case lk == "Deleted" && rk == "Deleted":
		base.Kind = ActionRemoveState
		return &base, nil

	case lk == "New" && rk == "New":
		return p.planNewNew(ctx, t, base)

	case lk == "Modified" && rk == "Modified":
		if !opts.UpdateExisting {
			base.Kind = ActionNoOp
			return &base, nil
		}
		base.Kind = ActionConflict
		base.ConflictReason = ConflictBothModified
		return &base, nil

	case lk == "Modified" && rk == "Deleted":
		base.Kind = ActionConflict
		base.ConflictReason = ConflictModifiedDeletedInTarget
		return &base, nil

	case lk == "Deleted" && rk == "Modified":
		base.Kind = ActionConflict
		base.ConflictReason = ConflictDeletedModifiedInTarget
		return &base, nil

	default:
		// Combination spec.md §4.E's table does not enumerate (e.g. a path
		// new on one side while the other has diverged from its own shadow
		// without ever being observed on this side). Treated as a Conflict
		// so it surfaces for resolution rather than silently picking a side.
		base.Kind = ActionConflict
		base.ConflictReason = ConflictUnhandledCombination
		base.Warning = fmt.Sprintf("unhandled change combination for %s: local=%s remote=%s", t.Path, lk, rk)
		return &base, nil
	}
}

func (p *Planner) planNewNew(ctx context.Context, t Triplet, base PlannedAction) (*PlannedAction, error) {
	if t.Local.Item.IsDirectory || t.Remote.Item.IsDirectory {
		base.Kind = ActionAdoptSynced
		return &base, nil
	}

	localHash, err := p.detector.hash(ctx, t.Path, t.Local.Item, p.detector.localAdapter)
	if err != nil {
		return nil, err
	}
	remoteHash, err := p.detector.hash(ctx, t.Path, t.Remote.Item, p.detector.remoteAdapter)
	if err != nil {
		return nil, err
	}
	if localHash == remoteHash {
		base.Kind = ActionAdoptSynced
		return &base, nil
	}
	base.Kind = ActionConflict
	base.ConflictReason = ConflictDifferentContent
	return &base, nil
}

func isDirectoryHint(local, remote *adapter.SyncItem, stored *store.SyncState) bool {
	if local != nil {
		return local.IsDirectory
	}
	if remote != nil {
		return remote.IsDirectory
	}
	if stored != nil {
		return stored.IsDirectory
	}
	return false
}

// Order applies the stable ordering requirement of spec.md §4.E:
// lexicographic by path, with directory-delete actions moved to a
// secondary pass in reverse lexicographic order so children are removed
// before their parent directory.
func Order(actions []PlannedAction) []PlannedAction {
	var regular, dirDeletes []PlannedAction
	for _, a := range actions {
		if a.IsDirectory && (a.Kind == ActionDeleteLocal || a.Kind == ActionDeleteRemote) {
			dirDeletes = append(dirDeletes, a)
		} else {
			regular = append(regular, a)
		}
	}
	sort.Slice(regular, func(i, j int) bool { return regular[i].Path < regular[j].Path })
	sort.Slice(dirDeletes, func(i, j int) bool { return dirDeletes[i].Path > dirDeletes[j].Path })
	return append(regular, dirDeletes...)
}

// commonPrefix reports whether child is nested under dir, used by the
// Executor to confirm a directory's create action has already run before
// dispatching a file action beneath it.
func commonPrefix(dir, child string) bool {
	return strings.HasPrefix(child, dir+"/")
}
