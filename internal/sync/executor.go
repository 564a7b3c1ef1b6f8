package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sethvargo/go-retry"
	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/relaysync/syncd/pkg/adapter"
	"github.com/relaysync/syncd/pkg/store"
)

// RunResult aggregates one Executor run's outcome (spec.md §7: "The run's
// SyncResult aggregates counters ... and a nullable top-level error").
type RunResult struct {
	Synchronized int
	Skipped      int
	Conflicted   int
	Deleted      int
	Failed       int
	Warnings     []string
	Cancelled    bool
	Err          error
}

func (r *RunResult) Success() bool { return !r.Cancelled && r.Err == nil }

// Executor performs a SyncPlan's actions with throttling, progress
// reporting, cancellation, pause/resume and retry (spec.md §4.G), grounded
// on the teacher's sync_engine_upload.go / sync_engine_download.go /
// sync_engine_delete.go worker loops, generalized from the teacher's
// hand-rolled WaitGroup+channel pool to golang.org/x/sync/errgroup.
type Executor struct {
	local     adapter.StorageAdapter
	remote    adapter.StorageAdapter
	st        store.Store
	bus       *eventBus
	resolver  ConflictResolver

	workerCount int
	maxRetries  int
	throttle    *throttle

	leases sync.Map // path -> *sync.Mutex

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	WorkerCount       int
	MaxRetries        int
	MaxBytesPerSecond int64
	Resolver          ConflictResolver
}

func NewExecutor(local, remote adapter.StorageAdapter, st store.Store, bus *eventBus, cfg ExecutorConfig) *Executor {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	e := &Executor{
		local: local, remote: remote, st: st, bus: bus,
		resolver:    cfg.Resolver,
		workerCount: cfg.WorkerCount,
		maxRetries:  cfg.MaxRetries,
		throttle:    newThrottle(cfg.MaxBytesPerSecond),
	}
	e.pauseCond = sync.NewCond(&e.pauseMu)
	return e
}

// Pause blocks new action dispatch; in-flight actions run to completion.
func (e *Executor) Pause() {
	e.pauseMu.Lock()
	e.paused = true
	e.pauseMu.Unlock()
}

// Resume restores dispatch after Pause.
func (e *Executor) Resume() {
	e.pauseMu.Lock()
	e.paused = false
	e.pauseMu.Unlock()
	e.pauseCond.Broadcast()
}

func (e *Executor) waitIfPaused(ctx context.Context) error {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	for e.paused {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				e.pauseCond.Broadcast()
			case <-done:
			}
		}()
		e.pauseCond.Wait()
		close(done)
	}
	return ctx.Err()
}

func (e *Executor) lease(path string) *sync.Mutex {
	v, _ := e.leases.LoadOrStore(path, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Execute runs every action in plan, in order, on a bounded worker pool.
// When opts.DryRun is set, no adapter or store writes occur; only counters
// and the plan shape are reported.
func (e *Executor) Execute(ctx context.Context, actions []PlannedAction, opts SyncOptions) *RunResult {
	result := &RunResult{}
	var counters struct {
		synced, skipped, conflicted, deleted, failed int32
	}

	if opts.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	total := len(actions)
	if total == 0 {
		return result
	}

	if opts.DryRun {
		for _, a := range actions {
			tallyDryRun(&counters, a)
		}
		result.Synchronized = int(counters.synced)
		result.Skipped = int(counters.skipped)
		result.Conflicted = int(counters.conflicted)
		result.Deleted = int(counters.deleted)
		return result
	}

	// opts.ConflictResolution overrides the Executor's configured resolver
	// for this run only when it names a built-in (spec.md §4.H).
	if opts.ConflictResolution != "" {
		if resolver, err := ResolverFor(opts.ConflictResolution, nil); err == nil {
			e.resolver = resolver
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workerCount)

	var index int32
	var runErr error
	var runErrMu sync.Mutex
	addErr := func(err error) {
		if err == nil {
			return
		}
		runErrMu.Lock()
		runErr = multierr.Append(runErr, err)
		runErrMu.Unlock()
	}

	for _, action := range actions {
		action := action

		if err := e.waitIfPaused(gctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				result.Cancelled = true
			}
			break
		}
		if gctx.Err() != nil {
			result.Cancelled = true
			break
		}

		// The lease is taken here, in dispatch order, so a later action that
		// waits on it cannot get past it before this action's goroutine runs.
		mu := e.lease(action.Path)
		mu.Lock()
		g.Go(func() error {
			defer mu.Unlock()
			n := atomic.AddInt32(&index, 1)
			e.emitOverall(int(n), total, action)

			e.waitForAncestorDirs(action, actions)

			outcome, err := e.runOne(gctx, action, opts)
			switch outcome {
			case outcomeSynced:
				atomic.AddInt32(&counters.synced, 1)
			case outcomeDeleted:
				atomic.AddInt32(&counters.deleted, 1)
			case outcomeConflicted:
				atomic.AddInt32(&counters.conflicted, 1)
			case outcomeSkipped:
				atomic.AddInt32(&counters.skipped, 1)
			case outcomeFailed:
				atomic.AddInt32(&counters.failed, 1)
			}
			if err != nil && isFatal(err) {
				addErr(err)
				return err
			}
			return nil
		})
	}

	waitErr := g.Wait()
	result.Synchronized = int(atomic.LoadInt32(&counters.synced))
	result.Skipped = int(atomic.LoadInt32(&counters.skipped))
	result.Conflicted = int(atomic.LoadInt32(&counters.conflicted))
	result.Deleted = int(atomic.LoadInt32(&counters.deleted))
	result.Failed = int(atomic.LoadInt32(&counters.failed))

	if ctx.Err() != nil {
		result.Cancelled = true
	}
	if waitErr != nil {
		addErr(waitErr)
	}
	result.Err = runErr
	return result
}

// waitForAncestorDirs blocks until every directory-create action among all
// that is an ancestor of action.Path has finished, so a file is never
// dispatched to a path beneath a directory whose own create action hasn't
// run yet. An ancestor's completion is observed by acquiring and releasing
// its lease, which Execute takes before starting the ancestor action's
// goroutine and which that goroutine releases when the action finishes.
func (e *Executor) waitForAncestorDirs(action PlannedAction, all []PlannedAction) {
	if action.IsDirectory {
		return
	}
	for _, other := range all {
		if !other.IsDirectory || other.Path == action.Path {
			continue
		}
		switch other.Kind {
		case ActionUpload, ActionDownload, ActionAdoptSynced:
		default:
			continue
		}
		if commonPrefix(other.Path, action.Path) {
			mu := e.lease(other.Path)
			mu.Lock()
			mu.Unlock()
		}
	}
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeDeleted
	outcomeConflicted
	outcomeSkipped
	outcomeFailed
)

func tallyDryRun(counters *struct{ synced, skipped, conflicted, deleted, failed int32 }, a PlannedAction) {
	switch a.Kind {
	case ActionUpload, ActionDownload, ActionAdoptSynced:
		counters.synced++
	case ActionDeleteLocal, ActionDeleteRemote, ActionRemoveState:
		counters.deleted++
	case ActionConflict:
		counters.conflicted++
	default:
		counters.skipped++
	}
}

// runOne executes a single action, retrying transient failures per
// spec.md §4.G, and persists the resulting SyncState/OperationRecord.
func (e *Executor) runOne(ctx context.Context, action PlannedAction, opts SyncOptions) (outcome, error) {
	start := time.Now()
	var bytesTransferred int64
	var synced *adapter.SyncItem
	var execErr error

	retryable := func(err error) bool {
		return errors.Is(err, adapter.ErrTransientIO) || errors.Is(err, context.DeadlineExceeded)
	}

	backoff, err := retry.NewExponential(500 * time.Millisecond)
	if err != nil {
		return outcomeFailed, err
	}
	backoff = retry.WithCappedDuration(30*time.Second, backoff)
	backoff = retry.WithJitterPercent(100, backoff)
	backoff = retry.WithMaxRetries(uint64(e.maxRetries), backoff)

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		n, s, err := e.dispatch(ctx, action, opts)
		bytesTransferred = n
		synced = s
		if err != nil {
			if retryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	execErr = err

	duration := time.Since(start)
	actionType := toStoreActionType(action.Kind)

	if execErr != nil {
		if errors.Is(execErr, context.Canceled) {
			e.recordFailure(action.Path, actionType, duration, "cancelled")
			return outcomeFailed, nil
		}
		slog.Error("sync: action failed", "path", action.Path, "kind", action.Kind, "error", execErr, "duration", humanize.RelTime(start, time.Now(), "", ""))
		e.recordFailure(action.Path, actionType, duration, execErr.Error())
		if isFatal(execErr) {
			return outcomeFailed, execErr
		}
		return outcomeFailed, nil
	}

	e.recordSuccess(action, synced, duration, bytesTransferred)

	switch action.Kind {
	case ActionConflict:
		return outcomeConflicted, nil
	case ActionDeleteLocal, ActionDeleteRemote, ActionRemoveState:
		return outcomeDeleted, nil
	case ActionNoOp:
		return outcomeSkipped, nil
	default:
		return outcomeSynced, nil
	}
}

func isFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

func toStoreActionType(k ActionKind) store.ActionType {
	switch k {
	case ActionUpload:
		return store.ActionUpload
	case ActionDownload:
		return store.ActionDownload
	case ActionDeleteLocal:
		return store.ActionDeleteLocal
	case ActionDeleteRemote:
		return store.ActionDeleteRemote
	case ActionConflict:
		return store.ActionConflict
	case ActionAdoptSynced, ActionNoOp, ActionRemoveState:
		return store.ActionSkip
	default:
		return store.ActionSkip
	}
}

// dispatch performs exactly one attempt of action and returns bytes moved
// plus the post-transfer ground truth for the side written to, when one
// was written (nil for actions that don't write file content).
func (e *Executor) dispatch(ctx context.Context, action PlannedAction, opts SyncOptions) (int64, *adapter.SyncItem, error) {
	switch action.Kind {
	case ActionUpload:
		return e.transfer(ctx, e.local, e.remote, action, opts)
	case ActionDownload:
		return e.transfer(ctx, e.remote, e.local, action, opts)
	case ActionDeleteLocal:
		if err := e.local.Delete(ctx, action.Path, action.IsDirectory); err != nil {
			return 0, nil, err
		}
		e.cleanupEmptyParentDirs(ctx, e.local, action.Path)
		return 0, nil, nil
	case ActionDeleteRemote:
		if err := e.remote.Delete(ctx, action.Path, action.IsDirectory); err != nil {
			return 0, nil, err
		}
		e.cleanupEmptyParentDirs(ctx, e.remote, action.Path)
		return 0, nil, nil
	case ActionRemoveState:
		return 0, nil, e.st.Delete(action.Path)
	case ActionNoOp:
		return 0, nil, nil
	case ActionAdoptSynced:
		return 0, nil, e.adoptSynced(action, nil, false)
	case ActionConflict:
		return 0, nil, e.resolveConflict(ctx, action, opts)
	default:
		return 0, nil, fmt.Errorf("sync: unknown action kind %q", action.Kind)
	}
}

// transfer streams src.Read(path) into dst.Write(path, ...), acquiring
// throttle grains per chunk and emitting file-byte progress at ~10 Hz
// (spec.md §4.G). After a successful write it stats and hashes the
// destination so the caller can persist real post-transfer metadata for
// both sides instead of only the side known at plan time (spec.md §8
// idempotence: a second run must see matching hashes on both sides).
func (e *Executor) transfer(ctx context.Context, src, dst adapter.StorageAdapter, action PlannedAction, opts SyncOptions) (int64, *adapter.SyncItem, error) {
	var item *adapter.SyncItem
	if action.Kind == ActionUpload {
		item = action.Local
	} else {
		item = action.Remote
	}
	if item == nil {
		return 0, nil, fmt.Errorf("%w: missing source item for %s", adapter.ErrInvalidPath, action.Path)
	}

	if err := preflightDiskSpace(item.Size); err != nil {
		return 0, nil, err
	}

	r, err := src.Read(ctx, action.Path)
	if err != nil {
		return 0, nil, err
	}
	defer r.Close()

	pr := &throttledReader{ctx: ctx, r: r, th: e.throttle, onProgress: func(n, total int64) {
		e.emitFileProgress(action.Path, action.Kind, n, total)
	}, total: item.Size}

	if err := dst.Write(ctx, action.Path, pr, item.Size); err != nil {
		return pr.transferred, nil, err
	}

	if opts.PreserveTimestamps && item.HasModTime() && dst.Capabilities().SupportsTimestamps {
		if setter, ok := dst.(adapter.TimestampSetter); ok {
			if err := setter.SetModTime(ctx, action.Path, item.LastModified); err != nil {
				slog.Warn("sync: preserve timestamp failed", "path", action.Path, "error", err)
			}
		}
	}

	synced := e.statSynced(ctx, dst, action.Path, item)
	return pr.transferred, synced, nil
}

// statSynced stats and hashes path on adp after a successful write, to
// capture the real post-transfer size/mtime/hash rather than trusting the
// pre-transfer source item. Falls back to a copy of fallback (the source
// item, whose content is now known byte-identical to the destination) if
// the stat or hash call fails, so a flaky post-write stat never fails the
// whole transfer.
func (e *Executor) statSynced(ctx context.Context, adp adapter.StorageAdapter, path string, fallback *adapter.SyncItem) *adapter.SyncItem {
	st, err := adp.Stat(ctx, path)
	if err != nil || st == nil {
		slog.Warn("sync: post-transfer stat failed, mirroring source metadata", "path", path, "error", err)
		mirrored := *fallback
		return &mirrored
	}
	if st.Hash == "" {
		if h, err := adp.Hash(ctx, path); err == nil {
			st.Hash = h
		} else {
			slog.Warn("sync: post-transfer hash failed, mirroring source hash", "path", path, "error", err)
			st.Hash = fallback.Hash
		}
	}
	return st
}

// throttledReader wraps an io.Reader, gating each chunk through a token
// bucket and sampling progress at most ~10 Hz.
type throttledReader struct {
	ctx         context.Context
	r           io.Reader
	th          *throttle
	transferred int64
	total       int64
	onProgress  func(transferred, total int64)
	lastEmit    time.Time
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > maxGrainBytes {
		p = p[:maxGrainBytes]
	}
	if err := t.th.acquire(t.ctx, len(p)); err != nil {
		return 0, err
	}
	n, err := t.r.Read(p)
	t.transferred += int64(n)
	if time.Since(t.lastEmit) >= 100*time.Millisecond || err != nil {
		t.lastEmit = time.Now()
		if t.onProgress != nil {
			t.onProgress(t.transferred, t.total)
		}
	}
	return n, err
}

func preflightDiskSpace(need int64) error {
	if need <= 0 {
		return nil
	}
	usage, err := disk.Usage(".")
	if err != nil {
		return nil // best-effort; an adapter that can't be statted here still gets tried
	}
	if int64(usage.Free) < need {
		return fmt.Errorf("%w: need %s, have %s free", adapter.ErrTransientIO,
			humanize.Bytes(uint64(need)), humanize.Bytes(usage.Free))
	}
	return nil
}

// adoptSynced persists action's path as Synced. When synced is non-nil, a
// transfer just wrote one side (toRemote true means the remote was written,
// i.e. an upload) and synced is that destination's post-transfer ground
// truth; mirrorSyncedItem folds it into both sides' metadata. When synced is
// nil, the local/remote items on action are recorded as-is.
func (e *Executor) adoptSynced(action PlannedAction, synced *adapter.SyncItem, toRemote bool) error {
	local, remote := action.Local, action.Remote
	if synced != nil {
		local, remote = mirrorSyncedItem(local, remote, synced, toRemote)
	}
	now := time.Now().UTC()
	st := &store.SyncState{
		Path:         action.Path,
		IsDirectory:  action.IsDirectory,
		Status:       store.StatusSynced,
		LastSyncTime: now,
	}
	if local != nil {
		st.LocalHash = local.Hash
		st.LocalSize = local.Size
		st.LocalModified = local.LastModified
	}
	if remote != nil {
		st.RemoteHash = remote.Hash
		st.RemoteSize = remote.Size
		st.RemoteModified = remote.LastModified
	}
	return e.st.Upsert(st)
}

// mirrorSyncedItem fills in the side transfer just wrote (synced, the real
// post-transfer stat+hash) and mirrors its content hash onto the untouched
// side, whose bytes are now guaranteed identical even though its own
// size/mtime stay whatever that endpoint reported. toRemote true means
// synced describes the remote (an upload); false means it describes the
// local (a download).
func mirrorSyncedItem(local, remote, synced *adapter.SyncItem, toRemote bool) (*adapter.SyncItem, *adapter.SyncItem) {
	if toRemote {
		remote = synced
		if local != nil {
			mirrored := *local
			mirrored.Hash = synced.Hash
			local = &mirrored
		} else {
			local = synced
		}
		return local, remote
	}
	local = synced
	if remote != nil {
		mirrored := *remote
		mirrored.Hash = synced.Hash
		remote = &mirrored
	} else {
		remote = synced
	}
	return local, remote
}

func (e *Executor) resolveConflict(ctx context.Context, action PlannedAction, opts SyncOptions) error {
	analysis := ConflictAnalysis{
		Path: action.Path, Reason: action.ConflictReason, Local: action.Local, Remote: action.Remote,
	}
	resolver := e.resolver
	if resolver == nil {
		resolver = PreferNewer
	}
	resolution := resolver(analysis)
	if resolution == ResolutionAsk {
		resolution = ResolutionSkip
	}

	e.bus.publish(Event{
		Kind:       EventConflictDetected,
		Conflict:   &ConflictInfo{Path: action.Path, Reason: action.ConflictReason, Resolution: resolution},
		OccurredAt: time.Now(),
	})

	switch resolution {
	case ResolutionSkip:
		return e.markConflict(action)
	case ResolutionUseLocal:
		_, synced, err := e.transfer(ctx, e.local, e.remote, PlannedAction{Path: action.Path, Local: action.Local, Kind: ActionUpload}, opts)
		if err != nil {
			return err
		}
		return e.adoptSynced(action, synced, true)
	case ResolutionUseRemote:
		_, synced, err := e.transfer(ctx, e.remote, e.local, PlannedAction{Path: action.Path, Remote: action.Remote, Kind: ActionDownload}, opts)
		if err != nil {
			return err
		}
		return e.adoptSynced(action, synced, false)
	case ResolutionRenameLocal, ResolutionRenameRemote:
		return e.renameConflictSide(ctx, action, resolution, opts)
	default:
		return fmt.Errorf("%w: resolver returned unsupported resolution %q", ErrConflict, resolution)
	}
}

func (e *Executor) markConflict(action PlannedAction) error {
	now := time.Now().UTC()
	st := &store.SyncState{
		Path: action.Path, IsDirectory: action.IsDirectory, Status: store.StatusConflict,
		LastSyncTime: now,
	}
	if action.Local != nil {
		st.LocalHash, st.LocalSize, st.LocalModified = action.Local.Hash, action.Local.Size, action.Local.LastModified
	}
	if action.Remote != nil {
		st.RemoteHash, st.RemoteSize, st.RemoteModified = action.Remote.Hash, action.Remote.Size, action.Remote.LastModified
	}
	return e.st.Upsert(st)
}

// renameConflictSide moves the losing side to a conflict-marked sibling,
// copies that sibling to the winning endpoint, then copies the winning side
// into place on the losing endpoint, so both files exist on both sides
// post-execution (spec.md §4.F).
func (e *Executor) renameConflictSide(ctx context.Context, action PlannedAction, resolution ConflictResolution, opts SyncOptions) error {
	losingAdapter, losingItem := e.local, action.Local
	winningKind := ActionDownload
	if resolution == ResolutionRenameRemote {
		losingAdapter, losingItem = e.remote, action.Remote
		winningKind = ActionUpload
	}
	if losingItem == nil {
		return fmt.Errorf("%w: no item to rename for %s", adapter.ErrInvalidPath, action.Path)
	}

	e.sweepConflictSiblings(ctx, losingAdapter, action.Path)

	renamed := RenamedPath(action.Path, time.Now(), losingItem.Hash)
	if err := losingAdapter.Rename(ctx, action.Path, renamed); err != nil {
		if !errors.Is(err, adapter.ErrNotSupported) {
			return err
		}
		// Adapter lacks native rename; degrade to copy+delete.
		if err := e.copyThenDelete(ctx, losingAdapter, action.Path, renamed); err != nil {
			return err
		}
	}

	var synced *adapter.SyncItem
	var err error
	renamedItem := *losingItem
	renamedItem.Path = renamed
	if winningKind == ActionDownload {
		_, _, err = e.transfer(ctx, e.local, e.remote, PlannedAction{Path: renamed, Local: &renamedItem, Kind: ActionUpload}, opts)
		if err == nil {
			_, synced, err = e.transfer(ctx, e.remote, e.local, PlannedAction{Path: action.Path, Remote: action.Remote, Kind: ActionDownload}, opts)
		}
	} else {
		_, _, err = e.transfer(ctx, e.remote, e.local, PlannedAction{Path: renamed, Remote: &renamedItem, Kind: ActionDownload}, opts)
		if err == nil {
			_, synced, err = e.transfer(ctx, e.local, e.remote, PlannedAction{Path: action.Path, Local: action.Local, Kind: ActionUpload}, opts)
		}
	}
	if err != nil {
		return err
	}
	return e.adoptSynced(action, synced, winningKind == ActionUpload)
}

// sweepConflictSiblings deletes any prior conflict-renamed siblings of
// original on adp before a fresh rename is written, so repeated conflicts
// on the same path don't accumulate an unbounded pile of .conflict-*
// siblings (spec.md §4.F rename disambiguation).
func (e *Executor) sweepConflictSiblings(ctx context.Context, adp adapter.StorageAdapter, original string) {
	dir, _, _ := SplitExt(original)
	ch, err := adp.List(ctx, dir)
	if err != nil {
		slog.Warn("sync: list for conflict sibling sweep failed", "path", original, "error", err)
		return
	}
	var candidates []string
	for res := range ch {
		if res.Err != nil || res.Item == nil || res.Item.IsDirectory {
			continue
		}
		candidates = append(candidates, res.Item.Path)
	}
	for _, sibling := range FindConflictSiblings(original, candidates) {
		if err := adp.Delete(ctx, sibling, false); err != nil {
			slog.Warn("sync: delete stale conflict sibling failed", "path", sibling, "error", err)
		}
	}
}

// cleanupEmptyParentDirs walks deletedPath's ancestors on adp, removing
// each one that is now empty, stopping at the sync root ("") or the first
// non-empty ancestor. Grounded on the teacher's cleanupEmptyParentDirs
// (sync_engine_delete.go), generalized from os.ReadDir/os.Remove to
// StorageAdapter.List/Delete so it works against any backend, not just the
// local filesystem.
func (e *Executor) cleanupEmptyParentDirs(ctx context.Context, adp adapter.StorageAdapter, deletedPath string) {
	dir, _, _ := SplitExt(deletedPath)
	for dir != "" {
		ch, err := adp.List(ctx, dir)
		if err != nil {
			slog.Warn("sync: list during empty-parent cleanup failed", "path", dir, "error", err)
			return
		}
		empty := true
		for res := range ch {
			if res.Err != nil {
				slog.Warn("sync: list during empty-parent cleanup failed", "path", dir, "error", res.Err)
				return
			}
			if res.Item != nil {
				empty = false
			}
		}
		if !empty {
			return
		}
		if err := adp.Delete(ctx, dir, true); err != nil {
			slog.Warn("sync: remove empty parent dir failed", "path", dir, "error", err)
			return
		}
		dir, _, _ = SplitExt(dir)
	}
}

func (e *Executor) copyThenDelete(ctx context.Context, adp adapter.StorageAdapter, oldPath, newPath string) error {
	r, err := adp.Read(ctx, oldPath)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := adp.Write(ctx, newPath, r, 0); err != nil {
		return err
	}
	return adp.Delete(ctx, oldPath, false)
}

// recordSuccess persists the SyncState/OperationRecord for one successfully
// dispatched action. synced is the destination's post-transfer stat+hash
// for Upload/Download (nil otherwise); mirrorSyncedItem folds it into both
// sides so a second run sees matching, non-zero metadata on both sides
// instead of only the side known at plan time (spec.md §8 idempotence).
func (e *Executor) recordSuccess(action PlannedAction, synced *adapter.SyncItem, duration time.Duration, bytes int64) {
	if action.Kind == ActionConflict {
		return // conflict resolution already wrote its own SyncState
	}
	if action.Kind != ActionRemoveState && action.Kind != ActionAdoptSynced {
		local, remote := action.Local, action.Remote
		if synced != nil {
			local, remote = mirrorSyncedItem(local, remote, synced, action.Kind == ActionUpload)
		}
		now := time.Now().UTC()
		st := &store.SyncState{
			Path: action.Path, IsDirectory: action.IsDirectory, Status: store.StatusSynced,
			LastSyncTime: now,
		}
		if local != nil {
			st.LocalHash, st.LocalSize, st.LocalModified = local.Hash, local.Size, local.LastModified
		}
		if remote != nil {
			st.RemoteHash, st.RemoteSize, st.RemoteModified = remote.Hash, remote.Size, remote.LastModified
		}
		if action.Kind == ActionDeleteLocal || action.Kind == ActionDeleteRemote {
			if err := e.st.Delete(action.Path); err != nil {
				slog.Error("sync: delete state after successful delete failed", "path", action.Path, "error", err)
			}
		} else if err := e.st.Upsert(st); err != nil {
			slog.Error("sync: upsert state failed", "path", action.Path, "error", err)
		}
	}

	_ = e.st.AppendHistory(&store.OperationRecord{
		Timestamp: time.Now().UTC(), Path: action.Path, ActionType: toStoreActionType(action.Kind),
		Success: true, Duration: duration, BytesTransferred: bytes,
	})
}

func (e *Executor) recordFailure(path string, actionType store.ActionType, duration time.Duration, message string) {
	existing, _ := e.st.Get(path)
	attempts := 1
	if existing != nil {
		attempts = existing.SyncAttempts + 1
	}
	st := &store.SyncState{Path: path, Status: store.StatusError, ErrorMessage: message, SyncAttempts: attempts}
	if existing != nil {
		st.IsDirectory = existing.IsDirectory
		st.LocalHash, st.RemoteHash = existing.LocalHash, existing.RemoteHash
		st.LocalSize, st.RemoteSize = existing.LocalSize, existing.RemoteSize
		st.LocalModified, st.RemoteModified = existing.LocalModified, existing.RemoteModified
	}
	if err := e.st.Upsert(st); err != nil {
		slog.Error("sync: record failure state failed", "path", path, "error", err)
	}
	_ = e.st.AppendHistory(&store.OperationRecord{
		Timestamp: time.Now().UTC(), Path: path, ActionType: actionType, Success: false,
		Duration: duration, ErrorMessage: message,
	})
}

func (e *Executor) emitOverall(index, total int, action PlannedAction) {
	e.bus.publish(Event{
		Kind: EventProgressChanged,
		Overall: &OverallProgress{
			CurrentIndex: index, TotalActions: total, CurrentPath: action.Path,
			OperationKind: action.Kind, Percentage: 100 * float64(index) / float64(total),
		},
		OccurredAt: time.Now(),
	})
}

func (e *Executor) emitFileProgress(path string, kind ActionKind, transferred, total int64) {
	pct := 0.0
	if total > 0 {
		pct = 100 * float64(transferred) / float64(total)
	}
	e.bus.publish(Event{
		Kind: EventFileProgressChanged,
		File: &FileProgress{
			Path: path, OperationKind: kind, BytesTransferred: transferred, TotalBytes: total, Percent: pct,
		},
		OccurredAt: time.Now(),
	})
}
