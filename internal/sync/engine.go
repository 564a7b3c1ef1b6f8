package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relaysync/syncd/pkg/adapter"
	"github.com/relaysync/syncd/pkg/store"
)

// EngineState is the Engine's observable lifecycle state (spec.md §4.G/H).
type EngineState string

const (
	StateIdle     EngineState = "idle"
	StateRunning  EngineState = "running"
	StatePaused   EngineState = "paused"
	StateStopping EngineState = "stopping"
	StateFaulted  EngineState = "faulted"
)

var ErrSyncInProgress = errors.New("sync: a run is already in progress")

// EngineConfig are the engine-lifetime settings that SyncOptions doesn't
// override per-run (spec.md §4.H + supplemented watcher/priority behavior).
type EngineConfig struct {
	Filter               *Filter
	DefaultResolver       ConflictResolver
	AskHandler            func(ConflictAnalysis) ConflictResolution
	MaxConcurrentTransfers int
	MaxBytesPerSecond     int64
	FullSyncEvery         time.Duration
	WatchEnabled          bool
	WatchImmediate        bool
	HistoryRetained       time.Duration
}

// Engine is the façade wiring Detector, Planner and Executor into the
// operations spec.md §4.H names, grounded on the teacher's
// SyncEngine/SyncManager pairing (sync_engine.go, sync_manager.go):
// the same runFullSync-under-TryLock control-flow, the same watcher-driven
// targeted sync trigger, generalized from syftbox's single always-running
// background loop into an explicitly state-observable façade a caller can
// pause, resume and cancel.
type Engine struct {
	local  adapter.StorageAdapter
	remote adapter.StorageAdapter
	st     store.Store

	detector *Detector
	planner  *Planner
	bus      *eventBus
	cfg      EngineConfig
	priority *priorityList
	watch    *watcher

	stateMu sync.RWMutex
	state   EngineState

	// runMu admits only one Synchronize/SyncFolder/SyncFiles call at a time.
	runMu sync.Mutex

	// ctrlMu guards curExec/curCancel, kept separate from runMu so
	// Pause/Resume/Cancel never block behind a concurrent run's TryLock.
	ctrlMu    sync.Mutex
	curExec   *Executor
	curCancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]ChangeKind

	lifecycleCancel context.CancelFunc
	lifecycleWG     sync.WaitGroup
}

// NewEngine builds an Engine over a local/remote adapter pair and a state
// store (spec.md §4.H).
func NewEngine(local, remote adapter.StorageAdapter, st store.Store, cfg EngineConfig) (*Engine, error) {
	if cfg.Filter == nil {
		cfg.Filter = NewFilter(nil)
	}
	if cfg.MaxConcurrentTransfers <= 0 {
		cfg.MaxConcurrentTransfers = DefaultWorkerCount
	}
	detector, err := NewDetector(local, remote, 0)
	if err != nil {
		return nil, fmt.Errorf("sync: build detector: %w", err)
	}
	return &Engine{
		local:    local,
		remote:   remote,
		st:       st,
		detector: detector,
		planner:  NewPlanner(detector),
		bus:      newEventBus(),
		cfg:      cfg,
		priority: newPriorityList(),
		state:    StateIdle,
		pending:  make(map[string]ChangeKind),
	}, nil
}

// State reports the Engine's current observable lifecycle state.
func (e *Engine) State() EngineState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Engine) setState(s EngineState) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
	e.bus.publish(Event{Kind: EventStateChanged, State: s, OccurredAt: time.Now()})
}

// Subscribe returns a channel of engine events (progress, conflicts, state).
func (e *Engine) Subscribe() <-chan Event { return e.bus.Subscribe() }

// Unsubscribe stops delivery to a channel returned by Subscribe.
func (e *Engine) Unsubscribe(ch <-chan Event) { e.bus.Unsubscribe(ch) }

// resolverFor builds the ConflictResolver for one run, honoring a
// per-run override (spec.md §4.H ConflictResolution).
func (e *Engine) resolverFor(opts SyncOptions) ConflictResolver {
	if opts.ConflictResolution != "" {
		if r, err := ResolverFor(opts.ConflictResolution, e.cfg.AskHandler); err == nil {
			return r
		}
	}
	if e.cfg.DefaultResolver != nil {
		return e.cfg.DefaultResolver
	}
	return PreferNewer
}

// Synchronize runs one full two-way pass (spec.md §4.H synchronize).
func (e *Engine) Synchronize(ctx context.Context, opts SyncOptions) (*RunResult, error) {
	return e.runScoped(ctx, opts, "")
}

// SyncFolder restricts the pass to paths under relativePath.
func (e *Engine) SyncFolder(ctx context.Context, relativePath string, opts SyncOptions) (*RunResult, error) {
	norm, err := NormalizePath(relativePath)
	if err != nil {
		return nil, err
	}
	return e.runScoped(ctx, opts, norm)
}

// SyncFiles restricts the pass to exactly the given relative paths.
func (e *Engine) SyncFiles(ctx context.Context, paths []string, opts SyncOptions) (*RunResult, error) {
	if !e.runMu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer e.runMu.Unlock()

	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		norm, err := NormalizePath(p)
		if err != nil {
			return nil, err
		}
		set[norm] = struct{}{}
	}

	plan, err := e.buildPlan(ctx, opts, func(p string) bool {
		_, ok := set[p]
		return ok
	})
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, plan, opts)
}

// GetSyncPlan performs dry analysis without mutating any adapter or store
// state (spec.md §4.H getSyncPlan).
func (e *Engine) GetSyncPlan(ctx context.Context, opts SyncOptions) (*SyncPlan, error) {
	return e.buildPlan(ctx, opts, nil)
}

func (e *Engine) runScoped(ctx context.Context, opts SyncOptions, scopePrefix string) (*RunResult, error) {
	if !e.runMu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer e.runMu.Unlock()

	var within func(path string) bool
	if scopePrefix != "" {
		within = func(p string) bool {
			return p == scopePrefix || strings.HasPrefix(p, scopePrefix+"/")
		}
	}

	plan, err := e.buildPlan(ctx, opts, within)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, plan, opts)
}

// buildPlan lists both endpoints, loads stored state, detects changes and
// plans actions, optionally restricted to paths accepted by include.
func (e *Engine) buildPlan(ctx context.Context, opts SyncOptions, include func(path string) bool) (*SyncPlan, error) {
	localItems, err := listAll(ctx, e.local, e.cfg.Filter, opts)
	if err != nil {
		return nil, fmt.Errorf("sync: list local: %w", err)
	}
	remoteItems, err := listAll(ctx, e.remote, e.cfg.Filter, opts)
	if err != nil {
		return nil, fmt.Errorf("sync: list remote: %w", err)
	}

	stored, err := e.st.ListAll()
	if err != nil {
		return nil, fmt.Errorf("%w: list stored state: %v", ErrFatal, err)
	}
	storedByPath := make(map[string]*store.SyncState, len(stored))
	for _, s := range stored {
		storedByPath[s.Path] = s
	}

	if include != nil {
		localItems = filterItems(localItems, include)
		remoteItems = filterItems(remoteItems, include)
		for p := range storedByPath {
			if !include(p) {
				delete(storedByPath, p)
			}
		}
	}

	triplets, err := e.detector.Detect(ctx, localItems, remoteItems, storedByPath, opts)
	if err != nil {
		return nil, fmt.Errorf("sync: detect changes: %w", err)
	}

	return e.planner.Plan(ctx, triplets, opts)
}

func filterItems(items map[string]*adapter.SyncItem, include func(string) bool) map[string]*adapter.SyncItem {
	out := make(map[string]*adapter.SyncItem, len(items))
	for p, item := range items {
		if include(p) {
			out[p] = item
		}
	}
	return out
}

func listAll(ctx context.Context, adp adapter.StorageAdapter, filter *Filter, opts SyncOptions) (map[string]*adapter.SyncItem, error) {
	ch, err := adp.List(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]*adapter.SyncItem)
	for res := range ch {
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Item == nil {
			continue
		}
		if filter.Excludes(res.Item.Path, opts.ExcludePatterns...) {
			continue
		}
		out[res.Item.Path] = res.Item
	}
	return out, nil
}

// execute runs an already-built plan through a fresh Executor, tracking
// state transitions and wiring cancel/pause to it.
func (e *Engine) execute(ctx context.Context, plan *SyncPlan, opts SyncOptions) (*RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)

	exec := NewExecutor(e.local, e.remote, e.st, e.bus, ExecutorConfig{
		WorkerCount:       e.cfg.MaxConcurrentTransfers,
		MaxRetries:        DefaultMaxRetries,
		MaxBytesPerSecond: firstNonZero(opts.MaxBytesPerSecond, e.cfg.MaxBytesPerSecond),
		Resolver:          e.resolverFor(opts),
	})

	e.ctrlMu.Lock()
	e.curExec, e.curCancel = exec, cancel
	e.ctrlMu.Unlock()
	defer func() {
		e.ctrlMu.Lock()
		e.curExec, e.curCancel = nil, nil
		e.ctrlMu.Unlock()
	}()

	e.setState(StateRunning)
	result := exec.Execute(runCtx, plan.All(), opts)
	result.Warnings = append(result.Warnings, plan.Warnings...)

	if result.Cancelled {
		e.setState(StateIdle)
	} else if result.Err != nil {
		e.setState(StateFaulted)
	} else {
		e.setState(StateIdle)
	}

	if result.Err != nil {
		return result, result.Err
	}
	return result, nil
}

func firstNonZero(a, b int64) int64 {
	if a != 0 {
		return a
	}
	return b
}

// Pause blocks new action dispatch on the in-flight run, if any.
func (e *Engine) Pause() {
	e.ctrlMu.Lock()
	exec := e.curExec
	e.ctrlMu.Unlock()
	if exec != nil {
		exec.Pause()
		e.setState(StatePaused)
	}
}

// Resume restores dispatch on the in-flight run, if any.
func (e *Engine) Resume() {
	e.ctrlMu.Lock()
	exec := e.curExec
	e.ctrlMu.Unlock()
	if exec != nil {
		exec.Resume()
		e.setState(StateRunning)
	}
}

// Cancel aborts the in-flight run at the next chunk boundary (spec.md §4.G).
func (e *Engine) Cancel() {
	e.ctrlMu.Lock()
	cancel := e.curCancel
	e.ctrlMu.Unlock()
	if cancel != nil {
		e.setState(StateStopping)
		cancel()
	}
}

// NotifyLocalChange records an external watcher's hint (spec.md §4.H).
// Duplicates for the same path coalesce to the latest kind. Every hint is
// buffered for the next scheduled pass; in addition, when the engine is
// Idle and configured for immediate mode, a priority path triggers a
// targeted sync right away.
func (e *Engine) NotifyLocalChange(path string, kind ChangeKind) {
	norm, err := NormalizePath(path)
	if err != nil {
		return
	}
	e.pendingMu.Lock()
	e.pending[norm] = kind
	e.pendingMu.Unlock()

	if e.cfg.WatchImmediate && e.State() == StateIdle && e.priority.shouldPrioritize(norm) {
		go func() {
			if _, err := e.SyncFiles(context.Background(), []string{norm}, SyncOptions{}); err != nil && !errors.Is(err, ErrSyncInProgress) {
				slog.Error("sync: immediate priority sync failed", "path", norm, "error", err)
			}
		}()
	}
}

// NotifyLocalRename records a rename hint as a delete of old plus a change
// of new (spec.md §4.H).
func (e *Engine) NotifyLocalRename(oldPath, newPath string) {
	e.NotifyLocalChange(oldPath, ChangeDeleted)
	e.NotifyLocalChange(newPath, ChangeNew)
}

// drainPending returns and clears the buffered watcher hints, used by the
// periodic background pass to target just the paths a watcher flagged
// since the last run rather than a full two-way listing.
func (e *Engine) drainPending() map[string]ChangeKind {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	drained := e.pending
	e.pending = make(map[string]ChangeKind)
	return drained
}

// GetPendingOperations returns every path whose SyncState is not yet
// Synced or Ignored (spec.md §4.H getPendingOperations).
func (e *Engine) GetPendingOperations() ([]*store.SyncState, error) {
	all, err := e.st.ListAll()
	if err != nil {
		return nil, err
	}
	pending := make([]*store.SyncState, 0, len(all))
	for _, s := range all {
		if s.Status != store.StatusSynced && s.Status != store.StatusIgnored {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

// GetRecentOperations returns up to limit history entries at or after
// since (spec.md §4.H getRecentOperations).
func (e *Engine) GetRecentOperations(limit int, since time.Time) ([]*store.OperationRecord, error) {
	return e.st.RecentHistory(limit, since)
}

// ClearOperationHistory purges history entries older than before
// (spec.md §4.H clearOperationHistory).
func (e *Engine) ClearOperationHistory(before time.Time) (int, error) {
	return e.st.PurgeHistoryBefore(before)
}

// Start begins the engine's background lifecycle: an initial full sync,
// a periodic full-sync timer, and (if configured) a local filesystem
// watcher feeding NotifyLocalChange -- grounded on the teacher's
// SyncEngine.Start (sync_engine.go): initial sync before backgrounding,
// a timer (not a ticker, to avoid queued ticks when a pass overruns its
// interval), and a watcher-event consumer goroutine.
func (e *Engine) Start(ctx context.Context) error {
	lifecycleCtx, cancel := context.WithCancel(ctx)
	e.lifecycleCancel = cancel

	if _, err := e.Synchronize(lifecycleCtx, SyncOptions{}); err != nil && !errors.Is(err, ErrSyncInProgress) {
		slog.Error("sync: initial full sync failed", "error", err)
	}

	interval := e.cfg.FullSyncEvery
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	e.lifecycleWG.Add(1)
	go func() {
		defer e.lifecycleWG.Done()
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-lifecycleCtx.Done():
				return
			case <-timer.C:
				e.runPeriodicPass(lifecycleCtx)
				timer.Reset(interval)
			}
		}
	}()

	if e.watch != nil {
		if err := e.watch.Start(lifecycleCtx); err != nil {
			slog.Warn("sync: watcher failed to start", "error", err)
		} else {
			e.lifecycleWG.Add(1)
			go func() {
				defer e.lifecycleWG.Done()
				for {
					select {
					case <-lifecycleCtx.Done():
						return
					case ev, ok := <-e.watch.Events():
						if !ok {
							return
						}
						if e.cfg.Filter.Excludes(ev.Path) {
							continue
						}
						e.NotifyLocalChange(ev.Path, ev.Kind)
					}
				}
			}()
		}
	}

	return nil
}

// runPeriodicPass runs a targeted sync over paths a watcher flagged since
// the last pass, or a full two-way sync when nothing is buffered.
func (e *Engine) runPeriodicPass(ctx context.Context) {
	pending := e.drainPending()
	var err error
	if len(pending) > 0 {
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		_, err = e.SyncFiles(ctx, paths, SyncOptions{})
	} else {
		_, err = e.Synchronize(ctx, SyncOptions{})
	}
	if err != nil && !errors.Is(err, ErrSyncInProgress) && !errors.Is(err, context.Canceled) {
		slog.Error("sync: periodic pass failed", "error", err)
	}
}

// Stop halts the background lifecycle and the watcher, if any.
func (e *Engine) Stop() error {
	e.setState(StateStopping)
	if e.lifecycleCancel != nil {
		e.lifecycleCancel()
	}
	if e.watch != nil {
		e.watch.Stop()
	}
	e.lifecycleWG.Wait()
	e.setState(StateIdle)
	return nil
}

// EnableWatch attaches a local filesystem watcher rooted at root, to be
// started by Start. Call before Start.
func (e *Engine) EnableWatch(root string) {
	e.watch = newWatcher(root)
	e.cfg.WatchEnabled = true
}

// SetPriorityPatterns replaces the engine's priority pattern set with
// defaultPriorityPatterns plus extra, so a caller can add its own
// gitignore-style globs (e.g. an app-specific lock file) to the set that
// triggers an immediate targeted sync from NotifyLocalChange instead of
// waiting for the next full pass. Call before Start.
func (e *Engine) SetPriorityPatterns(extra ...string) {
	e.priority = newPriorityList(extra...)
}
