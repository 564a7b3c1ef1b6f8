package sync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	watcherEventBuffer    = 256
	watcherDebounceWindow = 50 * time.Millisecond
	watcherPollInterval   = 250 * time.Millisecond
)

// WatchEvent is a debounced local filesystem change, translated into the
// notifyLocalChange/notifyLocalRename vocabulary the Engine exposes
// (spec.md §4.H).
type WatchEvent struct {
	Path string
	Kind ChangeKind
}

// watcher observes a local root for changes and forwards debounced events,
// grounded on the teacher's FileWatcher (file_watcher.go): same notify.Watch
// + polling-fallback + per-path debounce shape, trimmed to what the Engine's
// notifyLocalChange hook needs and generalized from syftbox's raw
// notify.EventInfo stream to the Detector's ChangeKind vocabulary.
type watcher struct {
	root      string
	raw       chan notify.EventInfo
	out       chan WatchEvent
	usingNotify bool
	done      chan struct{}
	wg        sync.WaitGroup

	debounceMu  sync.Mutex
	pending     map[string]notify.Event
	timers      map[string]*time.Timer
}

func newWatcher(root string) *watcher {
	return &watcher{
		root:    root,
		done:    make(chan struct{}),
		pending: make(map[string]notify.Event),
		timers:  make(map[string]*time.Timer),
	}
}

func (w *watcher) Start(ctx context.Context) error {
	w.raw = make(chan notify.EventInfo, watcherEventBuffer)
	w.out = make(chan WatchEvent, watcherEventBuffer)

	recursive := filepath.Join(w.root, "...")
	if err := notify.Watch(recursive, w.raw, notify.Write, notify.Create, notify.Remove, notify.Rename); err != nil {
		slog.Warn("sync: recursive watch unavailable, falling back to polling", "root", w.root, "error", err)
		w.wg.Add(1)
		go w.poll(ctx)
	} else {
		w.usingNotify = true
	}

	w.wg.Add(1)
	go w.debounceLoop(ctx)

	return nil
}

func (w *watcher) Stop() {
	close(w.done)
	if w.usingNotify {
		notify.Stop(w.raw)
	}
	w.wg.Wait()
}

func (w *watcher) Events() <-chan WatchEvent { return w.out }

func (w *watcher) debounceLoop(ctx context.Context) {
	defer func() {
		w.flushAll()
		w.wg.Done()
		close(w.out)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.raw:
			if !ok {
				return
			}
			w.debounce(ev.Path(), ev.Event())
		}
	}
}

func (w *watcher) debounce(path string, ev notify.Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.timers[path]; exists {
		timer.Stop()
	}
	w.pending[path] = ev
	w.timers[path] = time.AfterFunc(watcherDebounceWindow, func() { w.flush(path) })
}

func (w *watcher) flush(path string) {
	w.debounceMu.Lock()
	ev, exists := w.pending[path]
	if !exists {
		w.debounceMu.Unlock()
		return
	}
	delete(w.pending, path)
	delete(w.timers, path)
	w.debounceMu.Unlock()

	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return
	}
	normalized, err := NormalizePath(filepath.ToSlash(rel))
	if err != nil {
		return
	}

	kind := ChangeModified
	switch {
	case ev&notify.Remove != 0:
		kind = ChangeDeleted
	case ev&notify.Create != 0:
		kind = ChangeNew
	}

	select {
	case w.out <- WatchEvent{Path: normalized, Kind: kind}:
	default:
		slog.Warn("sync: watcher output channel full, dropping event", "path", normalized)
	}
}

func (w *watcher) flushAll() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
		delete(w.pending, path)
	}
}

// poll is the fallback used when the platform notify backend can't start a
// recursive watch (grounded on FileWatcher.pollForChanges).
func (w *watcher) poll(ctx context.Context) {
	defer w.wg.Done()

	type sig struct {
		modTime int64
		size    int64
	}
	seen := map[string]sig{}

	scan := func() {
		_ = filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			cur := sig{modTime: info.ModTime().UnixNano(), size: info.Size()}
			prev, existed := seen[path]
			seen[path] = cur
			if !existed {
				select {
				case w.raw <- pollEvent{path: path, event: notify.Create}:
				default:
				}
			} else if prev != cur {
				select {
				case w.raw <- pollEvent{path: path, event: notify.Write}:
				default:
				}
			}
			return nil
		})
	}

	scan()
	ticker := time.NewTicker(watcherPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			scan()
		}
	}
}

type pollEvent struct {
	path  string
	event notify.Event
}

func (p pollEvent) Event() notify.Event { return p.event }
func (p pollEvent) Path() string        { return p.path }
func (p pollEvent) Sys() interface{}    { return nil }
