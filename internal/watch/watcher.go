// Package watch turns raw filesystem notifications under a configured
// root into a debounced, pattern-filtered stream of sync-trigger events,
// and hot-reloads its own .syncr configuration when it changes on disk.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/GustavoWidman/syncr/internal/config"
	"github.com/GustavoWidman/syncr/internal/syncerr"
)

// configReloadDebounce is the fixed debounce applied to the watcher's own
// config-file reload, independent of the configurable per-path debounce
// used for ordinary sync events.
const configReloadDebounce = time.Second

// Watcher watches the parent directory of a synced path recursively,
// filters events through the sync config's glob-set patterns, debounces
// per path, and hot-reloads the sync config in place when it changes.
type Watcher struct {
	target   string // path of the .syncr config file
	root     string // target's parent, the directory actually watched
	syncCfg  *config.SyncConfig
	callback func(ChangeEvent)

	fsw *fsnotify.Watcher

	mu          sync.Mutex
	watchedDirs map[string]bool
	timers      map[string]*time.Timer
	latest      map[string]ChangeEvent
	configTimer *time.Timer
}

// New constructs a Watcher for the .syncr config file at target (its
// parent directory is what actually gets watched),
// using syncCfg for debounce/filter/depth settings and invoking callback
// for each coalesced change. callback is invoked from debounce timer
// goroutines (or a fresh goroutine when the debounce is zero), so calls
// for different paths may run concurrently; New does not itself start
// watching, call Run.
func New(target string, syncCfg *config.SyncConfig, callback func(ChangeEvent)) (*Watcher, error) {
	root := filepath.Dir(target)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &syncerr.WatcherError{Path: root, Err: errors.Wrap(err, "unable to create filesystem watcher")}
	}

	w := &Watcher{
		target:      target,
		root:        root,
		syncCfg:     syncCfg,
		callback:    callback,
		fsw:         fsw,
		watchedDirs: make(map[string]bool),
		timers:      make(map[string]*time.Timer),
		latest:      make(map[string]ChangeEvent),
	}

	if err := w.addWatches(); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

// Run services the watcher's event and error channels until ctx is
// cancelled, at which point it closes the underlying fsnotify watcher and
// returns. Run is not safe to call more than once concurrently.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleFSNotifyEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			return &syncerr.WatcherError{Path: w.root, Err: err}
		}
	}
}

// handleFSNotifyEvent classifies a raw fsnotify event, drops it if it
// isn't one of the three forwarded kinds or doesn't pass the pattern
// filter, and otherwise schedules (or reschedules) its debounce timer.
// A Modify event on the sync config file itself is routed to its own,
// fixed-interval reload debounce instead.
func (w *Watcher) handleFSNotifyEvent(event fsnotify.Event) {
	if event.Name == w.syncCfg.Path && event.Op&fsnotify.Write == fsnotify.Write {
		w.scheduleConfigReload()
		return
	}

	kind, ok := classify(event.Op)
	if !ok {
		return
	}

	if w.syncCfg.Body().IgnoreHidden && IsHidden(w.root, event.Name) {
		return
	}

	if kind == KindCreate {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			depth := int32(1)
			if relative, err := filepath.Rel(w.root, event.Name); err == nil {
				depth = int32(strings.Count(filepath.ToSlash(relative), "/") + 1)
			}
			if maxDepth := w.syncCfg.Body().MaxDepth; maxDepth < 0 || depth <= maxDepth {
				w.addDirectoryRecursive(event.Name, depth)
			}
		}
	}

	if !w.matchesPatterns(event.Name) {
		return
	}

	w.scheduleEvent(ChangeEvent{Path: event.Name, Kind: kind})
}

// classify maps an fsnotify operation to a Kind, reporting false for the
// operations that never trigger a sync (Rename, Chmod).
func classify(op fsnotify.Op) (Kind, bool) {
	switch {
	case op&fsnotify.Write == fsnotify.Write:
		return KindModify, true
	case op&fsnotify.Create == fsnotify.Create:
		return KindCreate, true
	case op&fsnotify.Remove == fsnotify.Remove:
		return KindRemove, true
	default:
		return 0, false
	}
}

// matchesPatterns reports whether every configured glob pattern matches
// path's slash-separated location relative to root. An event passes only
// if all of its paths match.
func (w *Watcher) matchesPatterns(path string) bool {
	return MatchesPatterns(w.root, path, w.syncCfg.Body().Patterns)
}

// IsHidden reports whether any path component of path, taken relative to
// root, begins with a dot. This is what the `ignore_hidden` setting
// excludes.
func IsHidden(root, path string) bool {
	relative, err := filepath.Rel(root, path)
	if err != nil {
		relative = path
	}
	for _, segment := range strings.Split(filepath.ToSlash(relative), "/") {
		if strings.HasPrefix(segment, ".") && segment != "." && segment != ".." {
			return true
		}
	}
	return false
}

// MatchesPatterns reports whether path (interpreted relative to root)
// matches every pattern in patterns.
// It's exported so a one-shot directory walk (cmd/syncr's sync mode) can
// apply the identical filter a live Watcher would, without starting one.
func MatchesPatterns(root, path string, patterns []config.Pattern) bool {
	if len(patterns) == 0 {
		return true
	}

	relative, err := filepath.Rel(root, path)
	if err != nil {
		relative = path
	}
	relative = filepath.ToSlash(relative)

	for _, p := range patterns {
		matched, err := doublestar.Match(p.Pattern, relative)
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// scheduleEvent (re)starts path's debounce timer, recording event as the
// latest seen for that path. When the timer fires, exactly one callback
// invocation is made carrying the latest recorded event. A debounce of
// zero fires the callback immediately without coalescing.
func (w *Watcher) scheduleEvent(event ChangeEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.latest[event.Path] = event

	debounce := time.Duration(w.syncCfg.Body().DebounceMillis) * time.Millisecond
	if debounce <= 0 {
		delete(w.latest, event.Path)
		go w.callback(event)
		return
	}

	if existing, ok := w.timers[event.Path]; ok {
		existing.Stop()
	}
	w.timers[event.Path] = time.AfterFunc(debounce, func() {
		w.fireDebounced(event.Path)
	})
}

func (w *Watcher) fireDebounced(path string) {
	w.mu.Lock()
	event, ok := w.latest[path]
	delete(w.latest, path)
	delete(w.timers, path)
	w.mu.Unlock()

	if ok {
		w.callback(event)
	}
}

// scheduleConfigReload (re)starts the fixed 1-second config-reload
// debounce timer.
func (w *Watcher) scheduleConfigReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.configTimer != nil {
		w.configTimer.Stop()
	}
	w.configTimer = time.AfterFunc(configReloadDebounce, w.reloadConfig)
}

// reloadConfig re-reads the sync config and, if it changed structurally,
// unwatches and rewatches using the new patterns and max depth.
func (w *Watcher) reloadConfig() {
	changed, err := w.syncCfg.Reload()
	if err != nil || !changed {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for dir := range w.watchedDirs {
		w.fsw.Remove(dir)
	}
	w.watchedDirs = make(map[string]bool)

	w.addWatchesLocked()
}

// addWatches installs the initial set of directory watches.
func (w *Watcher) addWatches() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addWatchesLocked()
}

func (w *Watcher) addWatchesLocked() error {
	body := w.syncCfg.Body()
	if body.MaxDepth == 0 {
		return w.watchDirLocked(w.root)
	}
	return w.addDirectoryRecursiveLocked(w.root, 0)
}

// addDirectoryRecursive acquires the lock and walks dir, adding it and
// (subject to max_depth and ignore_symlinks) its subdirectories to the
// watch set. It is the entry point used when a new directory appears
// after startup (a Create event for a directory).
func (w *Watcher) addDirectoryRecursive(dir string, depth int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addDirectoryRecursiveLocked(dir, depth)
}

func (w *Watcher) addDirectoryRecursiveLocked(dir string, depth int32) error {
	body := w.syncCfg.Body()
	if err := w.watchDirLocked(dir); err != nil {
		return err
	}
	if body.MaxDepth >= 0 && depth >= body.MaxDepth {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil // transient: the directory may have just been removed
	}
	for _, entry := range entries {
		if body.IgnoreHidden && strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		isDir := entry.IsDir()
		if !isDir && entry.Type()&os.ModeSymlink == os.ModeSymlink {
			if body.IgnoreSymlinks {
				continue
			}
			if target, err := os.Stat(path); err == nil && target.IsDir() {
				isDir = true
			}
		}
		if isDir {
			w.addDirectoryRecursiveLocked(path, depth+1)
		}
	}
	return nil
}

func (w *Watcher) watchDirLocked(dir string) error {
	if w.watchedDirs[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return &syncerr.WatcherError{Path: dir, Err: errors.Wrap(err, "unable to register watch")}
	}
	w.watchedDirs[dir] = true
	return nil
}
