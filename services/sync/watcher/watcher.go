// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watcher detects workspace file changes with adaptive
// debouncing.
//
// An automated agent can rewrite dozens of files per second. The
// watcher polls the tree on a fixed interval, tracks per-file
// modification times, and widens its debounce window exponentially
// while change bursts last, so downstream storage sees a few large
// batches instead of a flood of small ones. When activity quiets
// down the window shrinks back toward its minimum.
//
// # Change Detection
//
// Each poll walks the tree (skipping ignored patterns) and diffs
// modification times against the previous snapshot: a path missing
// from disk but present in the snapshot is a deletion, a newer mtime
// is a modification, an unknown path is a creation. Polling is the
// source of truth; when the platform supports it an fsnotify watcher
// additionally nudges the scanner between ticks so bursts are noticed
// promptly.
//
// # Delivery Guarantees
//
// Batches are delivered at least once: if the callback fails, its
// paths are merged back into the pending set and redelivered on the
// next cycle. A callback failure never terminates the polling loop.
//
// # Thread Safety
//
// Safe for concurrent use. The callback is never invoked by two
// goroutines at once.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianSandbox/pkg/logging"
)

// Debounce adjustment factors: grow fast under load, shrink slowly
// when idle.
const (
	debounceGrowth = 1.5
	debounceShrink = 0.9

	// rateWindow is how long changes accumulate before the
	// changes-per-second rate is recomputed and the counter reset.
	rateWindow = time.Second
)

// SyncCallback receives a debounced batch of workspace-relative paths
// (forward-slash form). Returning an error requeues the batch.
type SyncCallback func(ctx context.Context, paths []string) error

// Options configures a SmartFileWatcher. Zero fields take defaults.
type Options struct {
	// MinDebounce is the floor of the sync delay. Default: 2s.
	MinDebounce time.Duration

	// MaxDebounce is the ceiling of the sync delay. Default: 30s.
	MaxDebounce time.Duration

	// BurstThreshold is the changes-per-second rate above which the
	// debounce window grows. Default: 5.
	BurstThreshold float64

	// PollInterval is the delay between tree scans. Default: 500ms.
	PollInterval time.Duration

	// IgnorePatterns are path fragments excluded from watching.
	// Each pattern is compared against every path segment, either
	// exactly or as a glob. Default: DefaultIgnorePatterns().
	IgnorePatterns []string

	// Logger for watcher diagnostics. Default: logging.Default().
	Logger *logging.Logger
}

// DefaultIgnorePatterns returns the built-in exclusion set:
// dependency caches, build artifacts, and common lock files.
// Hidden dot-files and dot-directories are always skipped in
// addition to these.
func DefaultIgnorePatterns() []string {
	return []string{
		"node_modules",
		"__pycache__",
		"venv",
		"dist",
		"build",
		"target",
		"vendor",
		"*.pyc",
		"*.swp",
		"*.swo",
		"*.tmp",
		"*~",
		"*.lock",
		"package-lock.json",
		"yarn.lock",
	}
}

// withDefaults fills in zero fields.
func (o Options) withDefaults() Options {
	if o.MinDebounce <= 0 {
		o.MinDebounce = 2 * time.Second
	}
	if o.MaxDebounce <= 0 {
		o.MaxDebounce = 30 * time.Second
	}
	if o.MaxDebounce < o.MinDebounce {
		o.MaxDebounce = o.MinDebounce
	}
	if o.BurstThreshold <= 0 {
		o.BurstThreshold = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.IgnorePatterns == nil {
		o.IgnorePatterns = DefaultIgnorePatterns()
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	return o
}

// Ignored reports whether a workspace-relative path matches the
// exclusion rules: any hidden dot-segment, or any segment matching a
// pattern exactly or as a glob.
func Ignored(rel string, patterns []string) bool {
	for _, segment := range strings.Split(filepath.ToSlash(rel), "/") {
		if segment == "" {
			continue
		}
		if strings.HasPrefix(segment, ".") {
			return true
		}
		for _, pattern := range patterns {
			if segment == pattern {
				return true
			}
			if matched, _ := filepath.Match(pattern, segment); matched {
				return true
			}
		}
	}
	return false
}

// SmartFileWatcher watches a directory tree and delivers debounced
// change batches to a callback.
type SmartFileWatcher struct {
	root     string
	callback SyncCallback
	opts     Options
	log      *logging.Logger

	// notify is the optional fsnotify accelerant; nil when the
	// platform watcher could not be established.
	notify *fsnotify.Watcher
	wake   chan struct{}

	mu              sync.Mutex
	fileState       map[string]time.Time
	pending         map[string]struct{}
	currentDebounce time.Duration
	syncDeadline    time.Time
	windowStart     time.Time
	windowCount     int
	rate            float64
	watchedDirs     map[string]struct{}
	started         bool

	// dispatchMu serializes callback invocation between the poll
	// loop and TriggerImmediateSync.
	dispatchMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher for root. The callback receives each
// debounced batch; call Start to begin watching.
func New(root string, callback SyncCallback, opts Options) *SmartFileWatcher {
	opts = opts.withDefaults()
	return &SmartFileWatcher{
		root:            root,
		callback:        callback,
		opts:            opts,
		log:             opts.Logger,
		wake:            make(chan struct{}, 1),
		fileState:       make(map[string]time.Time),
		pending:         make(map[string]struct{}),
		currentDebounce: opts.MinDebounce,
		windowStart:     time.Now(),
		watchedDirs:     make(map[string]struct{}),
	}
}

// Start begins the poll loop. Idempotent while running: a second call
// no-ops. After Stop, Start brings the watcher back up with fresh
// lifecycle channels; the tracked file state survives the restart.
func (w *SmartFileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.done = make(chan struct{})
	w.watchedDirs = make(map[string]struct{})
	done := w.done
	w.mu.Unlock()

	if notify, err := fsnotify.NewWatcher(); err != nil {
		w.log.Warn("filesystem events unavailable, relying on polling only",
			"error", err)
	} else {
		w.mu.Lock()
		w.notify = notify
		w.mu.Unlock()
		w.wg.Add(1)
		go w.consumeEvents(notify, done)
	}

	w.wg.Add(1)
	go w.run(ctx, done)
	return nil
}

// Stop cancels the poll loop and any pending debounce and waits for
// all watcher goroutines to finish. Safe to call multiple times; a
// later Start resumes watching.
func (w *SmartFileWatcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.done)
	notify := w.notify
	w.notify = nil
	w.mu.Unlock()

	if notify != nil {
		notify.Close()
	}
	w.wg.Wait()
}

// TriggerImmediateSync rescans once and delivers whatever is pending
// synchronously, bypassing the debounce delay. Used when the caller
// knows a logical unit of work just completed. Resets the debounce
// window to its minimum on success.
func (w *SmartFileWatcher) TriggerImmediateSync(ctx context.Context) error {
	w.scan()

	w.mu.Lock()
	w.syncDeadline = time.Time{} // cancel any pending timer
	w.mu.Unlock()

	err := w.dispatch(ctx)
	if err == nil {
		w.mu.Lock()
		w.currentDebounce = w.opts.MinDebounce
		w.mu.Unlock()
	}
	return err
}

// CurrentDebounce returns the present debounce window.
func (w *SmartFileWatcher) CurrentDebounce() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentDebounce
}

// PendingCount returns the number of paths awaiting dispatch.
func (w *SmartFileWatcher) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// ChangesPerSecond returns the most recently computed change rate.
func (w *SmartFileWatcher) ChangesPerSecond() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rate
}

// run is the poll/debounce loop.
func (w *SmartFileWatcher) run(ctx context.Context, done <-chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		case <-w.wake:
		}

		w.scan()
		if w.deadlineReached() {
			if err := w.dispatch(ctx); err != nil {
				w.log.Warn("sync callback failed, changes requeued",
					"error", err)
			}
		}
	}
}

// consumeEvents forwards fsnotify activity into wake nudges.
func (w *SmartFileWatcher) consumeEvents(notify *fsnotify.Watcher, done <-chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-done:
			return
		case event, ok := <-notify.Events:
			if !ok {
				return
			}
			rel, err := filepath.Rel(w.root, event.Name)
			if err != nil || Ignored(rel, w.opts.IgnorePatterns) {
				continue
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		case err, ok := <-notify.Errors:
			if !ok {
				return
			}
			w.log.Debug("filesystem event error", "error", err)
		}
	}
}

// scan walks the tree once, diffs against the tracked state, and
// merges detected changes into the pending set.
func (w *SmartFileWatcher) scan() {
	seen := make(map[string]time.Time)
	var dirs []string

	err := filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, p)
		if relErr != nil || rel == "." {
			return nil
		}
		if Ignored(rel, w.opts.IgnorePatterns) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, p)
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		seen[filepath.ToSlash(rel)] = info.ModTime()
		return nil
	})
	if err != nil {
		w.log.Warn("workspace scan failed", "root", w.root, "error", err)
		return
	}

	w.addWatchDirs(dirs)

	now := time.Now()
	changes := 0

	w.mu.Lock()
	defer w.mu.Unlock()

	for rel, mtime := range seen {
		prev, known := w.fileState[rel]
		if !known || mtime.After(prev) {
			w.pending[rel] = struct{}{}
			changes++
		}
		w.fileState[rel] = mtime
	}
	for rel := range w.fileState {
		if _, onDisk := seen[rel]; !onDisk {
			delete(w.fileState, rel)
			w.pending[rel] = struct{}{}
			changes++
		}
	}

	if changes > 0 {
		w.windowCount += changes
		// New changes reschedule the pending sync.
		w.syncDeadline = now.Add(w.currentDebounce)
	}

	if elapsed := now.Sub(w.windowStart); elapsed >= rateWindow {
		w.rate = float64(w.windowCount) / elapsed.Seconds()
		w.adjustDebounceLocked()
		w.windowStart = now
		w.windowCount = 0
	}
}

// adjustDebounceLocked applies the adaptive backoff. Callers hold mu.
func (w *SmartFileWatcher) adjustDebounceLocked() {
	if w.rate > w.opts.BurstThreshold {
		w.currentDebounce = time.Duration(float64(w.currentDebounce) * debounceGrowth)
	} else {
		w.currentDebounce = time.Duration(float64(w.currentDebounce) * debounceShrink)
	}
	if w.currentDebounce > w.opts.MaxDebounce {
		w.currentDebounce = w.opts.MaxDebounce
	}
	if w.currentDebounce < w.opts.MinDebounce {
		w.currentDebounce = w.opts.MinDebounce
	}
}

// deadlineReached reports whether a pending sync is due.
func (w *SmartFileWatcher) deadlineReached() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.syncDeadline.IsZero() && !time.Now().Before(w.syncDeadline)
}

// dispatch atomically swaps out the pending set and delivers it to
// the callback. On failure the paths are merged back so nothing is
// lost; the error is returned for logging.
func (w *SmartFileWatcher) dispatch(ctx context.Context) error {
	w.dispatchMu.Lock()
	defer w.dispatchMu.Unlock()

	w.mu.Lock()
	if len(w.pending) == 0 {
		w.syncDeadline = time.Time{}
		w.mu.Unlock()
		return nil
	}
	batch := make([]string, 0, len(w.pending))
	for rel := range w.pending {
		batch = append(batch, rel)
	}
	w.pending = make(map[string]struct{})
	w.syncDeadline = time.Time{}
	w.mu.Unlock()

	sort.Strings(batch)

	if err := w.callback(ctx, batch); err != nil {
		w.mu.Lock()
		for _, rel := range batch {
			w.pending[rel] = struct{}{}
		}
		// Redeliver after the current window rather than immediately.
		w.syncDeadline = time.Now().Add(w.currentDebounce)
		w.mu.Unlock()
		return err
	}
	return nil
}

// addWatchDirs registers newly seen directories with the fsnotify
// accelerant.
func (w *SmartFileWatcher) addWatchDirs(dirs []string) {
	w.mu.Lock()
	notify := w.notify
	if notify == nil {
		w.mu.Unlock()
		return
	}
	var fresh []string
	for _, dir := range append(dirs, w.root) {
		if _, ok := w.watchedDirs[dir]; !ok {
			w.watchedDirs[dir] = struct{}{}
			fresh = append(fresh, dir)
		}
	}
	w.mu.Unlock()

	for _, dir := range fresh {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := notify.Add(dir); err != nil {
			w.log.Debug("failed to watch directory", "dir", dir, "error", err)
		}
	}
}
