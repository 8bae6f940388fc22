// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manager orchestrates the lifecycle of one sandbox workspace:
// restore on startup, continuous mirroring while running, compressed
// backups on a schedule, and a final flush on shutdown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianSandbox/pkg/logging"
	"github.com/AleutianAI/AleutianSandbox/services/sync/storage"
	"github.com/AleutianAI/AleutianSandbox/services/sync/watcher"
)

// DefaultBackupInterval is how often the periodic backup task runs.
const DefaultBackupInterval = 300 * time.Second

// State tracks the manager lifecycle. Transitions only move forward.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateRunning
	StateShuttingDown
	StateStopped
)

// String returns a log-friendly state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config configures a WorkspaceManager.
type Config struct {
	// UserID and ConversationID select the remote namespace. Required.
	UserID         string
	ConversationID string

	// LocalDir is the workspace root on disk. Required; created if
	// absent.
	LocalDir string

	// BackupInterval is the period of the compressed backup task.
	// Default: DefaultBackupInterval.
	BackupInterval time.Duration

	// BackupRetention caps remote backups kept per conversation.
	// Zero or negative disables pruning. Default: DefaultBackupRetention.
	BackupRetention int

	// MaxConcurrency bounds parallel per-file transfers in a change
	// batch. Default: storage.DefaultMaxConcurrency.
	MaxConcurrency int

	// Watcher carries watcher tuning. Zero values use watcher defaults.
	Watcher watcher.Options

	// Logger defaults to logging.Default().
	Logger *logging.Logger
}

// WorkspaceManager keeps one local workspace mirrored to object
// storage.
//
// # Description
//
// The manager owns a SmartFileWatcher, a periodic backup task, and the
// remote path layout for its user/conversation pair. Every storage
// mutation it performs is serialized behind a single mutex, so a
// change batch, a manual sync, a backup, and the final flush can never
// interleave.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
type WorkspaceManager struct {
	storage  storage.WorkspaceStorage
	paths    RemotePaths
	localDir string
	log      *logging.Logger

	watcher        *watcher.SmartFileWatcher
	watcherOpts    watcher.Options
	ignorePatterns []string
	maxConcurrency int

	backupInterval  time.Duration
	backupRetention int
	backupCancel    context.CancelFunc
	backupDone      chan struct{}

	// syncMu serializes every storage mutation this manager performs.
	syncMu sync.Mutex

	state atomic.Int32
}

// New builds a WorkspaceManager. It does not touch disk or storage;
// call Initialize to start mirroring.
func New(store storage.WorkspaceStorage, cfg Config) (*WorkspaceManager, error) {
	if store == nil {
		return nil, errors.New("storage must not be nil")
	}
	if cfg.LocalDir == "" {
		return nil, errors.New("local dir must not be empty")
	}
	paths, err := NewRemotePaths(cfg.UserID, cfg.ConversationID)
	if err != nil {
		return nil, err
	}

	if cfg.BackupInterval <= 0 {
		cfg.BackupInterval = DefaultBackupInterval
	}
	if cfg.BackupRetention == 0 {
		cfg.BackupRetention = DefaultBackupRetention
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = storage.DefaultMaxConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Watcher.IgnorePatterns == nil {
		cfg.Watcher.IgnorePatterns = watcher.DefaultIgnorePatterns()
	}
	if cfg.Watcher.Logger == nil {
		cfg.Watcher.Logger = cfg.Logger
	}

	return &WorkspaceManager{
		storage:         store,
		paths:           paths,
		localDir:        cfg.LocalDir,
		log:             cfg.Logger.With("component", "workspace_manager", "conversation_id", cfg.ConversationID),
		watcherOpts:     cfg.Watcher,
		ignorePatterns:  cfg.Watcher.IgnorePatterns,
		maxConcurrency:  cfg.MaxConcurrency,
		backupInterval:  cfg.BackupInterval,
		backupRetention: cfg.BackupRetention,
	}, nil
}

// State returns the current lifecycle state.
func (m *WorkspaceManager) State() State {
	return State(m.state.Load())
}

// Paths exposes the remote layout, mostly for hosts composing keys for
// display.
func (m *WorkspaceManager) Paths() RemotePaths {
	return m.paths
}

// Initialize restores the workspace and starts mirroring.
//
// # Description
//
// Creates the local directory, downloads the remote mirror if this
// conversation has one (including its git bundle), then starts the
// file watcher and the periodic backup task. Restore failures on
// individual files are logged and skipped so a corrupt object cannot
// brick a session.
//
// Calling Initialize on an already initialized manager logs and
// returns nil.
func (m *WorkspaceManager) Initialize(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		m.log.Warn("initialize called twice", "state", m.State().String())
		return nil
	}

	m.log.Info("initializing workspace",
		"local_dir", m.localDir,
		"remote_prefix", m.paths.Workspace())

	if err := m.Restore(ctx); err != nil {
		m.state.Store(int32(StateStopped))
		return err
	}

	m.watcher = watcher.New(m.localDir, m.handleChanges, m.watcherOpts)
	if err := m.watcher.Start(ctx); err != nil {
		m.state.Store(int32(StateStopped))
		return fmt.Errorf("starting file watcher: %w", err)
	}

	backupCtx, cancel := context.WithCancel(context.Background())
	m.backupCancel = cancel
	m.backupDone = make(chan struct{})
	go m.backupLoop(backupCtx)

	m.state.Store(int32(StateRunning))
	m.log.Info("workspace manager running")
	return nil
}

// Restore creates the local directory and downloads the remote mirror
// into it, along with any preserved git state. Safe to call without
// Initialize; the restore CLI command uses it directly.
func (m *WorkspaceManager) Restore(ctx context.Context) error {
	if err := os.MkdirAll(m.localDir, 0755); err != nil {
		return fmt.Errorf("creating workspace dir: %w", err)
	}

	prefix := m.paths.FilesPrefix()
	ok, err := m.storage.Exists(ctx, prefix)
	if err != nil {
		return fmt.Errorf("checking remote workspace: %w", err)
	}
	if !ok {
		m.log.Info("no remote workspace, starting fresh")
		return nil
	}

	if err := m.storage.DownloadDirectory(ctx, prefix, m.localDir); err != nil {
		// Partial restores keep whatever downloaded cleanly.
		m.log.Warn("workspace restore incomplete", "error", err)
	} else {
		m.log.Info("workspace restored", "prefix", prefix)
	}

	if err := m.restoreGitState(ctx); err != nil {
		m.log.Warn("git state restore failed", "error", err)
	}
	return nil
}

// handleChanges mirrors one change batch to storage.
//
// # Description
//
// For every workspace-relative path in the batch: if the file exists
// locally it is uploaded, otherwise its remote key is deleted.
// Transfers run concurrently up to the manager's limit. Individual
// failures are logged and counted; the aggregate error is returned so
// the watcher requeues the batch (re-uploading an already synced file
// is harmless).
func (m *WorkspaceManager) handleChanges(ctx context.Context, paths []string) error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	start := time.Now()
	err := m.mirrorBatch(ctx, paths)
	recordBatch("watcher", err, time.Since(start).Seconds())

	if err != nil {
		m.log.Warn("change batch had failures",
			"batch_size", len(paths),
			"error", err)
		return err
	}
	m.log.Debug("change batch synced", "batch_size", len(paths))
	return nil
}

// mirrorBatch performs the per-file upload/delete fan-out. Callers
// hold syncMu.
func (m *WorkspaceManager) mirrorBatch(ctx context.Context, paths []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxConcurrency)

	var mu sync.Mutex
	var failures []error

	for _, rel := range paths {
		rel := rel
		g.Go(func() error {
			if err := m.mirrorOne(gctx, rel); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(failures...)
}

func (m *WorkspaceManager) mirrorOne(ctx context.Context, rel string) error {
	local := filepath.Join(m.localDir, filepath.FromSlash(rel))
	key := m.paths.FileKey(rel)

	info, err := os.Stat(local)
	switch {
	case err == nil && info.Mode().IsRegular():
		if uploadErr := m.storage.UploadFile(ctx, local, key); uploadErr != nil {
			syncErrors.WithLabelValues("upload").Inc()
			m.log.Warn("upload failed", "path", rel, "error", uploadErr)
			return fmt.Errorf("upload %s: %w", rel, uploadErr)
		}
		syncFiles.WithLabelValues("upload").Inc()
	case err == nil:
		// Directories and special files are not mirrored.
	case os.IsNotExist(err):
		if delErr := m.storage.DeleteFile(ctx, key); delErr != nil {
			syncErrors.WithLabelValues("delete").Inc()
			m.log.Warn("remote delete failed", "path", rel, "error", delErr)
			return fmt.Errorf("delete %s: %w", rel, delErr)
		}
		syncFiles.WithLabelValues("delete").Inc()
	default:
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	return nil
}

// ManualSync flushes pending changes and re-uploads the whole
// workspace.
//
// # Description
//
// First drains the watcher synchronously, then uploads the full
// directory tree under the sync mutex. Used by the sync CLI command
// and before operations that need the mirror exact.
func (m *WorkspaceManager) ManualSync(ctx context.Context) error {
	if s := m.State(); s != StateRunning {
		return fmt.Errorf("manual sync requires a running manager, state is %s", s)
	}

	if err := m.watcher.TriggerImmediateSync(ctx); err != nil {
		m.log.Warn("immediate sync left changes pending", "error", err)
	}

	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	start := time.Now()
	err := m.storage.UploadDirectory(ctx, m.localDir, m.paths.FilesPrefix())
	recordBatch("manual", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("manual sync: %w", err)
	}
	m.log.Info("manual sync complete")
	return nil
}

// backupLoop runs the periodic compressed backup until canceled.
func (m *WorkspaceManager) backupLoop(ctx context.Context) {
	defer close(m.backupDone)

	ticker := time.NewTicker(m.backupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.syncMu.Lock()
			err := m.createBackup(ctx, "periodic")
			m.syncMu.Unlock()
			if err != nil {
				m.log.Warn("periodic backup failed", "error", err)
			}
		}
	}
}

// FinalSync flushes everything before the sandbox disappears.
//
// # Description
//
// Stops the watcher and backup task, then preserves git state, takes
// a final compressed backup, and re-uploads the full directory. If the
// flush fails, one emergency backup-only attempt runs so at least a
// recoverable archive exists. Idempotent; only the first call does
// work. Callers bound the attempt with their context deadline.
func (m *WorkspaceManager) FinalSync(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) {
		m.log.Info("final sync skipped", "state", m.State().String())
		return nil
	}
	defer m.state.Store(int32(StateStopped))

	m.log.Info("final sync starting")

	// Drain before stopping: changes still inside the debounce window
	// include deletions, which the full re-upload below cannot replay.
	var drainErr error
	if drainErr = m.watcher.TriggerImmediateSync(ctx); drainErr != nil {
		m.log.Warn("shutdown drain left changes pending", "error", drainErr)
	}
	m.watcher.Stop()
	if m.backupCancel != nil {
		m.backupCancel()
		<-m.backupDone
	}

	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	if err := m.preserveGitState(ctx); err != nil {
		m.log.Warn("git state preservation failed", "error", err)
	}

	err := m.finalFlush(ctx)
	if err != nil {
		m.log.Error("final sync failed, attempting emergency backup", "error", err)
		if backupErr := m.createBackup(ctx, "emergency"); backupErr != nil {
			m.log.Error("emergency backup failed", "error", backupErr)
			return errors.Join(err, backupErr)
		}
		m.log.Info("emergency backup uploaded")
		return err
	}

	if drainErr != nil {
		return fmt.Errorf("shutdown drain: %w", drainErr)
	}
	m.log.Info("final sync complete")
	return nil
}

// finalFlush takes the shutdown backup and re-uploads the tree.
// Callers hold syncMu.
func (m *WorkspaceManager) finalFlush(ctx context.Context) error {
	if err := m.createBackup(ctx, "final"); err != nil {
		return err
	}

	start := time.Now()
	err := m.storage.UploadDirectory(ctx, m.localDir, m.paths.FilesPrefix())
	recordBatch("final", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("final upload: %w", err)
	}
	return nil
}

// Cleanup performs the final sync and releases resources. Safe to call
// more than once.
func (m *WorkspaceManager) Cleanup(ctx context.Context) error {
	err := m.FinalSync(ctx)
	if m.watcher != nil {
		m.watcher.Stop()
	}
	return err
}

// RegisterShutdownHooks wires SIGINT/SIGTERM to FinalSync.
//
// # Description
//
// On the first signal, FinalSync runs with the given timeout and the
// returned channel closes. Hosts block on the channel to keep the
// process alive until the flush finishes.
//
// # Inputs
//
//   - timeout: Upper bound for the final sync attempt.
//
// # Outputs
//
//   - <-chan struct{}: Closed after shutdown handling completes.
func (m *WorkspaceManager) RegisterShutdownHooks(timeout time.Duration) <-chan struct{} {
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer close(done)
		sig := <-sigCh
		signal.Stop(sigCh)
		m.log.Info("shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := m.FinalSync(ctx); err != nil {
			m.log.Error("shutdown flush failed", "error", err)
		}
	}()

	return done
}
