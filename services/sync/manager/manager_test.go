// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianSandbox/services/sync/storage"
	"github.com/AleutianAI/AleutianSandbox/services/sync/watcher"
)

func fastWatcherOptions() watcher.Options {
	return watcher.Options{
		MinDebounce:    20 * time.Millisecond,
		MaxDebounce:    200 * time.Millisecond,
		BurstThreshold: 1000,
		PollInterval:   10 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, store storage.WorkspaceStorage, conversationID string) (*WorkspaceManager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := New(store, Config{
		UserID:         "user-1",
		ConversationID: conversationID,
		LocalDir:       dir,
		Watcher:        fastWatcherOptions(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, dir
}

func writeLocal(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func waitForObject(t *testing.T, store *storage.MemoryStorage, key, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, ok := store.Object(key); ok && string(data) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	data, ok := store.Object(key)
	t.Fatalf("object %s never reached wanted content (present=%v, got %q)", key, ok, data)
}

func waitForAbsent(t *testing.T, store *storage.MemoryStorage, key string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := store.Object(key); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("object %s still present", key)
}

func TestChangeHandlerUploadsAndDeletes(t *testing.T) {
	store := storage.NewMemoryStorage()
	m, dir := newTestManager(t, store, "conv-h")
	ctx := context.Background()

	writeLocal(t, dir, "src/app.py", "print('hi')")
	if err := m.handleChanges(ctx, []string{"src/app.py"}); err != nil {
		t.Fatalf("handleChanges upload: %v", err)
	}
	key := m.paths.FileKey("src/app.py")
	if data, ok := store.Object(key); !ok || string(data) != "print('hi')" {
		t.Fatalf("remote object = %q, %v", data, ok)
	}

	if err := os.Remove(filepath.Join(dir, "src", "app.py")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := m.handleChanges(ctx, []string{"src/app.py"}); err != nil {
		t.Fatalf("handleChanges delete: %v", err)
	}
	if _, ok := store.Object(key); ok {
		t.Fatal("remote object survived local deletion")
	}
}

// TestSessionLifecycle exercises the full loop: fresh session, a file
// written mid-session syncs automatically, survives shutdown, and a
// second session resumes with it.
func TestSessionLifecycle(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	m1, dir1 := newTestManager(t, store, "conv-life")
	if err := m1.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := m1.State(); got != StateRunning {
		t.Fatalf("state = %s, want RUNNING", got)
	}

	writeLocal(t, dir1, "main.py", "print('hello')")
	key := m1.paths.FileKey("main.py")
	waitForObject(t, store, key, "print('hello')")

	if err := m1.FinalSync(ctx); err != nil {
		t.Fatalf("FinalSync: %v", err)
	}
	if got := m1.State(); got != StateStopped {
		t.Fatalf("state after FinalSync = %s", got)
	}

	// Final shutdown leaves a compressed backup behind.
	backups, err := store.ListFiles(ctx, m1.paths.CompressedPrefix())
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(backups) == 0 {
		t.Fatal("no backup archive after final sync")
	}

	// A new sandbox for the same conversation resumes the work.
	m2, dir2 := newTestManager(t, store, "conv-life")
	if err := m2.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	defer m2.Cleanup(ctx)

	data, err := os.ReadFile(filepath.Join(dir2, "main.py"))
	if err != nil {
		t.Fatalf("restored file missing: %v", err)
	}
	if string(data) != "print('hello')" {
		t.Fatalf("restored content = %q", data)
	}
}

func TestDeletionPersistsAcrossSessions(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	m1, dir1 := newTestManager(t, store, "conv-del")
	if err := m1.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	writeLocal(t, dir1, "scratch.txt", "temp")
	key := m1.paths.FileKey("scratch.txt")
	waitForObject(t, store, key, "temp")

	if err := os.Remove(filepath.Join(dir1, "scratch.txt")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	waitForAbsent(t, store, key)

	if err := m1.FinalSync(ctx); err != nil {
		t.Fatalf("FinalSync: %v", err)
	}

	m2, dir2 := newTestManager(t, store, "conv-del")
	if err := m2.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	defer m2.Cleanup(ctx)

	if _, err := os.Stat(filepath.Join(dir2, "scratch.txt")); !os.IsNotExist(err) {
		t.Fatalf("deleted file came back: %v", err)
	}
}

func TestInitializeTwiceIsNoop(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	m, _ := newTestManager(t, store, "conv-twice")

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer m.Cleanup(ctx)

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize errored: %v", err)
	}
	if got := m.State(); got != StateRunning {
		t.Fatalf("state = %s, want RUNNING", got)
	}
}

func TestFinalSyncIdempotent(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	m, dir := newTestManager(t, store, "conv-fs")

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	writeLocal(t, dir, "a.txt", "1")
	waitForObject(t, store, m.paths.FileKey("a.txt"), "1")

	if err := m.FinalSync(ctx); err != nil {
		t.Fatalf("FinalSync: %v", err)
	}
	before := store.Len()

	if err := m.FinalSync(ctx); err != nil {
		t.Fatalf("repeat FinalSync: %v", err)
	}
	if store.Len() != before {
		t.Fatalf("repeat FinalSync mutated storage: %d -> %d", before, store.Len())
	}
}

// A deletion still sitting inside the debounce window when shutdown
// begins must reach the remote: the final full upload alone cannot
// remove keys, so a missed drain would resurrect the file next session.
func TestFinalSyncFlushesPendingDeletion(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	dir := t.TempDir()

	// Debounce far beyond the test horizon so the deletion stays queued
	// until FinalSync itself drains it.
	m, err := New(store, Config{
		UserID:         "user-1",
		ConversationID: "conv-pending-del",
		LocalDir:       dir,
		Watcher: watcher.Options{
			MinDebounce:    time.Hour,
			MaxDebounce:    time.Hour,
			BurstThreshold: 1000,
			PollInterval:   10 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	writeLocal(t, dir, "doomed.txt", "soon gone")
	if err := m.ManualSync(ctx); err != nil {
		t.Fatalf("ManualSync: %v", err)
	}
	key := m.paths.FileKey("doomed.txt")
	waitForObject(t, store, key, "soon gone")

	if err := os.Remove(filepath.Join(dir, "doomed.txt")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// Wait for a poll to notice the deletion; the hour-long debounce
	// guarantees it is still undispatched when FinalSync runs.
	deadline := time.Now().Add(5 * time.Second)
	for m.watcher.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never queued the deletion")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := m.FinalSync(ctx); err != nil {
		t.Fatalf("FinalSync: %v", err)
	}
	if _, ok := store.Object(key); ok {
		t.Fatalf("remote key %s survived a deletion pending at shutdown", key)
	}
}

func TestManualSyncFlushesWholeTree(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	m, dir := newTestManager(t, store, "conv-manual")

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer m.Cleanup(ctx)

	writeLocal(t, dir, "a/one.txt", "1")
	writeLocal(t, dir, "b/two.txt", "2")

	if err := m.ManualSync(ctx); err != nil {
		t.Fatalf("ManualSync: %v", err)
	}

	for _, rel := range []string{"a/one.txt", "b/two.txt"} {
		if _, ok := store.Object(m.paths.FileKey(rel)); !ok {
			t.Errorf("missing remote object for %s", rel)
		}
	}
}

func TestManualSyncRequiresRunning(t *testing.T) {
	store := storage.NewMemoryStorage()
	m, _ := newTestManager(t, store, "conv-notrun")
	if err := m.ManualSync(context.Background()); err == nil {
		t.Fatal("ManualSync on uninitialized manager succeeded")
	}
}

func TestConversationIsolation(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	mA, dirA := newTestManager(t, store, "conv-a")
	mB, dirB := newTestManager(t, store, "conv-b")

	writeLocal(t, dirA, "a.txt", "alpha")
	writeLocal(t, dirB, "b.txt", "beta")
	if err := mA.handleChanges(ctx, []string{"a.txt"}); err != nil {
		t.Fatalf("handleChanges A: %v", err)
	}
	if err := mB.handleChanges(ctx, []string{"b.txt"}); err != nil {
		t.Fatalf("handleChanges B: %v", err)
	}

	keys, err := store.ListFiles(ctx, "")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	for _, key := range keys {
		underA := strings.HasPrefix(key, mA.paths.Workspace()+"/")
		underB := strings.HasPrefix(key, mB.paths.Workspace()+"/")
		if underA == underB {
			t.Errorf("key %s is not under exactly one conversation namespace", key)
		}
	}

	aKeys, _ := store.ListFiles(ctx, mA.paths.FilesPrefix())
	if len(aKeys) != 1 || !strings.HasSuffix(aKeys[0], "/a.txt") {
		t.Errorf("conversation A keys = %v", aKeys)
	}
}

// serializedStore fails the test if a second mutation batch starts
// while another one is still in flight.
type serializedStore struct {
	*storage.MemoryStorage

	mu     sync.Mutex
	events []string
}

func (s *serializedStore) UploadFile(ctx context.Context, localPath, remotePath string) error {
	base := filepath.Base(remotePath)
	s.mu.Lock()
	s.events = append(s.events, "start "+base)
	s.mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	err := s.MemoryStorage.UploadFile(ctx, localPath, remotePath)

	s.mu.Lock()
	s.events = append(s.events, "end "+base)
	s.mu.Unlock()
	return err
}

func TestBatchesAreSerialized(t *testing.T) {
	store := &serializedStore{MemoryStorage: storage.NewMemoryStorage()}
	m, dir := newTestManager(t, store, "conv-serial")
	ctx := context.Background()

	writeLocal(t, dir, "a.txt", "a")
	writeLocal(t, dir, "b.txt", "b")

	var wg sync.WaitGroup
	for _, rel := range []string{"a.txt", "b.txt"} {
		rel := rel
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.handleChanges(ctx, []string{rel}); err != nil {
				t.Errorf("handleChanges(%s): %v", rel, err)
			}
		}()
	}
	wg.Wait()

	// With the sync mutex held per batch, the event log must be
	// start/end pairs for one file, then the other.
	if len(store.events) != 4 {
		t.Fatalf("events = %v", store.events)
	}
	first := strings.TrimPrefix(store.events[0], "start ")
	want := []string{"start " + first, "end " + first}
	if store.events[0] != want[0] || store.events[1] != want[1] {
		t.Fatalf("interleaved batches: %v", store.events)
	}
}

// failingUploadDir forces the final directory flush to fail while
// individual file uploads (used by backups) keep working.
type failingUploadDir struct {
	*storage.MemoryStorage
}

func (f *failingUploadDir) UploadDirectory(ctx context.Context, localDir, remotePrefix string) error {
	return fmt.Errorf("upload directory: %w", storage.ErrTransient)
}

func TestFinalSyncEmergencyBackup(t *testing.T) {
	store := &failingUploadDir{MemoryStorage: storage.NewMemoryStorage()}
	m, dir := newTestManager(t, store, "conv-emergency")
	ctx := context.Background()

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	writeLocal(t, dir, "work.txt", "unsaved")

	err := m.FinalSync(ctx)
	if err == nil {
		t.Fatal("FinalSync succeeded despite failing directory upload")
	}
	if !errors.Is(err, storage.ErrTransient) {
		t.Fatalf("FinalSync error = %v", err)
	}

	// The final attempt and the emergency attempt each leave an
	// archive behind.
	backups, listErr := store.ListFiles(ctx, m.paths.CompressedPrefix())
	if listErr != nil {
		t.Fatalf("ListFiles: %v", listErr)
	}
	if len(backups) == 0 {
		t.Fatal("no emergency backup archive")
	}
	if got := m.State(); got != StateStopped {
		t.Fatalf("state after failed FinalSync = %s", got)
	}
}

func TestRestoreIntoFreshDirectory(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	seed, err := NewRemotePaths("user-1", "conv-restore")
	if err != nil {
		t.Fatalf("NewRemotePaths: %v", err)
	}
	store.Put(seed.FileKey("notes/readme.md"), []byte("# notes"))
	store.Put(seed.FileKey("main.py"), []byte("pass"))

	m, dir := newTestManager(t, store, "conv-restore")
	if err := m.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	for rel, want := range map[string]string{
		"notes/readme.md": "# notes",
		"main.py":         "pass",
	} {
		data, readErr := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if readErr != nil {
			t.Fatalf("restored %s: %v", rel, readErr)
		}
		if string(data) != want {
			t.Errorf("%s content = %q, want %q", rel, data, want)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	store := storage.NewMemoryStorage()
	cases := []Config{
		{UserID: "", ConversationID: "c", LocalDir: "/tmp/x"},
		{UserID: "u", ConversationID: "", LocalDir: "/tmp/x"},
		{UserID: "u", ConversationID: "c", LocalDir: ""},
	}
	for i, cfg := range cases {
		if _, err := New(store, cfg); err == nil {
			t.Errorf("case %d: New accepted invalid config", i)
		}
	}
	if _, err := New(nil, Config{UserID: "u", ConversationID: "c", LocalDir: "/tmp/x"}); err == nil {
		t.Error("New accepted nil storage")
	}
}
