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
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianSandbox/services/sync/storage"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, stderr.String())
	}
	return strings.TrimSpace(out.String())
}

func TestGitStateRoundTrip(t *testing.T) {
	requireGit(t)

	store := storage.NewMemoryStorage()
	ctx := context.Background()

	m1, dir1 := newTestManager(t, store, "conv-git")
	git(t, dir1, "init")
	writeLocal(t, dir1, "main.py", "print('v1')")
	git(t, dir1, "add", ".")
	git(t, dir1, "commit", "-m", "initial")
	head := git(t, dir1, "rev-parse", "HEAD")
	branch := git(t, dir1, "rev-parse", "--abbrev-ref", "HEAD")

	if err := m1.preserveGitState(ctx); err != nil {
		t.Fatalf("preserveGitState: %v", err)
	}
	if _, ok := store.Object(m1.paths.GitBundleKey()); !ok {
		t.Fatal("git bundle not uploaded")
	}

	m2, dir2 := newTestManager(t, store, "conv-git")
	if err := os.MkdirAll(dir2, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := m2.restoreGitState(ctx); err != nil {
		t.Fatalf("restoreGitState: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir2, ".git")); err != nil {
		t.Fatalf("no repository after restore: %v", err)
	}
	restored := git(t, dir2, "rev-parse", "refs/heads/"+branch)
	if restored != head {
		t.Errorf("restored head = %s, want %s", restored, head)
	}
}

func TestPreserveGitStateWithoutRepo(t *testing.T) {
	store := storage.NewMemoryStorage()
	m, _ := newTestManager(t, store, "conv-nogit")

	if err := m.preserveGitState(context.Background()); err != nil {
		t.Fatalf("preserveGitState on plain dir: %v", err)
	}
	if store.Len() != 0 {
		t.Error("bundle uploaded for a workspace without a repository")
	}
}

func TestRestoreGitStateWithoutBundle(t *testing.T) {
	store := storage.NewMemoryStorage()
	m, dir := newTestManager(t, store, "conv-nobundle")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if err := m.restoreGitState(context.Background()); err != nil {
		t.Fatalf("restoreGitState with empty remote: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); !os.IsNotExist(err) {
		t.Error("repository created without a bundle")
	}
}
