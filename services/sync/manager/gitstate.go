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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianSandbox/services/sync/storage"
)

// gitTimeout bounds every individual git invocation. Bundling a large
// repository is the slowest operation and still finishes well inside
// this on sandbox-sized workspaces.
const gitTimeout = 60 * time.Second

// runGit executes one git command inside dir and returns stderr in the
// error for diagnosis. Failures here are never fatal to the caller;
// git preservation is best effort.
func runGit(ctx context.Context, dir string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("git %s: timeout after %v", args[0], gitTimeout)
		}
		return fmt.Errorf("git %s: %w: %s", args[0], err, stderr.String())
	}
	return nil
}

// preserveGitState bundles the workspace repository and uploads it.
//
// # Description
//
// If the workspace has a .git directory, `git bundle create --all`
// captures every ref and object into a single file, which is uploaded
// to the conversation's git prefix, replacing any previous bundle.
// A workspace without a repository is a no-op.
//
// # Outputs
//
//   - error: Non-nil if bundling or uploading failed. Callers log and
//     continue; a missed bundle must never block shutdown.
func (m *WorkspaceManager) preserveGitState(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(m.localDir, ".git")); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("checking for git repository: %w", err)
	}

	tmp, err := os.CreateTemp("", "sandbox-git-*.bundle")
	if err != nil {
		return fmt.Errorf("staging git bundle: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	// git refuses to overwrite some targets; bundle to a fresh path.
	os.Remove(tmpPath)
	if err := runGit(ctx, m.localDir, "bundle", "create", tmpPath, "--all"); err != nil {
		return fmt.Errorf("creating git bundle: %w", err)
	}

	key := m.paths.GitBundleKey()
	if err := m.storage.UploadFile(ctx, tmpPath, key); err != nil {
		return fmt.Errorf("uploading git bundle: %w", err)
	}

	m.log.Info("git state preserved", "key", key)
	return nil
}

// restoreGitState rebuilds the workspace repository from a remote
// bundle, if one exists and the workspace has no repository yet.
func (m *WorkspaceManager) restoreGitState(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(m.localDir, ".git")); err == nil {
		// Local repository already present; the working tree wins.
		return nil
	}

	key := m.paths.GitBundleKey()
	ok, err := m.storage.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("checking for git bundle: %w", err)
	}
	if !ok {
		return nil
	}

	tmp, err := os.CreateTemp("", "sandbox-git-*.bundle")
	if err != nil {
		return fmt.Errorf("staging git bundle: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := m.storage.DownloadFile(ctx, key, tmpPath); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("downloading git bundle: %w", err)
	}

	if err := runGit(ctx, m.localDir, "init"); err != nil {
		return err
	}
	if err := runGit(ctx, m.localDir, "fetch", tmpPath, "refs/*:refs/*"); err != nil {
		return err
	}

	m.log.Info("git state restored", "key", key)
	return nil
}
