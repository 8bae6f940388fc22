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
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianSandbox/services/sync/watcher"
)

// DefaultBackupRetention is how many compressed backups are kept
// remotely before the oldest are pruned.
const DefaultBackupRetention = 10

// backupName returns the archive name for a backup taken at t.
func backupName(t time.Time) string {
	return fmt.Sprintf("backup-%s.tar.gz", t.Format(backupTimeFormat))
}

// createBackup archives the workspace and uploads it to the compressed
// prefix, then prunes remote backups beyond the retention count.
//
// # Description
//
// The archive is a tar.gz of every non-ignored file under the
// workspace, with slash-separated paths relative to the workspace
// root. It is staged in a temp file so a failed upload never leaves a
// partial object, and the temp file is always removed.
//
// # Inputs
//
//   - ctx: Governs the upload and the retention prune.
//   - trigger: Metric label (periodic, final, emergency).
//
// # Outputs
//
//   - error: Non-nil if archiving or uploading failed. Retention prune
//     failures are logged, not returned; the backup itself succeeded.
func (m *WorkspaceManager) createBackup(ctx context.Context, trigger string) (err error) {
	defer func() { recordBackup(trigger, err) }()

	name := backupName(time.Now())

	tmp, err := os.CreateTemp("", "sandbox-backup-*.tar.gz")
	if err != nil {
		return fmt.Errorf("staging backup archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	size, err := writeArchive(tmp, m.localDir, m.ignorePatterns)
	closeErr := tmp.Close()
	if err != nil {
		return fmt.Errorf("archiving workspace: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("flushing backup archive: %w", closeErr)
	}

	key := m.paths.BackupKey(name)
	if err := m.storage.UploadFile(ctx, tmpPath, key); err != nil {
		return fmt.Errorf("uploading backup %s: %w", name, err)
	}
	backupBytes.Set(float64(size))

	m.log.Info("workspace backup uploaded",
		"backup", name,
		"bytes", size,
		"trigger", trigger)

	if err := m.pruneBackups(ctx); err != nil {
		m.log.Warn("backup retention prune failed", "error", err)
	}
	return nil
}

// writeArchive streams a tar.gz of root into w and reports the
// compressed size. Ignored paths and the paths the watcher skips are
// excluded so archives match what the live mirror contains.
func writeArchive(w io.Writer, root string, ignorePatterns []string) (int64, error) {
	counter := &countingWriter{w: w}
	gz := gzip.NewWriter(counter)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Files can vanish mid-walk in an active sandbox.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if watcher.Ignored(rel, ignorePatterns) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			if os.IsNotExist(infoErr) {
				return nil
			}
			return infoErr
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return addArchiveFile(tw, p, rel, info)
	})
	if walkErr != nil {
		return 0, walkErr
	}
	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}
	return counter.n, nil
}

func addArchiveFile(tw *tar.Writer, fullPath, rel string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = rel

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := io.CopyN(tw, f, hdr.Size); err != nil && err != io.EOF {
		return fmt.Errorf("archiving %s: %w", rel, err)
	}
	return nil
}

// pruneBackups deletes remote backups beyond the retention count,
// oldest first. Backup names embed their timestamp, so lexical order
// is chronological order.
func (m *WorkspaceManager) pruneBackups(ctx context.Context) error {
	if m.backupRetention <= 0 {
		return nil
	}
	keys, err := m.storage.ListFiles(ctx, m.paths.CompressedPrefix())
	if err != nil {
		return err
	}

	var backups []string
	for _, key := range keys {
		base := path.Base(key)
		if strings.HasPrefix(base, "backup-") && strings.HasSuffix(base, ".tar.gz") {
			backups = append(backups, key)
		}
	}
	if len(backups) <= m.backupRetention {
		return nil
	}

	sort.Strings(backups)
	excess := backups[:len(backups)-m.backupRetention]
	for _, key := range excess {
		if err := m.storage.DeleteFile(ctx, key); err != nil {
			return fmt.Errorf("pruning %s: %w", key, err)
		}
		m.log.Debug("pruned old backup", "key", key)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
