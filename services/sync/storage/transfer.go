// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// transferFunc moves a single file between a local path and a remote key.
type transferFunc func(ctx context.Context, localPath, remoteKey string) error

// joinKey joins object-store key segments with forward slashes,
// independent of the host OS separator.
func joinKey(segments ...string) string {
	cleaned := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return path.Join(cleaned...)
}

// toKey converts an OS-relative path to an object-store key.
func toKey(rel string) string {
	return strings.Trim(filepath.ToSlash(rel), "/")
}

// walkLocalFiles returns the relative paths of all regular files under
// root. Walk errors on individual entries are skipped so one unreadable
// directory does not hide the rest of the tree.
func walkLocalFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// uploadTree uploads every file under localDir to remotePrefix on a
// bounded worker pool. A failed file is recorded and the rest of the
// batch continues; the aggregate error lists every failed path.
func uploadTree(ctx context.Context, localDir, remotePrefix string, concurrency int, upload transferFunc) error {
	files, err := walkLocalFiles(localDir)
	if err != nil {
		return err
	}
	if concurrency <= 0 {
		concurrency = DefaultMaxConcurrency
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for _, rel := range files {
		g.Go(func() error {
			local := filepath.Join(localDir, rel)
			remote := joinKey(remotePrefix, toKey(rel))
			if err := upload(ctx, local, remote); err != nil {
				mu.Lock()
				errs = append(errs, &TransferError{Path: rel, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// downloadTree downloads every remote key under remotePrefix into
// localDir on a bounded worker pool, with the same partial-failure
// semantics as uploadTree.
func downloadTree(ctx context.Context, keys []string, remotePrefix, localDir string, concurrency int, download transferFunc) error {
	if concurrency <= 0 {
		concurrency = DefaultMaxConcurrency
	}
	prefix := strings.Trim(remotePrefix, "/")

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for _, key := range keys {
		rel := strings.TrimPrefix(strings.TrimPrefix(strings.Trim(key, "/"), prefix), "/")
		if rel == "" {
			continue
		}
		g.Go(func() error {
			local := filepath.Join(localDir, filepath.FromSlash(rel))
			if err := download(ctx, local, key); err != nil {
				mu.Lock()
				errs = append(errs, &TransferError{Path: key, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
