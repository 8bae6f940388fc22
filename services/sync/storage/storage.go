// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the object-storage contract used to mirror
// sandbox workspaces and provides S3/MinIO, Google Cloud Storage, and
// in-memory implementations.
//
// # Design Principles
//
// Object stores have no native directory concept; a "directory" here is
// any key prefix. Whole files are transferred (no byte-range sync), and
// directory transfers run on a bounded worker pool so a large tree
// cannot exhaust connections.
//
// # Error Taxonomy
//
// Implementations translate backend errors onto the package sentinels
// (ErrNotFound, ErrPermissionDenied, ErrTransient) so callers can take
// policy decisions with errors.Is without knowing the backend.
// Transient failures are retried inside the implementations with
// bounded attempts before surfacing.
//
// # Thread Safety
//
// All implementations are safe for concurrent use.
package storage

import "context"

// DefaultMaxConcurrency bounds parallel transfers during directory
// upload/download.
const DefaultMaxConcurrency = 10

// WorkspaceStorage is the capability contract a remote object store
// must satisfy to hold workspace mirrors.
//
// All methods honor context cancellation. Remote paths are
// forward-slash key names, never OS paths.
type WorkspaceStorage interface {
	// UploadFile copies a local file to the remote key. Returns
	// ErrNotFound if the local file does not exist. On success the
	// remote content equals the local file's bytes.
	UploadFile(ctx context.Context, localPath, remotePath string) error

	// DownloadFile copies a remote key to a local file, creating
	// parent directories as needed. Returns ErrNotFound if the key
	// is absent, ErrPermissionDenied on authorization failures.
	DownloadFile(ctx context.Context, remotePath, localPath string) error

	// UploadDirectory recursively uploads every file under localDir
	// to remotePrefix, preserving relative paths. Individual file
	// failures do not abort the batch; an aggregate error is
	// returned and succeeded transfers stay in place.
	UploadDirectory(ctx context.Context, localDir, remotePrefix string) error

	// DownloadDirectory recursively downloads every key under
	// remotePrefix into localDir. Same partial-failure semantics as
	// UploadDirectory.
	DownloadDirectory(ctx context.Context, remotePrefix, localDir string) error

	// DeleteFile removes a remote key. Absence is not an error.
	DeleteFile(ctx context.Context, remotePath string) error

	// DeleteDirectory removes every key under remotePrefix, batched
	// where the backend supports it. Absence is not an error.
	DeleteDirectory(ctx context.Context, remotePrefix string) error

	// ListFiles returns every key under prefix, paginating
	// transparently.
	ListFiles(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether the exact key exists or any key has
	// remotePath as a strict prefix (virtual directories).
	Exists(ctx context.Context, remotePath string) (bool, error)

	// GetFileSize returns the byte length of a remote key. The bool
	// is false when the key is absent.
	GetFileSize(ctx context.Context, remotePath string) (int64, bool, error)
}
