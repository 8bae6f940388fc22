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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig configures the Google Cloud Storage transport.
type GCSConfig struct {
	// Bucket holds all workspace objects.
	Bucket string

	// CredentialsFile is an optional path to a service account key.
	// When empty, application default credentials are used.
	CredentialsFile string

	// MaxConcurrency bounds parallel transfers during directory
	// operations. Default: DefaultMaxConcurrency.
	MaxConcurrency int

	// Retry overrides the transient-failure retry policy.
	// Default: DefaultRetryPolicy().
	Retry *RetryPolicy
}

// GCSStorage implements WorkspaceStorage on Google Cloud Storage.
type GCSStorage struct {
	client      *storage.Client
	bucket      string
	concurrency int
	retry       *RetryPolicy
}

// NewGCSStorage creates a GCS-backed WorkspaceStorage.
func NewGCSStorage(ctx context.Context, cfg GCSConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs: bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("gcs: service account key not found at %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: create client: %w", err)
	}

	retry := cfg.Retry
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = DefaultMaxConcurrency
	}

	return &GCSStorage{
		client:      client,
		bucket:      cfg.Bucket,
		concurrency: concurrency,
		retry:       retry,
	}, nil
}

// Close releases the underlying client.
func (g *GCSStorage) Close() error {
	return g.client.Close()
}

// UploadFile copies a local file to the remote key.
func (g *GCSStorage) UploadFile(ctx context.Context, localPath, remotePath string) error {
	if _, err := os.Stat(localPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("local file %s: %w", localPath, ErrNotFound)
		}
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	return g.retry.Do(ctx, func() error {
		localFile, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", localPath, err)
		}
		defer localFile.Close()

		writer := g.client.Bucket(g.bucket).Object(toKey(remotePath)).NewWriter(ctx)
		writer.ContentType = "application/octet-stream"
		writer.CacheControl = "no-cache, no-store, must-revalidate"

		if _, err := io.Copy(writer, localFile); err != nil {
			writer.Close()
			return g.classify(err)
		}
		return g.classify(writer.Close())
	})
}

// DownloadFile copies a remote key to a local file, creating parent
// directories as needed.
func (g *GCSStorage) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	return g.retry.Do(ctx, func() error {
		reader, err := g.client.Bucket(g.bucket).Object(toKey(remotePath)).NewReader(ctx)
		if err != nil {
			return g.classify(err)
		}
		defer reader.Close()

		localFile, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", localPath, err)
		}
		if _, err := io.Copy(localFile, reader); err != nil {
			localFile.Close()
			return g.classify(err)
		}
		return localFile.Close()
	})
}

// UploadDirectory recursively uploads localDir under remotePrefix.
func (g *GCSStorage) UploadDirectory(ctx context.Context, localDir, remotePrefix string) error {
	return uploadTree(ctx, localDir, remotePrefix, g.concurrency, g.UploadFile)
}

// DownloadDirectory recursively downloads remotePrefix into localDir.
func (g *GCSStorage) DownloadDirectory(ctx context.Context, remotePrefix, localDir string) error {
	keys, err := g.ListFiles(ctx, remotePrefix)
	if err != nil {
		return err
	}
	return downloadTree(ctx, keys, remotePrefix, localDir, g.concurrency,
		func(ctx context.Context, localPath, remoteKey string) error {
			return g.DownloadFile(ctx, remoteKey, localPath)
		})
}

// DeleteFile removes a remote key. Absence is not an error.
func (g *GCSStorage) DeleteFile(ctx context.Context, remotePath string) error {
	return g.retry.Do(ctx, func() error {
		err := g.classify(g.client.Bucket(g.bucket).Object(toKey(remotePath)).Delete(ctx))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	})
}

// DeleteDirectory removes every key under remotePrefix. The GCS API
// has no bulk delete, so deletes run on the bounded worker pool.
func (g *GCSStorage) DeleteDirectory(ctx context.Context, remotePrefix string) error {
	keys, err := g.ListFiles(ctx, remotePrefix)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	grp := new(errgroup.Group)
	grp.SetLimit(g.concurrency)
	for _, key := range keys {
		grp.Go(func() error {
			if err := g.DeleteFile(ctx, key); err != nil {
				mu.Lock()
				errs = append(errs, &TransferError{Path: key, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	grp.Wait()
	return errors.Join(errs...)
}

// ListFiles returns every key under prefix, paginating via the
// object iterator.
func (g *GCSStorage) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefixForList(prefix)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, g.classify(err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// Exists reports whether the key exists exactly or as a virtual
// directory prefix.
func (g *GCSStorage) Exists(ctx context.Context, remotePath string) (bool, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: toKey(remotePath)})
	_, err := it.Next()
	if err == iterator.Done {
		return false, nil
	}
	if err != nil {
		return false, g.classify(err)
	}
	return true, nil
}

// GetFileSize returns the byte length of a remote key, or false when
// the key is absent.
func (g *GCSStorage) GetFileSize(ctx context.Context, remotePath string) (int64, bool, error) {
	var size int64
	var found bool
	err := g.retry.Do(ctx, func() error {
		attrs, err := g.client.Bucket(g.bucket).Object(toKey(remotePath)).Attrs(ctx)
		if err := g.classify(err); err != nil {
			if errors.Is(err, ErrNotFound) {
				found = false
				return nil
			}
			return err
		}
		size, found = attrs.Size, true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return size, found, nil
}

// classify maps GCS errors onto the package sentinel taxonomy.
func (g *GCSStorage) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%v: %w", err, ErrNotFound)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if sentinel := classifyHTTPStatus(apiErr.Code); sentinel != nil {
			return fmt.Errorf("%v: %w", err, sentinel)
		}
		return err
	}
	if isNetworkError(err) {
		return fmt.Errorf("%v: %w", err, ErrTransient)
	}
	return err
}

var _ WorkspaceStorage = (*GCSStorage)(nil)
