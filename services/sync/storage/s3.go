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
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures the S3/MinIO transport.
type S3Config struct {
	// Endpoint is the host:port of the S3-compatible service,
	// without scheme (scheme is selected by Secure).
	Endpoint string

	// Bucket holds all workspace objects.
	Bucket string

	// Region is passed through to the client; MinIO deployments
	// usually leave it empty.
	Region string

	// AccessKey and SecretKey are static credentials.
	AccessKey string
	SecretKey string

	// Secure selects HTTPS transport.
	Secure bool

	// InsecureSkipVerify disables TLS certificate verification.
	// Only for self-signed development deployments.
	InsecureSkipVerify bool

	// MaxConcurrency bounds parallel transfers during directory
	// operations. Default: DefaultMaxConcurrency.
	MaxConcurrency int

	// Retry overrides the transient-failure retry policy.
	// Default: DefaultRetryPolicy().
	Retry *RetryPolicy
}

// S3Storage implements WorkspaceStorage against any S3-compatible
// object store (MinIO, AWS S3, Ceph RGW).
//
// # Thread Safety
//
// Safe for concurrent use; the underlying minio client is.
type S3Storage struct {
	client      *minio.Client
	bucket      string
	concurrency int
	retry       *RetryPolicy
}

// NewS3Storage creates an S3/MinIO-backed WorkspaceStorage.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	}
	if cfg.Secure && cfg.InsecureSkipVerify {
		transport, err := minio.DefaultTransport(true)
		if err != nil {
			return nil, fmt.Errorf("s3: build transport: %w", err)
		}
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		opts.Transport = transport
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}

	retry := cfg.Retry
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = DefaultMaxConcurrency
	}

	return &S3Storage{
		client:      client,
		bucket:      cfg.Bucket,
		concurrency: concurrency,
		retry:       retry,
	}, nil
}

// UploadFile copies a local file to the remote key.
func (s *S3Storage) UploadFile(ctx context.Context, localPath, remotePath string) error {
	if _, err := os.Stat(localPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("local file %s: %w", localPath, ErrNotFound)
		}
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	return s.retry.Do(ctx, func() error {
		_, err := s.client.FPutObject(ctx, s.bucket, toKey(remotePath), localPath, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		return s.classify(err)
	})
}

// DownloadFile copies a remote key to a local file, creating parent
// directories as needed.
func (s *S3Storage) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	return s.retry.Do(ctx, func() error {
		err := s.client.FGetObject(ctx, s.bucket, toKey(remotePath), localPath, minio.GetObjectOptions{})
		return s.classify(err)
	})
}

// UploadDirectory recursively uploads localDir under remotePrefix.
func (s *S3Storage) UploadDirectory(ctx context.Context, localDir, remotePrefix string) error {
	return uploadTree(ctx, localDir, remotePrefix, s.concurrency, s.UploadFile)
}

// DownloadDirectory recursively downloads remotePrefix into localDir.
func (s *S3Storage) DownloadDirectory(ctx context.Context, remotePrefix, localDir string) error {
	keys, err := s.ListFiles(ctx, remotePrefix)
	if err != nil {
		return err
	}
	return downloadTree(ctx, keys, remotePrefix, localDir, s.concurrency,
		func(ctx context.Context, localPath, remoteKey string) error {
			return s.DownloadFile(ctx, remoteKey, localPath)
		})
}

// DeleteFile removes a remote key. Absence is not an error.
func (s *S3Storage) DeleteFile(ctx context.Context, remotePath string) error {
	return s.retry.Do(ctx, func() error {
		err := s.client.RemoveObject(ctx, s.bucket, toKey(remotePath), minio.RemoveObjectOptions{})
		if err := s.classify(err); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	})
}

// DeleteDirectory removes every key under remotePrefix using the
// bulk-delete API, which batches up to 1000 keys per request.
func (s *S3Storage) DeleteDirectory(ctx context.Context, remotePrefix string) error {
	objectsCh := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)

	go func() {
		defer close(objectsCh)
		listErr <- s.forwardObjects(ctx, s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
			Prefix:    prefixForList(remotePrefix),
			Recursive: true,
		}), objectsCh)
	}()

	var errs []error
	for removeErr := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if err := s.classify(removeErr.Err); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, &TransferError{Path: removeErr.ObjectName, Err: err})
		}
	}
	if err := <-listErr; err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// forwardObjects relays listed objects into out until the listing ends
// or ctx is canceled. The cancellation arm keeps the producer from
// blocking forever when the bulk-delete consumer has already bailed.
func (s *S3Storage) forwardObjects(ctx context.Context, in <-chan minio.ObjectInfo, out chan<- minio.ObjectInfo) error {
	for object := range in {
		if object.Err != nil {
			return s.classify(object.Err)
		}
		select {
		case out <- object:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ListFiles returns every key under prefix. The minio client pages
// through list results transparently.
func (s *S3Storage) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefixForList(prefix),
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, s.classify(object.Err)
		}
		keys = append(keys, object.Key)
	}
	return keys, nil
}

// Exists reports whether the key exists exactly or as a virtual
// directory (some key has remotePath as a strict prefix). A single
// one-key listing covers both cases, since an exact key is a prefix
// of itself.
func (s *S3Storage) Exists(ctx context.Context, remotePath string) (bool, error) {
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for object := range s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{
		Prefix:    toKey(remotePath),
		Recursive: true,
		MaxKeys:   1,
	}) {
		if object.Err != nil {
			return false, s.classify(object.Err)
		}
		return true, nil
	}
	return false, nil
}

// GetFileSize returns the byte length of a remote key, or false when
// the key is absent.
func (s *S3Storage) GetFileSize(ctx context.Context, remotePath string) (int64, bool, error) {
	var size int64
	var found bool
	err := s.retry.Do(ctx, func() error {
		info, err := s.client.StatObject(ctx, s.bucket, toKey(remotePath), minio.StatObjectOptions{})
		if err := s.classify(err); err != nil {
			if errors.Is(err, ErrNotFound) {
				found = false
				return nil
			}
			return err
		}
		size, found = info.Size, true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return size, found, nil
}

// classify maps minio errors onto the package sentinel taxonomy.
func (s *S3Storage) classify(err error) error {
	if err == nil {
		return nil
	}

	resp := minio.ToErrorResponse(err)
	switch string(resp.Code) {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%s: %w", resp.Code, ErrNotFound)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%s: %w", resp.Code, ErrPermissionDenied)
	case "SlowDown", "InternalError", "ServiceUnavailable":
		return fmt.Errorf("%s: %w", resp.Code, ErrTransient)
	}
	if sentinel := classifyHTTPStatus(resp.StatusCode); sentinel != nil {
		return fmt.Errorf("%v: %w", err, sentinel)
	}
	if isNetworkError(err) {
		return fmt.Errorf("%v: %w", err, ErrTransient)
	}
	return err
}

// prefixForList normalizes a directory prefix for listing: trailing
// slash so "a/b" does not also match "a/bc/...".
func prefixForList(prefix string) string {
	p := toKey(prefix)
	if p == "" {
		return ""
	}
	return p + "/"
}

var _ WorkspaceStorage = (*S3Storage)(nil)
