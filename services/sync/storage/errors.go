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
	"net"
	"syscall"
)

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a local file or remote key does
	// not exist. Tolerated on delete and existence checks, surfaced
	// everywhere else.
	ErrNotFound = errors.New("object not found")

	// ErrPermissionDenied is returned on authorization failures.
	// Always fatal: storage misconfiguration must not be silently
	// swallowed.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTransient marks network faults and 5xx responses that are
	// safe to retry. Implementations retry these internally before
	// surfacing them.
	ErrTransient = errors.New("transient storage error")
)

// TransferError records the failure of a single file within a
// directory batch. Batches aggregate these with errors.Join so a
// partial failure still reports every affected path.
type TransferError struct {
	// Path is the workspace-relative path or remote key that failed.
	Path string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *TransferError) Unwrap() error {
	return e.Err
}

// isNetworkError reports whether err looks like a connection-level
// fault that a retry may resolve.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// classifyHTTPStatus maps an HTTP status code onto the sentinel
// taxonomy. Returns nil when the status carries no classification
// (the caller keeps the original error).
func classifyHTTPStatus(status int) error {
	switch {
	case status == 404:
		return ErrNotFound
	case status == 401 || status == 403:
		return ErrPermissionDenied
	case status == 429 || status >= 500:
		return ErrTransient
	default:
		return nil
	}
}

// retriable reports whether an already-classified error should be
// retried. Context cancellation is never retriable.
func retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
