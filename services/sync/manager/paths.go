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
	"fmt"
	"path"
	"strings"
)

// Remote object layout. Every key a manager reads or writes lives under
// conversations/{user}/{conversation}/workspace/, which is what keeps
// concurrent sessions isolated from each other.
const (
	rootPrefix       = "conversations"
	workspaceSegment = "workspace"
	filesSegment     = "files"
	compressedSeg    = "compressed"
	gitSegment       = "git"

	// gitBundleName is the fixed object name for the preserved git
	// state. A single bundle per conversation is overwritten in place.
	gitBundleName = "workspace.bundle"

	// backupTimeFormat produces backup-20260830_142501.tar.gz style
	// names that sort lexicographically by creation time.
	backupTimeFormat = "20060102_150405"
)

// RemotePaths computes the object keys for one user/conversation pair.
//
// # Description
//
// RemotePaths is a pure value type. Construct it once per manager with
// NewRemotePaths, which validates the identifiers, and derive every
// remote key through its methods so no key can escape the namespace.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type RemotePaths struct {
	userID         string
	conversationID string
}

// NewRemotePaths validates the identifiers and returns the path layout.
//
// # Inputs
//
//   - userID: Owning user identifier. Must be a single path segment.
//   - conversationID: Logical session identifier. Same constraints.
//
// # Outputs
//
//   - RemotePaths: Layout rooted at the pair's namespace.
//   - error: Non-nil if either identifier is empty or would break out
//     of its path segment.
func NewRemotePaths(userID, conversationID string) (RemotePaths, error) {
	if err := validateID("user_id", userID); err != nil {
		return RemotePaths{}, err
	}
	if err := validateID("conversation_id", conversationID); err != nil {
		return RemotePaths{}, err
	}
	return RemotePaths{userID: userID, conversationID: conversationID}, nil
}

// validateID rejects identifiers that could alias another namespace.
func validateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%s must not contain path separators: %q", field, id)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%s must not be a relative path element: %q", field, id)
	}
	return nil
}

// Workspace returns the namespace root for this conversation.
func (p RemotePaths) Workspace() string {
	return path.Join(rootPrefix, p.userID, p.conversationID, workspaceSegment)
}

// FilesPrefix returns the prefix holding the live file mirror.
func (p RemotePaths) FilesPrefix() string {
	return path.Join(p.Workspace(), filesSegment)
}

// FileKey maps a workspace-relative path to its remote object key.
// The path is cleaned against a virtual root first, so no amount of
// ".." segments can reach outside the files prefix.
func (p RemotePaths) FileKey(rel string) string {
	cleaned := path.Clean("/" + rel)
	if cleaned == "/" {
		return p.FilesPrefix()
	}
	return p.FilesPrefix() + cleaned
}

// CompressedPrefix returns the prefix holding tar.gz backups.
func (p RemotePaths) CompressedPrefix() string {
	return path.Join(p.Workspace(), compressedSeg)
}

// BackupKey returns the object key for a backup archive named name.
func (p RemotePaths) BackupKey(name string) string {
	return path.Join(p.CompressedPrefix(), name)
}

// GitBundleKey returns the object key for the preserved git bundle.
func (p RemotePaths) GitBundleKey() string {
	return path.Join(p.Workspace(), gitSegment, gitBundleName)
}
