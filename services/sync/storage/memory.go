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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// MemoryStorage is an in-process WorkspaceStorage backed by a map.
// Used by tests and by `sandboxd run --backend memory` dry runs.
// Objects do not survive the process.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (m *MemoryStorage) UploadFile(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("local file %s: %w", localPath, ErrNotFound)
		}
		return err
	}
	m.mu.Lock()
	m.objects[toKey(remotePath)] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	data, ok := m.objects[toKey(remotePath)]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("key %s: %w", remotePath, ErrNotFound)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0644)
}

func (m *MemoryStorage) UploadDirectory(ctx context.Context, localDir, remotePrefix string) error {
	return uploadTree(ctx, localDir, remotePrefix, DefaultMaxConcurrency, m.UploadFile)
}

func (m *MemoryStorage) DownloadDirectory(ctx context.Context, remotePrefix, localDir string) error {
	keys, err := m.ListFiles(ctx, remotePrefix)
	if err != nil {
		return err
	}
	return downloadTree(ctx, keys, remotePrefix, localDir, DefaultMaxConcurrency,
		func(ctx context.Context, localPath, remoteKey string) error {
			return m.DownloadFile(ctx, remoteKey, localPath)
		})
}

func (m *MemoryStorage) DeleteFile(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, toKey(remotePath))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) DeleteDirectory(ctx context.Context, remotePrefix string) error {
	keys, err := m.ListFiles(ctx, remotePrefix)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, key := range keys {
		delete(m.objects, key)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := prefixForList(prefix)
	m.mu.RLock()
	var keys []string
	for key := range m.objects {
		if p == "" || strings.HasPrefix(key, p) {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStorage) Exists(ctx context.Context, remotePath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p := toKey(remotePath)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[p]; ok {
		return true, nil
	}
	for key := range m.objects {
		if strings.HasPrefix(key, p) && len(key) > len(p) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStorage) GetFileSize(ctx context.Context, remotePath string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.RLock()
	data, ok := m.objects[toKey(remotePath)]
	m.mu.RUnlock()
	if !ok {
		return 0, false, nil
	}
	return int64(len(data)), true, nil
}

// Object returns the stored bytes for a key. Test helper.
func (m *MemoryStorage) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[toKey(key)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Put stores bytes at a key directly. Test helper.
func (m *MemoryStorage) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[toKey(key)] = append([]byte(nil), data...)
}

// Len returns the number of stored objects. Test helper.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ WorkspaceStorage = (*MemoryStorage)(nil)
