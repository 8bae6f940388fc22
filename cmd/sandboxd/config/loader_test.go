// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// TestCreateDefault verifies default config creation on first run.
func TestCreateDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".aleutiansandbox", "sandboxd.yaml")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("config file was not created")
	}

	if cfg.Storage.Backend != "s3" {
		t.Errorf("Storage.Backend = %q, want %q", cfg.Storage.Backend, "s3")
	}
	if cfg.Watcher.MinDebounce.Std() != 2*time.Second {
		t.Errorf("Watcher.MinDebounce = %v, want 2s", cfg.Watcher.MinDebounce.Std())
	}
	if cfg.Sync.BackupRetention != 10 {
		t.Errorf("Sync.BackupRetention = %d, want 10", cfg.Sync.BackupRetention)
	}
	if cfg.Sync.ShutdownTimeout.Std() != 30*time.Second {
		t.Errorf("Sync.ShutdownTimeout = %v, want 30s", cfg.Sync.ShutdownTimeout.Std())
	}
}

func TestLoadFromOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxd.yaml")
	content := `
storage:
  backend: memory
watcher:
  min_debounce: 100ms
  max_debounce: 1s
  burst_threshold: 2.5
sync:
  backup_interval: 1m
  backup_retention: 3
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Storage.Backend != "memory" {
		t.Errorf("Backend = %q", cfg.Storage.Backend)
	}
	if cfg.Watcher.MinDebounce.Std() != 100*time.Millisecond {
		t.Errorf("MinDebounce = %v", cfg.Watcher.MinDebounce.Std())
	}
	if cfg.Watcher.BurstThreshold != 2.5 {
		t.Errorf("BurstThreshold = %v", cfg.Watcher.BurstThreshold)
	}
	if cfg.Sync.BackupInterval.Std() != time.Minute {
		t.Errorf("BackupInterval = %v", cfg.Sync.BackupInterval.Std())
	}
	if cfg.Sync.BackupRetention != 3 {
		t.Errorf("BackupRetention = %d", cfg.Sync.BackupRetention)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Watcher.PollInterval.Std() != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want default 500ms", cfg.Watcher.PollInterval.Std())
	}
}

func TestEnvCredentialOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxd.yaml")
	content := `
storage:
  backend: s3
  bucket: from-file
  access_key: file-key
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("SANDBOX_ACCESS_KEY", "env-key")
	t.Setenv("SANDBOX_SECRET_KEY", "env-secret")
	t.Setenv("SANDBOX_BUCKET", "env-bucket")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Storage.AccessKey != "env-key" {
		t.Errorf("AccessKey = %q, want env override", cfg.Storage.AccessKey)
	}
	if cfg.Storage.SecretKey != "env-secret" {
		t.Errorf("SecretKey = %q, want env override", cfg.Storage.SecretKey)
	}
	if cfg.Storage.Bucket != "env-bucket" {
		t.Errorf("Bucket = %q, want env override", cfg.Storage.Bucket)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*SandboxConfig)
	}{
		{"unknown backend", func(c *SandboxConfig) { c.Storage.Backend = "ftp" }},
		{"missing bucket", func(c *SandboxConfig) { c.Storage.Bucket = "" }},
		{"inverted debounce", func(c *SandboxConfig) {
			c.Watcher.MinDebounce = Duration(10 * time.Second)
			c.Watcher.MaxDebounce = Duration(time.Second)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mut(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	type doc struct {
		D Duration `yaml:"d"`
	}
	out, err := yaml.Marshal(doc{D: Duration(90 * time.Second)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back doc
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.D.Std() != 90*time.Second {
		t.Errorf("round trip = %v", back.D.Std())
	}

	var bad doc
	if err := yaml.Unmarshal([]byte("d: not-a-duration"), &bad); err == nil {
		t.Error("Unmarshal accepted a malformed duration")
	}
}
