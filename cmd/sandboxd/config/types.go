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
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as
// human-readable strings like "30s" or "5m".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

type SandboxConfig struct {
	// Storage selects and configures the object storage backend.
	Storage StorageConfig `yaml:"storage"`

	// Watcher tunes change detection.
	Watcher WatcherConfig `yaml:"watcher"`

	// Sync controls backups and shutdown behavior.
	Sync SyncConfig `yaml:"sync"`

	// Logging: level and optional file output directory.
	Logging LoggingConfig `yaml:"logging"`
}

type StorageConfig struct {
	// Backend can be "s3", "gcs", or "memory".
	Backend string `yaml:"backend"`
	Bucket  string `yaml:"bucket"`

	// S3/MinIO settings.
	Endpoint           string `yaml:"endpoint,omitempty"`
	Region             string `yaml:"region,omitempty"`
	AccessKey          string `yaml:"access_key,omitempty"`
	SecretKey          string `yaml:"secret_key,omitempty"`
	Secure             bool   `yaml:"secure"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	// GCS settings.
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

type WatcherConfig struct {
	MinDebounce    Duration `yaml:"min_debounce"`    // e.g. 2s
	MaxDebounce    Duration `yaml:"max_debounce"`    // e.g. 30s
	PollInterval   Duration `yaml:"poll_interval"`   // e.g. 500ms
	BurstThreshold float64  `yaml:"burst_threshold"` // changes/sec

	// IgnorePatterns replaces the default ignore set when non-empty.
	IgnorePatterns []string `yaml:"ignore_patterns,omitempty"`
}

type SyncConfig struct {
	BackupInterval  Duration `yaml:"backup_interval"`  // e.g. 5m
	BackupRetention int      `yaml:"backup_retention"` // archives kept remotely
	ShutdownTimeout Duration `yaml:"shutdown_timeout"` // bound on the final flush
	MaxConcurrency  int      `yaml:"max_concurrency"`  // parallel transfers
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() SandboxConfig {
	return SandboxConfig{
		Storage: StorageConfig{
			Backend: "s3",
			Bucket:  "aleutian-sandbox",
			Secure:  true,
		},
		Watcher: WatcherConfig{
			MinDebounce:    Duration(2 * time.Second),
			MaxDebounce:    Duration(30 * time.Second),
			PollInterval:   Duration(500 * time.Millisecond),
			BurstThreshold: 5,
		},
		Sync: SyncConfig{
			BackupInterval:  Duration(300 * time.Second),
			BackupRetention: 10,
			ShutdownTimeout: Duration(30 * time.Second),
			MaxConcurrency:  10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *SandboxConfig) Validate() error {
	switch c.Storage.Backend {
	case "s3", "gcs", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q (want s3, gcs, or memory)", c.Storage.Backend)
	}
	if c.Storage.Backend != "memory" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket must be set for backend %q", c.Storage.Backend)
	}
	if c.Watcher.MinDebounce > 0 && c.Watcher.MaxDebounce > 0 &&
		c.Watcher.MaxDebounce < c.Watcher.MinDebounce {
		return fmt.Errorf("max_debounce %v is below min_debounce %v",
			c.Watcher.MaxDebounce.Std(), c.Watcher.MinDebounce.Std())
	}
	return nil
}
