// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the sandboxd YAML configuration from
// ~/.aleutiansandbox/sandboxd.yaml, creating a default file on first
// run. Credentials are taken from the environment when present so they
// never need to live in the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath returns the standard config location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutiansandbox", "sandboxd.yaml"), nil
}

// Load reads the config from the standard location, creating a default
// file on first run.
func Load() (SandboxConfig, error) {
	path, err := DefaultPath()
	if err != nil {
		return SandboxConfig{}, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path. The file is created
// with defaults if it does not exist.
func LoadFrom(path string) (SandboxConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return SandboxConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return SandboxConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SandboxConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return SandboxConfig{}, err
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides lets credentials come from the environment instead
// of the config file. SANDBOX_* wins over the AWS names.
func applyEnvOverrides(cfg *SandboxConfig) {
	if v := firstEnv("SANDBOX_ACCESS_KEY", "AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := firstEnv("SANDBOX_SECRET_KEY", "AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}
	if v := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" && cfg.Storage.CredentialsFile == "" {
		cfg.Storage.CredentialsFile = v
	}
	if v := os.Getenv("SANDBOX_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
