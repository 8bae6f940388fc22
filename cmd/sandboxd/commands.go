// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSandbox/cmd/sandboxd/config"
	"github.com/AleutianAI/AleutianSandbox/pkg/logging"
	"github.com/AleutianAI/AleutianSandbox/services/sync/manager"
	"github.com/AleutianAI/AleutianSandbox/services/sync/storage"
	"github.com/AleutianAI/AleutianSandbox/services/sync/watcher"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var (
	configPath     string
	userID         string
	conversationID string
	workspaceDir   string
	backendName    string

	rootCmd = &cobra.Command{
		Use:   "sandboxd",
		Short: "Keeps a sandboxed workspace durably mirrored to object storage",
		Long: `sandboxd watches a sandbox workspace directory, mirrors every
change to object storage, takes periodic compressed backups, and
restores the workspace when a session resumes.`,
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Restore the workspace and mirror it until shutdown",
		RunE:  runDaemon,
	}

	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "One-shot full synchronization of the workspace",
		RunE:  runOneShotSync,
	}

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Download the remote workspace into the local directory",
		RunE:  runRestore,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the sandboxd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sandboxd %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to sandboxd.yaml (default ~/.aleutiansandbox/sandboxd.yaml)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "",
		"user identifier (default: generated)")
	rootCmd.PersistentFlags().StringVar(&conversationID, "conversation", "",
		"conversation identifier (default: generated)")
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace", "/workspace",
		"local workspace directory")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "",
		"override the storage backend (s3, gcs, memory)")

	rootCmd.AddCommand(runCmd, syncCmd, restoreCmd, versionCmd)
}

// loadConfig reads the YAML config and applies flag overrides.
func loadConfig() (config.SandboxConfig, error) {
	var cfg config.SandboxConfig
	var err error
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return cfg, err
	}
	if backendName != "" {
		cfg.Storage.Backend = backendName
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// buildLogger constructs the process logger from config.
func buildLogger(cfg config.SandboxConfig) *logging.Logger {
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "sandboxd",
	})
}

// buildStorage constructs the configured storage backend.
func buildStorage(ctx context.Context, cfg config.SandboxConfig) (storage.WorkspaceStorage, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return storage.NewS3Storage(storage.S3Config{
			Endpoint:           cfg.Storage.Endpoint,
			Bucket:             cfg.Storage.Bucket,
			Region:             cfg.Storage.Region,
			AccessKey:          cfg.Storage.AccessKey,
			SecretKey:          cfg.Storage.SecretKey,
			Secure:             cfg.Storage.Secure,
			InsecureSkipVerify: cfg.Storage.InsecureSkipVerify,
			MaxConcurrency:     cfg.Sync.MaxConcurrency,
		})
	case "gcs":
		return storage.NewGCSStorage(ctx, storage.GCSConfig{
			Bucket:          cfg.Storage.Bucket,
			CredentialsFile: cfg.Storage.CredentialsFile,
			MaxConcurrency:  cfg.Sync.MaxConcurrency,
		})
	case "memory":
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildManager wires config, storage, and identifiers into a manager.
func buildManager(ctx context.Context, cfg config.SandboxConfig, log *logging.Logger) (*manager.WorkspaceManager, error) {
	if userID == "" {
		userID = uuid.NewString()
		log.Info("generated user id", "user_id", userID)
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
		log.Info("generated conversation id", "conversation_id", conversationID)
	}

	store, err := buildStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building storage backend: %w", err)
	}

	return manager.New(store, manager.Config{
		UserID:          userID,
		ConversationID:  conversationID,
		LocalDir:        workspaceDir,
		BackupInterval:  cfg.Sync.BackupInterval.Std(),
		BackupRetention: cfg.Sync.BackupRetention,
		MaxConcurrency:  cfg.Sync.MaxConcurrency,
		Watcher: watcher.Options{
			MinDebounce:    cfg.Watcher.MinDebounce.Std(),
			MaxDebounce:    cfg.Watcher.MaxDebounce.Std(),
			PollInterval:   cfg.Watcher.PollInterval.Std(),
			BurstThreshold: cfg.Watcher.BurstThreshold,
			IgnorePatterns: cfg.Watcher.IgnorePatterns,
			Logger:         log,
		},
		Logger: log,
	})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := buildLogger(cfg)
	defer log.Close()

	ctx := context.Background()
	m, err := buildManager(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}

	log.Info("sandboxd running",
		"workspace", workspaceDir,
		"backend", cfg.Storage.Backend,
		"version", version)

	timeout := cfg.Sync.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	<-m.RegisterShutdownHooks(timeout)
	return nil
}

func runOneShotSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := buildLogger(cfg)
	defer log.Close()

	if _, statErr := os.Stat(workspaceDir); statErr != nil {
		return fmt.Errorf("workspace %s: %w", workspaceDir, statErr)
	}

	ctx := context.Background()
	m, err := buildManager(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}
	if err := m.ManualSync(ctx); err != nil {
		return err
	}

	flushCtx, cancel := context.WithTimeout(ctx, cfg.Sync.ShutdownTimeout.Std())
	defer cancel()
	return m.Cleanup(flushCtx)
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := buildLogger(cfg)
	defer log.Close()

	if userID == "" || conversationID == "" {
		return fmt.Errorf("restore requires --user and --conversation")
	}

	ctx := context.Background()
	m, err := buildManager(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := m.Restore(ctx); err != nil {
		return fmt.Errorf("restoring workspace: %w", err)
	}
	log.Info("workspace restored", "workspace", workspaceDir)
	return nil
}
