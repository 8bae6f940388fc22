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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Workspace Synchronization
// =============================================================================

var (
	// syncBatches counts dispatched change batches.
	// Labels: trigger (watcher, manual, final), status (success, error)
	syncBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_sandbox",
		Subsystem: "sync",
		Name:      "batches_total",
		Help:      "Total change batches dispatched to storage",
	}, []string{"trigger", "status"})

	// syncFiles counts per-file storage mutations.
	// Labels: operation (upload, delete)
	syncFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_sandbox",
		Subsystem: "sync",
		Name:      "files_total",
		Help:      "Total files uploaded or deleted during sync",
	}, []string{"operation"})

	// syncErrors counts per-file failures within batches.
	// Labels: operation (upload, delete)
	syncErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_sandbox",
		Subsystem: "sync",
		Name:      "errors_total",
		Help:      "Total per-file sync failures",
	}, []string{"operation"})

	// syncDuration measures batch dispatch latency.
	// Labels: trigger
	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aleutian_sandbox",
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Change batch dispatch duration in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"trigger"})

	// backupRuns counts backup archive attempts.
	// Labels: trigger (periodic, final, emergency), status (success, error)
	backupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian_sandbox",
		Subsystem: "backup",
		Name:      "runs_total",
		Help:      "Total workspace backup attempts",
	}, []string{"trigger", "status"})

	// backupBytes records the size of the last uploaded archive.
	backupBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aleutian_sandbox",
		Subsystem: "backup",
		Name:      "last_archive_bytes",
		Help:      "Size in bytes of the most recent backup archive",
	})
)

// recordBatch records one dispatched batch with its outcome and latency.
func recordBatch(trigger string, err error, seconds float64) {
	status := "success"
	if err != nil {
		status = "error"
	}
	syncBatches.WithLabelValues(trigger, status).Inc()
	syncDuration.WithLabelValues(trigger).Observe(seconds)
}

// recordBackup records one backup attempt with its outcome.
func recordBackup(trigger string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	backupRuns.WithLabelValues(trigger, status).Inc()
}
