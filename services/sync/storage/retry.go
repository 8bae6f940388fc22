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
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures exponential backoff for transient failures.
//
// # Description
//
// Controls how network failures are retried with exponential backoff
// and optional jitter. Only errors classified as ErrTransient are
// retried; NotFound and PermissionDenied surface immediately.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// JitterFactor adds randomness (0.0 to 1.0).
	// 0.1 means +/- 10% variation.
	JitterFactor float64
}

// DefaultRetryPolicy returns the standard retry configuration:
// 3 retries, exponential backoff from 500ms to 10s, 10% jitter.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.1,
	}
}

// CalculateDelay computes the delay for a zero-based attempt:
// delay = min(initial * 2^attempt, max) * (1 +/- jitter).
func (p *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if p == nil {
		return DefaultRetryPolicy().CalculateDelay(attempt)
	}

	delay := float64(p.InitialDelay) * math.Pow(2, float64(attempt))
	if maxDelay := float64(p.MaxDelay); delay > maxDelay {
		delay = maxDelay
	}
	return p.applyJitter(time.Duration(delay))
}

// Do runs op, retrying on transient failures until the policy is
// exhausted or the context is done. The final error is returned
// wrapped with the attempt count when retries ran out.
func (p *RetryPolicy) Do(ctx context.Context, op func() error) error {
	if p == nil {
		p = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.CalculateDelay(attempt - 1)):
			}
		}

		lastErr = op()
		if !retriable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", p.MaxRetries+1, lastErr)
}

// applyJitter multiplies delay by (1 +/- jitterFactor * random).
func (p *RetryPolicy) applyJitter(delay time.Duration) time.Duration {
	if p.JitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * p.JitterFactor * (2*rand.Float64() - 1)
	return time.Duration(float64(delay) + jitter)
}
