// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package pipeline

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/groovelab/playhouse/internal/config"
)

// RetryPolicy bounds and paces retries of transient partition failures.
// One policy instance is shared by all workers; the jitter source is
// guarded for concurrent use.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts after the first.
	MaxRetries int

	// InitialBackoff is the pause before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential multiplier.
	BackoffMultiplier float64

	// JitterFraction is the random jitter fraction (0.0-1.0).
	JitterFraction float64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRetryPolicy builds a policy from configuration. A zero seed draws
// from the clock; tests pass a fixed seed for reproducible jitter.
func NewRetryPolicy(cfg config.RetryConfig, seed int64) *RetryPolicy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RetryPolicy{
		MaxRetries:        cfg.MaxRetries,
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		BackoffMultiplier: cfg.BackoffMultiplier,
		JitterFraction:    cfg.JitterFraction,
		//nolint:gosec // G404: non-cryptographic jitter in backoff timing
		rng: rand.New(rand.NewSource(seed)),
	}
}

// CalculateBackoff returns the pause before retry number retryCount+1:
// exponential growth capped at MaxBackoff, with symmetric jitter so
// concurrent workers hitting the same contention spread out.
func (p *RetryPolicy) CalculateBackoff(retryCount int) time.Duration {
	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(retryCount))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	p.rngMu.Lock()
	jitter := backoff * p.JitterFraction * (p.rng.Float64()*2 - 1)
	p.rngMu.Unlock()

	d := time.Duration(backoff + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// ShouldRetry determines whether a failed attempt gets another one.
func (p *RetryPolicy) ShouldRetry(err error, retryCount int) bool {
	if retryCount >= p.MaxRetries {
		return false
	}
	if IsPermanentError(err) {
		return false
	}
	return true
}

// Wait sleeps for d unless the context ends first.
func (p *RetryPolicy) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
