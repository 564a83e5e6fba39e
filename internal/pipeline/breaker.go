// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package pipeline

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/groovelab/playhouse/internal/config"
	"github.com/groovelab/playhouse/internal/logging"
	"github.com/groovelab/playhouse/internal/metrics"
)

const commitBreakerName = "warehouse-commit"

// commitGate wraps partition commits in a circuit breaker and a timeout.
// When commits fail consecutively the breaker opens and later partitions
// fail fast instead of queueing on a sick warehouse; after the cooldown a
// single half-open trial commit decides whether to close again.
type commitGate struct {
	cb      *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration
}

func newCommitGate(cfg *config.PipelineConfig) *commitGate {
	threshold := uint32(cfg.BreakerThreshold)

	metrics.SetBreakerState(commitBreakerName, 0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        commitBreakerName,
		MaxRequests: 1, // one trial commit in half-open state
		Interval:    time.Minute,
		Timeout:     cfg.BreakerCooldown,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := breakerStateString(from)
			toStr := breakerStateString(to)
			logging.Warn().
				Str("breaker", name).
				Str("from", fromStr).
				Str("to", toStr).
				Msg("Commit circuit breaker state change")
			metrics.SetBreakerState(name, breakerStateFloat(to))
			metrics.RecordBreakerTransition(name, fromStr, toStr)
		},
	})

	return &commitGate{cb: cb, timeout: cfg.CommitTimeout}
}

// Do runs a commit under the breaker, bounded by the commit timeout.
//
// A timed-out commit leaves the transaction's fate unknown; the caller
// rolls back (a no-op if the commit actually landed) and retries the
// partition, where conditional inserts turn an already-landed commit into
// a clean all-duplicates pass. A rejected call (breaker open, or a second
// trial during half-open) comes back retryable: the cooldown may well
// pass within the retry budget.
func (g *commitGate) Do(fn func() error) error {
	_, err := g.cb.Execute(func() (struct{}, error) {
		return struct{}{}, runWithTimeout(fn, g.timeout)
	})
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		return &RetryableError{Category: CategoryResource, Message: "commits suspended by circuit breaker", Cause: err}
	}
	return err
}

// runWithTimeout bounds fn by a wall-clock deadline. database/sql commits
// take no context, so a timed-out fn is abandoned in its goroutine; the
// buffered channel lets it finish without leaking.
func runWithTimeout(fn func() error, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		return context.DeadlineExceeded
	}
}

func breakerStateString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func breakerStateFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
