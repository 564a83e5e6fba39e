// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/groovelab/playhouse/internal/config"
)

func TestRunWithTimeout(t *testing.T) {
	if err := runWithTimeout(func() error { return nil }, time.Second); err != nil {
		t.Errorf("fast success = %v, want nil", err)
	}

	sentinel := errors.New("commit refused")
	if err := runWithTimeout(func() error { return sentinel }, time.Second); !errors.Is(err, sentinel) {
		t.Errorf("fast failure = %v, want the function's error", err)
	}

	slow := func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}
	if err := runWithTimeout(slow, 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("timed-out call = %v, want context.DeadlineExceeded", err)
	}
}

func TestCommitGatePassesResults(t *testing.T) {
	g := newCommitGate(&config.PipelineConfig{
		CommitTimeout:    time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  time.Minute,
	})

	if err := g.Do(func() error { return nil }); err != nil {
		t.Errorf("successful commit = %v, want nil", err)
	}

	boom := errors.New("io error")
	if err := g.Do(func() error { return boom }); !errors.Is(err, boom) {
		t.Errorf("failed commit = %v, want the commit's error", err)
	}
}

func TestCommitGateSuspendsAfterConsecutiveFailures(t *testing.T) {
	g := newCommitGate(&config.PipelineConfig{
		CommitTimeout:    time.Second,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	})

	boom := errors.New("io error")
	for i := 0; i < 2; i++ {
		if err := g.Do(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("failure %d = %v, want the commit's error", i+1, err)
		}
	}

	// The breaker is open: commits are rejected without running.
	ran := false
	err := g.Do(func() error { ran = true; return nil })
	if ran {
		t.Error("suspended gate still ran the commit")
	}
	var retry *RetryableError
	if !errors.As(err, &retry) {
		t.Fatalf("rejected commit = %T (%v), want *RetryableError", err, err)
	}
	if retry.Category != CategoryResource {
		t.Errorf("rejection category = %s, want resource", retry.Category)
	}
}

func TestCommitGateRecoversAfterSuccess(t *testing.T) {
	g := newCommitGate(&config.PipelineConfig{
		CommitTimeout:    time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  time.Minute,
	})

	boom := errors.New("io error")
	for i := 0; i < 2; i++ {
		if err := g.Do(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("failure %d = %v, want the commit's error", i+1, err)
		}
	}
	// One success resets the consecutive-failure count below the threshold.
	if err := g.Do(func() error { return nil }); err != nil {
		t.Fatalf("recovery commit = %v, want nil", err)
	}
	for i := 0; i < 2; i++ {
		if err := g.Do(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("post-recovery failure %d = %v, want the commit's error, not a rejection", i+1, err)
		}
	}
}
