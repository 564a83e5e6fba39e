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

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0,
	}
}

func TestCalculateBackoffGrowth(t *testing.T) {
	p := NewRetryPolicy(testRetryConfig(), 1)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for retryCount, expected := range want {
		if got := p.CalculateBackoff(retryCount); got != expected {
			t.Errorf("retry %d: backoff = %v, want %v", retryCount, got, expected)
		}
	}
}

func TestCalculateBackoffJitterBounds(t *testing.T) {
	cfg := testRetryConfig()
	cfg.JitterFraction = 0.25
	p := NewRetryPolicy(cfg, 42)

	base := 400 * time.Millisecond
	lo := time.Duration(float64(base) * 0.75)
	hi := time.Duration(float64(base) * 1.25)
	for i := 0; i < 200; i++ {
		got := p.CalculateBackoff(2)
		if got < lo || got > hi {
			t.Fatalf("iteration %d: backoff %v outside [%v, %v]", i, got, lo, hi)
		}
	}
}

func TestCalculateBackoffSeedReproducible(t *testing.T) {
	cfg := testRetryConfig()
	cfg.JitterFraction = 0.5

	a := NewRetryPolicy(cfg, 7)
	b := NewRetryPolicy(cfg, 7)
	for i := 0; i < 10; i++ {
		if got, want := a.CalculateBackoff(i), b.CalculateBackoff(i); got != want {
			t.Fatalf("retry %d: same-seed policies diverged: %v vs %v", i, got, want)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	p := NewRetryPolicy(testRetryConfig(), 1)

	transient := &RetryableError{Category: CategoryResource, Message: "timeout"}
	permanent := &PermanentError{Category: CategorySchemaDrift, Message: "drift"}

	tests := []struct {
		name       string
		err        error
		retryCount int
		want       bool
	}{
		{"transient within budget", transient, 0, true},
		{"transient at last retry", transient, 2, true},
		{"transient budget exhausted", transient, 3, false},
		{"permanent never retries", permanent, 0, false},
		{"unclassified within budget", errors.New("disk full"), 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ShouldRetry(tt.err, tt.retryCount); got != tt.want {
				t.Errorf("ShouldRetry(%v, %d) = %v, want %v", tt.err, tt.retryCount, got, tt.want)
			}
		})
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	p := NewRetryPolicy(testRetryConfig(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait on canceled context = %v, want context.Canceled", err)
	}

	if err := p.Wait(context.Background(), 0); err != nil {
		t.Fatalf("Wait with zero duration = %v, want nil", err)
	}
}
