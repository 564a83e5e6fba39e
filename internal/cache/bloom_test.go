// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package cache

import (
	"fmt"
	"sync"
	"testing"
)

func TestKeyFilterNoFalseNegatives(t *testing.T) {
	t.Parallel()

	f := NewKeyFilter(1000, 0.01)
	keys := make([]string, 1000)
	for i := range keys {
		keys[i] = fmt.Sprintf("play-key-%04d", i)
		f.Add(keys[i])
	}

	for _, key := range keys {
		if !f.Test(key) {
			t.Fatalf("added key %q reported absent: bloom filters must never false-negative", key)
		}
	}
}

func TestKeyFilterFalsePositiveRate(t *testing.T) {
	t.Parallel()

	const n = 10000
	f := NewKeyFilter(n, 0.01)
	for i := 0; i < n; i++ {
		f.Add(fmt.Sprintf("present-%d", i))
	}

	falsePositives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if f.Test(fmt.Sprintf("absent-%d", i)) {
			falsePositives++
		}
	}

	// Designed for 1%; allow generous slack to keep the test stable.
	rate := float64(falsePositives) / float64(probes)
	if rate > 0.05 {
		t.Errorf("false positive rate %.3f far above design target", rate)
	}
}

func TestKeyFilterAddAndTest(t *testing.T) {
	t.Parallel()

	f := NewKeyFilter(100, 0.01)
	if f.AddAndTest("key-a") {
		t.Error("first add must report not-present")
	}
	if !f.AddAndTest("key-a") {
		t.Error("second add must report possibly-present")
	}
}

func TestKeyFilterClear(t *testing.T) {
	t.Parallel()

	f := NewKeyFilter(100, 0.01)
	f.Add("key-a")
	f.Clear()
	if f.Test("key-a") {
		t.Error("cleared filter must not remember keys")
	}
	if f.Count() != 0 {
		t.Errorf("cleared filter count should be 0, got %d", f.Count())
	}
}

func TestKeyFilterAddAll(t *testing.T) {
	t.Parallel()

	f := NewKeyFilter(100, 0.01)
	f.AddAll([]string{"a", "b", "c"})
	for _, key := range []string{"a", "b", "c"} {
		if !f.Test(key) {
			t.Errorf("batch-added key %q reported absent", key)
		}
	}
	if f.Count() != 3 {
		t.Errorf("expected count 3, got %d", f.Count())
	}
}

func TestKeyFilterConcurrentAccess(t *testing.T) {
	t.Parallel()

	f := NewKeyFilter(10000, 0.01)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("g%d-k%d", g, i)
				f.Add(key)
				if !f.Test(key) {
					t.Errorf("key %q lost under concurrency", key)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	if f.FillRatio() <= 0 {
		t.Error("fill ratio should be positive after adds")
	}
}

func TestKeyFilterDegenerateSizing(t *testing.T) {
	t.Parallel()

	// Nonsense parameters fall back to safe defaults instead of panicking.
	f := NewKeyFilter(-5, 2.0)
	f.Add("x")
	if !f.Test("x") {
		t.Error("fallback-sized filter must still work")
	}
}
