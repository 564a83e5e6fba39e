// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

// Package cache provides the probabilistic play-key filter that warms
// inter-batch duplicate checks.
//
// The filter answers "definitely new" in O(1) without touching the
// warehouse; only keys the filter cannot rule out go into the authoritative
// membership query. False positives cost one extra key in that query,
// false negatives do not exist, so correctness never depends on the filter.
package cache

import (
	"math"
	"math/bits"
	"sync"

	"github.com/spaolacci/murmur3"
)

// KeyFilter is a Bloom filter over play keys.
//
//   - Test() == false: the key was definitely never added.
//   - Test() == true: the key might have been added; verify against the
//     warehouse.
//
// Safe for concurrent use.
type KeyFilter struct {
	mu      sync.RWMutex
	words   []uint64
	size    uint64 // number of bits
	hashFns int
	count   int
}

// NewKeyFilter sizes a filter for the expected number of distinct keys and
// the target false positive rate (e.g. 0.01 for 1%).
func NewKeyFilter(expectedKeys int, falsePositiveRate float64) *KeyFilter {
	if expectedKeys <= 0 {
		expectedKeys = 1 << 16
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -n*ln(p)/ln(2)^2 bits, k = (m/n)*ln(2) hash functions.
	ln2 := math.Ln2
	m := int(math.Ceil(-float64(expectedKeys) * math.Log(falsePositiveRate) / (ln2 * ln2)))
	if m < 64 {
		m = 64
	}
	k := int(math.Round(float64(m) / float64(expectedKeys) * ln2))
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}

	words := (m + 63) / 64
	return &KeyFilter{
		words:   make([]uint64, words),
		size:    uint64(words * 64),
		hashFns: k,
	}
}

// Add records a key.
func (f *KeyFilter) Add(key string) {
	h1, h2 := murmur3.Sum128([]byte(key))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.setBits(h1, h2)
	f.count++
}

// Test reports whether the key might have been added. A false return is
// definitive.
func (f *KeyFilter) Test(key string) bool {
	h1, h2 := murmur3.Sum128([]byte(key))

	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.testBits(h1, h2)
}

// AddAndTest records the key and reports whether it was possibly present
// before, under one lock acquisition.
func (f *KeyFilter) AddAndTest(key string) bool {
	h1, h2 := murmur3.Sum128([]byte(key))

	f.mu.Lock()
	defer f.mu.Unlock()
	present := f.testBits(h1, h2)
	f.setBits(h1, h2)
	f.count++
	return present
}

// AddAll records a batch of keys under one lock acquisition.
func (f *KeyFilter) AddAll(keys []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		h1, h2 := murmur3.Sum128([]byte(key))
		f.setBits(h1, h2)
		f.count++
	}
}

// Clear resets the filter.
func (f *KeyFilter) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.words {
		f.words[i] = 0
	}
	f.count = 0
}

// Count returns the number of Add operations (duplicates included).
func (f *KeyFilter) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// FillRatio returns the fraction of set bits. Ratios approaching 0.5 mean
// the filter is at its designed load; beyond that the false positive rate
// degrades.
func (f *KeyFilter) FillRatio() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	set := 0
	for _, w := range f.words {
		set += bits.OnesCount64(w)
	}
	return float64(set) / float64(f.size)
}

// setBits and testBits derive k probe positions by double hashing:
// position(i) = h1 + i*h2 mod size. Callers hold the appropriate lock.

func (f *KeyFilter) setBits(h1, h2 uint64) {
	for i := 0; i < f.hashFns; i++ {
		idx := (h1 + uint64(i)*h2) % f.size
		f.words[idx/64] |= 1 << (idx % 64)
	}
}

func (f *KeyFilter) testBits(h1, h2 uint64) bool {
	for i := 0; i < f.hashFns; i++ {
		idx := (h1 + uint64(i)*h2) % f.size
		if f.words[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}
