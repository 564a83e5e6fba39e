// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

// Package dedupe removes replayed events before they reach the warehouse.
//
// Duplicates are a routed outcome, not an error: the upstream feed re-sends
// plays and re-runs re-read whole partitions, so the pipeline expects to see
// the same natural key again and simply refuses to count it twice.
package dedupe

import (
	"github.com/groovelab/playhouse/internal/models"
)

// KeySet answers membership questions for play keys that already exist in
// the fact table. The orchestrator supplies an implementation backed by the
// warehouse; the deduplicator itself never does I/O.
type KeySet interface {
	Contains(key string) bool
}

// MapKeySet is a KeySet over an in-memory set.
type MapKeySet map[string]struct{}

// NewMapKeySet builds a MapKeySet from a list of keys.
func NewMapKeySet(keys []string) MapKeySet {
	m := make(MapKeySet, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

// Contains implements KeySet.
func (m MapKeySet) Contains(key string) bool {
	_, ok := m[key]
	return ok
}

// Result partitions a batch into novel records and duplicates.
type Result struct {
	Novel      []models.EnrichedRecord
	Duplicates []models.Duplicate
}

// Dedupe applies both duplicate rules in one pass over the batch:
//
//   - inter-batch: a key present in existing is a duplicate, every time it
//     appears;
//   - intra-batch: among records sharing a key inside the batch, the first
//     in input order wins and the rest are duplicates.
//
// Input order is preserved in Novel, so the outcome is deterministic for a
// given batch and key set.
func Dedupe(records []models.EnrichedRecord, existing KeySet) Result {
	res := Result{
		Novel: make([]models.EnrichedRecord, 0, len(records)),
	}
	seen := make(map[string]struct{}, len(records))

	for i := range records {
		key := records[i].PlayKey
		if existing != nil && existing.Contains(key) {
			res.Duplicates = append(res.Duplicates, models.Duplicate{PlayKey: key, Kind: models.DuplicateInterBatch})
			continue
		}
		if _, dup := seen[key]; dup {
			res.Duplicates = append(res.Duplicates, models.Duplicate{PlayKey: key, Kind: models.DuplicateIntraBatch})
			continue
		}
		seen[key] = struct{}{}
		res.Novel = append(res.Novel, records[i])
	}
	return res
}
