// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

/*
Package models defines the data structures shared across the pipeline.

The types mirror the stages a record moves through:

  - RawEvent: one landed play event exactly as the upstream connector wrote
    it. All fields are optional (pointers/slices) because landed data is
    untrusted; the validator decides what is usable.
  - ValidatedRecord: a RawEvent that passed schema and business validation,
    with concrete types and the computed natural-key hash (PlayKey).
  - EnrichedRecord: a ValidatedRecord plus derived attributes (mood,
    session id, weekend flag, normalized audio features).
  - ResolvedRecord: an EnrichedRecord with dimension surrogate keys
    attached, ready for the fact merge.

Around those sit the operational types: Rejection and ReasonCode (why a
record left the happy path), DeadLetter (the persisted form), Duplicate,
DimensionVersion (one SCD version row of a dimension), BatchRun and the
run/partition reports, and MergeResult.

Everything here is plain data. Stage logic lives in the stage packages.
*/
package models
