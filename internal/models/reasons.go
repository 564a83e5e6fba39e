// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package models

// ReasonCode classifies why a record or batch left the happy path. Codes
// are stable strings: they land in the dead-letter sink and in metrics
// labels, so renaming one is a breaking change for operators.
type ReasonCode string

const (
	// ReasonMissingField marks a required schema field that was absent.
	ReasonMissingField ReasonCode = "missing_required_field"
	// ReasonTypeMismatch marks a field that could not be coerced to its
	// declared type.
	ReasonTypeMismatch ReasonCode = "type_mismatch"
	// ReasonNegativePlayTime marks a negative played-milliseconds value.
	ReasonNegativePlayTime ReasonCode = "negative_play_duration"
	// ReasonImplausibleTime marks an event timestamp outside the plausible
	// window (before the service epoch or too far in the future).
	ReasonImplausibleTime ReasonCode = "implausible_timestamp"
	// ReasonAmbiguousTimezone marks a timestamp without an explicit UTC
	// offset. Records are never guessed into a zone.
	ReasonAmbiguousTimezone ReasonCode = "ambiguous_timezone"
	// ReasonEmptyIdentifier marks an empty track, artist or user identifier.
	ReasonEmptyIdentifier ReasonCode = "empty_identifier"
	// ReasonUnknownSchema marks a record declaring a schema version the
	// registry does not know.
	ReasonUnknownSchema ReasonCode = "unknown_schema_version"
	// ReasonSchemaDrift marks records aborted by the batch null-rate gate.
	ReasonSchemaDrift ReasonCode = "schema_drift"
	// ReasonDuplicateIntra marks a key seen earlier in the same batch.
	ReasonDuplicateIntra ReasonCode = "duplicate_in_batch"
	// ReasonDuplicateInter marks a key already present in the warehouse.
	ReasonDuplicateInter ReasonCode = "duplicate_in_warehouse"
	// ReasonMissingDimension marks a fact whose dimension reference could
	// not be verified at merge time.
	ReasonMissingDimension ReasonCode = "missing_dimension_reference"
	// ReasonStaleDimension marks an out-of-order record whose attributes
	// conflict with the dimension version effective at its timestamp.
	ReasonStaleDimension ReasonCode = "stale_dimension_update"
	// ReasonMalformedPayload marks input that could not be decoded at all.
	ReasonMalformedPayload ReasonCode = "malformed_payload"
	// ReasonExhaustedRetries marks records quarantined because their
	// partition ran out of retry budget on a transient failure. The records
	// themselves are fine; they are retained for replay once the resource
	// problem is fixed.
	ReasonExhaustedRetries ReasonCode = "retries_exhausted"
)

// Stage names the pipeline stage that produced an outcome. Used in logs,
// dead letters and metrics labels.
type Stage string

const (
	StageRead     Stage = "read"
	StageValidate Stage = "validate"
	StageDedupe   Stage = "dedupe"
	StageResolve  Stage = "resolve"
	StageMerge    Stage = "merge"
	StageCommit   Stage = "commit"
)
