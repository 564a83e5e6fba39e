// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package models

import (
	"time"
)

// ValidatedRecord is a play event that passed schema and business
// validation. Fields the schema requires are concrete; optional attributes
// stay pointers so downstream stages can tell "absent" from zero.
type ValidatedRecord struct {
	SchemaVersion int

	// PlayedAt is the event instant normalized to UTC.
	PlayedAt time.Time

	TrackID     string
	TrackName   string
	ArtistIDs   []string
	ArtistNames []string
	AlbumID     string
	AlbumName   string
	DurationMs  int64
	MsPlayed    int64

	// UserProxy identifies the listener without carrying account PII.
	UserProxy string

	Popularity *int
	DeviceType *string
	Shuffle    *bool
	Skipped    *bool
	Explicit   *bool
	ISRC       *string

	Tempo        *float64
	Energy       *float64
	Valence      *float64
	Danceability *float64

	// PlayKey is the content hash of the natural key
	// (track id, user proxy, played_at bucketed to the dedup window).
	// Stable across runs and processes.
	PlayKey string

	// Raw retains the landed form for dead-lettering downstream.
	Raw RawEvent
}

// PrimaryArtistID returns the first artist identifier. The fact grain
// carries one artist; additional credits stay on the raw payload.
func (r *ValidatedRecord) PrimaryArtistID() string {
	if len(r.ArtistIDs) == 0 {
		return ""
	}
	return r.ArtistIDs[0]
}

// PrimaryArtistName returns the name paired with PrimaryArtistID, falling
// back to the identifier when the connector landed no name.
func (r *ValidatedRecord) PrimaryArtistName() string {
	if len(r.ArtistNames) > 0 && r.ArtistNames[0] != "" {
		return r.ArtistNames[0]
	}
	return r.PrimaryArtistID()
}

// EnrichedRecord is a ValidatedRecord plus derived attributes. Derivations
// are pure functions of the record and registry constants, never of batch
// contents or the wall clock.
type EnrichedRecord struct {
	ValidatedRecord

	// Mood is the valence/energy quadrant name, or "unknown" when either
	// feature is absent.
	Mood string

	// SessionID groups consecutive plays of one listener separated by less
	// than the idle gap. Deterministic across re-runs.
	SessionID string

	// IsWeekend is computed on the UTC calendar.
	IsWeekend bool

	NormTempo        *float64
	NormEnergy       *float64
	NormValence      *float64
	NormDanceability *float64
}

// ResolvedRecord is an EnrichedRecord with dimension surrogate keys
// attached, ready for the fact merge.
type ResolvedRecord struct {
	EnrichedRecord

	TrackSK  int64
	ArtistSK int64
	AlbumSK  int64
	DateSK   int32
}

// Rejection records a record that left the happy path, with the reason a
// human or replay job needs to act on it.
type Rejection struct {
	Event  RawEvent
	Reason ReasonCode
	Detail string

	// Raw holds the original bytes when the input could not be decoded at
	// all. Event is zero in that case; the dead-letter payload uses Raw.
	Raw []byte
}

// DuplicateKind distinguishes where a duplicate was detected.
type DuplicateKind string

const (
	// DuplicateIntraBatch marks a key seen earlier in the same batch.
	DuplicateIntraBatch DuplicateKind = "intra"
	// DuplicateInterBatch marks a key already present in the fact table.
	DuplicateInterBatch DuplicateKind = "inter"
)

// Duplicate is a skipped record: counted and audit-logged, never an error.
type Duplicate struct {
	PlayKey string
	Kind    DuplicateKind
}
