// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package registry

import (
	"fmt"
	"time"
)

// ScdType is the slowly-changing-dimension policy for one attribute.
type ScdType int

const (
	// ScdType1 overwrites the attribute in place across all versions.
	ScdType1 ScdType = 1
	// ScdType2 closes the current version and opens a new one when the
	// attribute changes.
	ScdType2 ScdType = 2
)

// Default rule values. Overridable through Params; documented here because
// operators reason about them.
const (
	// DefaultNullRateThreshold aborts a batch when more than 5% of records
	// miss any single required column.
	DefaultNullRateThreshold = 0.05
	// DefaultDedupWindow buckets played_at in the natural key. The
	// recently-played feed re-reports plays with timestamps jittered by a
	// few seconds; one minute absorbs that without merging distinct plays
	// of a track that itself outlasts the window.
	DefaultDedupWindow = time.Minute
	// DefaultSessionIdleGap starts a new listening session after 30
	// minutes without a play.
	DefaultSessionIdleGap = 30 * time.Minute
	// DefaultMoodBoundary splits the valence/energy plane into quadrants.
	DefaultMoodBoundary = 0.5
	// DefaultMaxFutureSkew tolerates landed timestamps up to one day ahead
	// of processing time (connector clock skew), nothing more.
	DefaultMaxFutureSkew = 24 * time.Hour
)

// defaultEarliestPlausible is the earliest event instant accepted: the
// service the connector extracts from did not exist before October 2008.
var defaultEarliestPlausible = time.Date(2008, 10, 1, 0, 0, 0, 0, time.UTC)

// BusinessRules is the immutable rule set validation and transformation
// run against.
type BusinessRules struct {
	// EarliestPlausible and MaxFutureSkew bound acceptable event times.
	EarliestPlausible time.Time
	MaxFutureSkew     time.Duration

	// NullRateThreshold is the per-required-column missing fraction above
	// which a whole batch is treated as schema drift.
	NullRateThreshold float64

	// DedupWindow buckets played_at in the natural key.
	DedupWindow time.Duration

	// SessionIdleGap separates listening sessions.
	SessionIdleGap time.Duration

	// MoodBoundary splits valence/energy into mood quadrants.
	MoodBoundary float64

	scdPolicies map[string]ScdType
}

// ReferenceStats is the stable reference window one audio feature is
// normalized against. Derived from the feature's domain, never from batch
// contents, so normalization is deterministic.
type ReferenceStats struct {
	Min    float64 `koanf:"min" json:"min"`
	Max    float64 `koanf:"max" json:"max"`
	Mean   float64 `koanf:"mean" json:"mean"`
	StdDev float64 `koanf:"stddev" json:"stddev"`
}

// Params carries the tunable registry inputs from configuration. Zero
// values mean "use the default".
type Params struct {
	NullRateThreshold float64
	DedupWindow       time.Duration
	SessionIdleGap    time.Duration
	MoodBoundary      float64
	EarliestPlausible time.Time
	MaxFutureSkew     time.Duration
	StatsOverrides    map[string]ReferenceStats
}

func (p Params) rules() (BusinessRules, error) {
	r := BusinessRules{
		EarliestPlausible: p.EarliestPlausible,
		MaxFutureSkew:     p.MaxFutureSkew,
		NullRateThreshold: p.NullRateThreshold,
		DedupWindow:       p.DedupWindow,
		SessionIdleGap:    p.SessionIdleGap,
		MoodBoundary:      p.MoodBoundary,
		scdPolicies:       defaultScdPolicies(),
	}
	if r.EarliestPlausible.IsZero() {
		r.EarliestPlausible = defaultEarliestPlausible
	}
	if r.MaxFutureSkew == 0 {
		r.MaxFutureSkew = DefaultMaxFutureSkew
	}
	if r.NullRateThreshold == 0 {
		r.NullRateThreshold = DefaultNullRateThreshold
	}
	if r.DedupWindow == 0 {
		r.DedupWindow = DefaultDedupWindow
	}
	if r.SessionIdleGap == 0 {
		r.SessionIdleGap = DefaultSessionIdleGap
	}
	if r.MoodBoundary == 0 {
		r.MoodBoundary = DefaultMoodBoundary
	}

	if r.NullRateThreshold < 0 || r.NullRateThreshold > 1 {
		return BusinessRules{}, fmt.Errorf("null rate threshold %v outside [0,1]", r.NullRateThreshold)
	}
	if r.MoodBoundary <= 0 || r.MoodBoundary >= 1 {
		return BusinessRules{}, fmt.Errorf("mood boundary %v outside (0,1)", r.MoodBoundary)
	}
	if r.DedupWindow < 0 || r.SessionIdleGap <= 0 || r.MaxFutureSkew < 0 {
		return BusinessRules{}, fmt.Errorf("negative duration in business rules")
	}
	return r, nil
}

// defaultScdPolicies declares which dimension attributes version history
// (Type 2) and which overwrite in place (Type 1).
//
// Track names, ISRCs and durations change only as corrections, so they
// overwrite. The audio profile and explicit flag change when the catalog
// re-analyzes a track; those changes are analytical history. Artist and
// album renames are likewise history.
func defaultScdPolicies() map[string]ScdType {
	return map[string]ScdType{
		"track.name":         ScdType1,
		"track.isrc":         ScdType1,
		"track.duration_ms":  ScdType1,
		"track.explicit":     ScdType2,
		"track.tempo":        ScdType2,
		"track.energy":       ScdType2,
		"track.valence":      ScdType2,
		"track.danceability": ScdType2,
		"artist.name":        ScdType2,
		"album.name":         ScdType2,
		"album.artist_key":   ScdType1,
	}
}

// Audio feature names used for ReferenceStats lookups.
const (
	FeatureTempo        = "tempo"
	FeatureEnergy       = "energy"
	FeatureValence      = "valence"
	FeatureDanceability = "danceability"
)

// defaultReferenceStats covers the upstream feature scales: the unit
// features span [0,1]; tempo spans the catalog's practical BPM range.
func defaultReferenceStats() map[string]ReferenceStats {
	return map[string]ReferenceStats{
		FeatureTempo:        {Min: 40, Max: 220, Mean: 120, StdDev: 30},
		FeatureEnergy:       {Min: 0, Max: 1, Mean: 0.5, StdDev: 0.25},
		FeatureValence:      {Min: 0, Max: 1, Mean: 0.5, StdDev: 0.25},
		FeatureDanceability: {Min: 0, Max: 1, Mean: 0.5, StdDev: 0.25},
	}
}
