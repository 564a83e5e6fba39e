// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

// Package transform derives the analytical attributes of validated records:
// mood category, weekend flag, listening sessions and normalized audio
// features.
//
// Enrichment is a pure function of the records and the registry constants.
// No I/O, no wall clock, no randomness: the same input batch enriches to
// the same output on every run, which is what makes re-processing
// idempotent end to end.
package transform

import (
	"crypto/sha256"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/groovelab/playhouse/internal/models"
	"github.com/groovelab/playhouse/internal/registry"
)

// Mood quadrant names. The valence axis separates cheerful from gloomy,
// the energy axis separates driving from still.
const (
	MoodEnergetic  = "energetic"  // high valence, high energy
	MoodCheerful   = "cheerful"   // high valence, low energy
	MoodTense      = "tense"      // low valence, high energy
	MoodMelancholy = "melancholy" // low valence, low energy
	MoodUnknown    = "unknown"    // either feature absent
)

// Transformer enriches validated records. Safe for concurrent use; all
// state is immutable registry data.
type Transformer struct {
	rules registry.BusinessRules
	tempo registry.ReferenceStats
	energ registry.ReferenceStats
	valen registry.ReferenceStats
	dance registry.ReferenceStats
}

// New builds a Transformer from the registry's rules and reference
// statistics.
func New(reg *registry.Registry) *Transformer {
	t := &Transformer{rules: reg.Rules()}
	t.tempo, _ = reg.Stats(registry.FeatureTempo)
	t.energ, _ = reg.Stats(registry.FeatureEnergy)
	t.valen, _ = reg.Stats(registry.FeatureValence)
	t.dance, _ = reg.Stats(registry.FeatureDanceability)
	return t
}

// Enrich derives mood, weekend flag, session assignment and normalized
// audio features for every record. Output order matches input order.
func (t *Transformer) Enrich(records []models.ValidatedRecord) []models.EnrichedRecord {
	if len(records) == 0 {
		return nil
	}

	out := make([]models.EnrichedRecord, len(records))
	for i := range records {
		rec := &records[i]
		out[i] = models.EnrichedRecord{
			ValidatedRecord:  *rec,
			Mood:             t.moodOf(rec.Valence, rec.Energy),
			IsWeekend:        isWeekendUTC(rec.PlayedAt),
			NormTempo:        normalize(rec.Tempo, t.tempo),
			NormEnergy:       normalize(rec.Energy, t.energ),
			NormValence:      normalize(rec.Valence, t.valen),
			NormDanceability: normalize(rec.Danceability, t.dance),
		}
	}

	t.assignSessions(out)
	return out
}

// moodOf maps (valence, energy) to its quadrant. Values at the boundary
// count as high, so the quadrants partition the plane without gaps.
func (t *Transformer) moodOf(valence, energy *float64) string {
	if valence == nil || energy == nil {
		return MoodUnknown
	}
	highValence := *valence >= t.rules.MoodBoundary
	highEnergy := *energy >= t.rules.MoodBoundary
	switch {
	case highValence && highEnergy:
		return MoodEnergetic
	case highValence:
		return MoodCheerful
	case highEnergy:
		return MoodTense
	default:
		return MoodMelancholy
	}
}

// isWeekendUTC evaluates the weekend flag on the single canonical calendar.
// A listener's local weekend is unknowable from the event alone; UTC keeps
// the flag consistent across the warehouse.
func isWeekendUTC(ts time.Time) bool {
	switch ts.UTC().Weekday() {
	case time.Saturday, time.Sunday:
		return true
	default:
		return false
	}
}

// normalize min-max scales v against the reference window and clamps to
// [0,1]. The window comes from the registry, never from the batch, so the
// same value always normalizes identically.
func normalize(v *float64, s registry.ReferenceStats) *float64 {
	if v == nil || s.Max <= s.Min {
		return nil
	}
	n := (*v - s.Min) / (s.Max - s.Min)
	if n < 0 {
		n = 0
	}
	if n > 1 {
		n = 1
	}
	return &n
}

// assignSessions groups each listener's plays in timestamp order and starts
// a new session wherever the gap between consecutive plays exceeds the idle
// threshold. The session id derives from (listener, session start), so
// re-processing any slice of history reproduces identical ids.
func (t *Transformer) assignSessions(records []models.EnrichedRecord) {
	byUser := make(map[string][]int)
	for i := range records {
		byUser[records[i].UserProxy] = append(byUser[records[i].UserProxy], i)
	}

	for proxy, idx := range byUser {
		sort.SliceStable(idx, func(a, b int) bool {
			return records[idx[a]].PlayedAt.Before(records[idx[b]].PlayedAt)
		})

		var sessionStart time.Time
		var sessionID string
		for n, i := range idx {
			ts := records[i].PlayedAt
			if n == 0 || ts.Sub(records[idx[n-1]].PlayedAt) > t.rules.SessionIdleGap {
				sessionStart = ts
				sessionID = deriveSessionID(proxy, sessionStart)
			}
			records[i].SessionID = sessionID
		}
	}
}

// deriveSessionID produces a deterministic UUID from the listener proxy and
// the session's first play instant: SHA-256 of the pair, truncated to 16
// bytes with RFC 4122 version 5 and variant bits set.
func deriveSessionID(proxy string, start time.Time) string {
	sum := sha256.Sum256([]byte("session\x1f" + proxy + "\x1f" + start.UTC().Format(time.RFC3339Nano)))
	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		// Unreachable: FromBytes only rejects slices that are not 16 bytes.
		return proxy + start.UTC().Format(time.RFC3339Nano)
	}
	id[6] = (id[6] & 0x0f) | 0x50
	id[8] = (id[8] & 0x3f) | 0x80
	return id.String()
}
