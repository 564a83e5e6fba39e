// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/groovelab/playhouse/internal/models"
	"github.com/groovelab/playhouse/internal/registry"
)

// Validator checks landed events against a schema version and the business
// rules, producing typed records and per-record rejections.
type Validator struct {
	reg *registry.Registry
}

// New creates a Validator bound to a registry.
func New(reg *registry.Registry) *Validator {
	return &Validator{reg: reg}
}

// Result is the outcome of validating one batch.
type Result struct {
	Accepted []models.ValidatedRecord
	Rejected []models.Rejection

	// SchemaVersion is the version the batch was validated against.
	SchemaVersion int

	// NullRates holds the observed missing fraction per required column.
	NullRates map[string]float64
}

// DriftError reports the null-rate gate tripping: one required column was
// missing in more of the batch than the threshold allows. The batch is
// schema drift, not a pile of individually bad records; nothing from it may
// be accepted.
type DriftError struct {
	Column    string
	Rate      float64
	Threshold float64
	Records   int
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("schema drift: column %q missing in %.1f%% of %d records (threshold %.1f%%)",
		e.Column, e.Rate*100, e.Records, e.Threshold*100)
}

// ValidateBatch validates events against the declared schema version
// (0 means: take the version the first record declares, else the current).
// asOf anchors the future-skew plausibility check; zero falls back to the
// wall clock, so callers that need determinism must pass it.
//
// A *DriftError return means the whole batch is schema drift; an
// unknown-version error likewise rejects the whole batch. Both leave
// Result nil: accepting a subset of a drifted batch is forbidden.
func (v *Validator) ValidateBatch(events []models.RawEvent, declaredVersion int, asOf time.Time) (*Result, error) {
	version := declaredVersion
	if version == 0 {
		version = v.inferVersion(events)
	}
	schema, err := v.reg.Schema(version)
	if err != nil {
		return nil, fmt.Errorf("failed to validate batch: %w", err)
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	rules := v.reg.Rules()
	required := schema.RequiredFields()
	missingCounts := make(map[string]int, len(required))

	res := &Result{
		SchemaVersion: version,
		NullRates:     make(map[string]float64, len(required)),
	}

	for i := range events {
		ev := &events[i]

		// Count missing required columns for the drift gate regardless of
		// how the record fares individually.
		var missing []string
		for _, f := range required {
			if fieldMissing(ev, f.Name) {
				missingCounts[f.Name]++
				missing = append(missing, f.Name)
			}
		}

		rec, reason, detail := v.validateRecord(ev, schema, rules, asOf, missing)
		if reason != "" {
			res.Rejected = append(res.Rejected, models.Rejection{Event: *ev, Reason: reason, Detail: detail})
			continue
		}
		res.Accepted = append(res.Accepted, rec)
	}

	if n := len(events); n > 0 {
		var worst *DriftError
		for _, f := range required {
			rate := float64(missingCounts[f.Name]) / float64(n)
			res.NullRates[f.Name] = rate
			if rate > rules.NullRateThreshold {
				if worst == nil || rate > worst.Rate {
					worst = &DriftError{Column: f.Name, Rate: rate, Threshold: rules.NullRateThreshold, Records: n}
				}
			}
		}
		if worst != nil {
			return nil, worst
		}
	}

	return res, nil
}

// inferVersion takes the first declared schema version in the batch, or the
// registry's current version when no record declares one.
func (v *Validator) inferVersion(events []models.RawEvent) int {
	for i := range events {
		if sv := events[i].SchemaVersion; sv != nil {
			return *sv
		}
	}
	return v.reg.CurrentSchema().Version
}

// validateRecord runs the per-record checks in order: schema version,
// required presence, type coercion, timestamp discipline, business rules.
// The first failing check decides the rejection reason.
func (v *Validator) validateRecord(
	ev *models.RawEvent,
	schema *registry.SchemaDefinition,
	rules registry.BusinessRules,
	asOf time.Time,
	missing []string,
) (models.ValidatedRecord, models.ReasonCode, string) {
	var zero models.ValidatedRecord

	// A record declaring its own version must declare a known one. Mixed
	// batches are fine; unknown versions are not.
	if ev.SchemaVersion != nil {
		if _, err := v.reg.Schema(*ev.SchemaVersion); err != nil {
			return zero, models.ReasonUnknownSchema, fmt.Sprintf("record declares schema version %d", *ev.SchemaVersion)
		}
	}

	if len(missing) > 0 {
		return zero, models.ReasonMissingField, strings.Join(missing, ", ")
	}

	// Core identity fields are dereferenced below; no schema version may
	// relax them into nil-ness.
	if ev.PlayedAt == nil || ev.TrackID == nil || ev.TrackName == nil || ev.AlbumID == nil ||
		ev.MsPlayed == nil || ev.UserID == nil || len(ev.ArtistIDs) == 0 {
		return zero, models.ReasonMissingField, "core identity fields"
	}

	playedAt, reason := parseEventTime(*ev.PlayedAt)
	if reason != "" {
		return zero, reason, fmt.Sprintf("played_at %q", *ev.PlayedAt)
	}
	if playedAt.Before(rules.EarliestPlausible) {
		return zero, models.ReasonImplausibleTime, fmt.Sprintf("played_at %s precedes %s",
			playedAt.Format(time.RFC3339), rules.EarliestPlausible.Format(time.RFC3339))
	}
	if horizon := asOf.Add(rules.MaxFutureSkew); playedAt.After(horizon) {
		return zero, models.ReasonImplausibleTime, fmt.Sprintf("played_at %s beyond future horizon %s",
			playedAt.Format(time.RFC3339), horizon.Format(time.RFC3339))
	}

	msPlayed := ev.MsPlayed.Int64()
	if msPlayed < 0 {
		return zero, models.ReasonNegativePlayTime, fmt.Sprintf("ms_played %d", msPlayed)
	}

	var durationMs int64
	if ev.DurationMs != nil {
		durationMs = ev.DurationMs.Int64()
		if durationMs < 0 {
			return zero, models.ReasonTypeMismatch, fmt.Sprintf("duration_ms %d", durationMs)
		}
	}

	trackID := strings.TrimSpace(*ev.TrackID)
	userID := strings.TrimSpace(*ev.UserID)
	albumID := strings.TrimSpace(*ev.AlbumID)
	if trackID == "" || userID == "" || albumID == "" {
		return zero, models.ReasonEmptyIdentifier, "blank track_id, user_id or album_id"
	}
	if strings.TrimSpace(ev.ArtistIDs[0]) == "" {
		return zero, models.ReasonEmptyIdentifier, "blank primary artist id"
	}

	proxy := UserProxy(userID)
	rec := models.ValidatedRecord{
		SchemaVersion: schema.Version,
		PlayedAt:      playedAt.UTC(),
		TrackID:       trackID,
		TrackName:     strings.TrimSpace(*ev.TrackName),
		ArtistIDs:     trimAll(ev.ArtistIDs),
		ArtistNames:   trimAll(ev.ArtistNames),
		AlbumID:       albumID,
		DurationMs:    durationMs,
		MsPlayed:      msPlayed,
		UserProxy:     proxy,
		Popularity:    ev.Popularity,
		DeviceType:    ev.DeviceType,
		Shuffle:       ev.Shuffle,
		Skipped:       ev.Skipped,
		Explicit:      ev.Explicit,
		ISRC:          ev.ISRC,
		PlayKey:       PlayKey(trackID, proxy, playedAt, rules.DedupWindow),
		Raw:           *ev,
	}
	if ev.AlbumName != nil {
		rec.AlbumName = strings.TrimSpace(*ev.AlbumName)
	}
	if ev.SchemaVersion != nil {
		rec.SchemaVersion = *ev.SchemaVersion
	}
	if af := ev.AudioFeatures; af != nil {
		rec.Tempo = af.Tempo
		rec.Energy = af.Energy
		rec.Valence = af.Valence
		rec.Danceability = af.Danceability
	}
	return rec, "", ""
}

// naiveLayouts are timestamp shapes that parse but carry no UTC offset.
// Matching one of these is its own rejection reason: the instant is
// ambiguous and must not be guessed into a zone.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// parseEventTime parses an event timestamp, requiring an explicit UTC
// offset (RFC 3339).
func parseEventTime(s string) (time.Time, models.ReasonCode) {
	s = strings.TrimSpace(s)
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, ""
	}
	for _, layout := range naiveLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return time.Time{}, models.ReasonAmbiguousTimezone
		}
	}
	return time.Time{}, models.ReasonTypeMismatch
}

// fieldMissing reports whether a schema field is absent from the landed
// record. Absent means the JSON carried null or no such member; present
// but blank values fail later checks instead.
func fieldMissing(ev *models.RawEvent, name string) bool {
	switch name {
	case "played_at":
		return ev.PlayedAt == nil
	case "track_id":
		return ev.TrackID == nil
	case "track_name":
		return ev.TrackName == nil
	case "artist_ids":
		return len(ev.ArtistIDs) == 0
	case "artist_names":
		return len(ev.ArtistNames) == 0
	case "album_id":
		return ev.AlbumID == nil
	case "album_name":
		return ev.AlbumName == nil
	case "duration_ms":
		return ev.DurationMs == nil
	case "ms_played":
		return ev.MsPlayed == nil
	case "user_id":
		return ev.UserID == nil
	case "popularity":
		return ev.Popularity == nil
	case "device_type":
		return ev.DeviceType == nil
	case "shuffle":
		return ev.Shuffle == nil
	case "skipped":
		return ev.Skipped == nil
	case "is_local":
		return ev.IsLocal == nil
	case "context_type":
		return ev.ContextType == nil
	case "context_uri":
		return ev.ContextURI == nil
	case "explicit":
		return ev.Explicit == nil
	case "isrc":
		return ev.ISRC == nil
	case "audio_features":
		return ev.AudioFeatures == nil
	default:
		return true
	}
}

func trimAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}
