// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

// Package merge writes resolved records into the fact table. Every row's
// dimension references are verified against the warehouse inside the same
// transaction before the insert; a fact row never dangles.
package merge

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/groovelab/playhouse/internal/logging"
	"github.com/groovelab/playhouse/internal/models"
)

// Store is the slice of the warehouse transaction the merge needs.
type Store interface {
	DimensionSKsExist(ctx context.Context, kind models.DimensionKind, sks []int64) (map[int64]bool, error)
	DateSKsExist(ctx context.Context, sks []int32) (map[int32]bool, error)
	InsertFact(ctx context.Context, row models.FactRow) (bool, error)
}

// PlayUUID derives the fact surrogate from the play key: the first 16
// bytes of SHA-256 with RFC 9562 version 8 and variant bits. The same
// play always maps to the same surrogate, in every process and run.
func PlayUUID(playKey string) uuid.UUID {
	sum := sha256.Sum256([]byte(playKey))
	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x80
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}

// Merge inserts the records into the fact table. Rows whose dimension or
// calendar references cannot be verified are returned in Failed and the
// merge continues; rows refused by the play-key constraint are counted as
// skipped duplicates. Store errors abort the merge and the caller rolls
// the partition back.
func Merge(ctx context.Context, store Store, records []models.ResolvedRecord, batchID uuid.UUID) (models.MergeResult, error) {
	var result models.MergeResult
	if len(records) == 0 {
		return result, nil
	}

	tracks, err := store.DimensionSKsExist(ctx, models.DimTrack, collectSKs(records, func(r *models.ResolvedRecord) int64 { return r.TrackSK }))
	if err != nil {
		return result, fmt.Errorf("failed to verify track references: %w", err)
	}
	artists, err := store.DimensionSKsExist(ctx, models.DimArtist, collectSKs(records, func(r *models.ResolvedRecord) int64 { return r.ArtistSK }))
	if err != nil {
		return result, fmt.Errorf("failed to verify artist references: %w", err)
	}
	albums, err := store.DimensionSKsExist(ctx, models.DimAlbum, collectSKs(records, func(r *models.ResolvedRecord) int64 { return r.AlbumSK }))
	if err != nil {
		return result, fmt.Errorf("failed to verify album references: %w", err)
	}
	dates, err := store.DateSKsExist(ctx, collectDateSKs(records))
	if err != nil {
		return result, fmt.Errorf("failed to verify calendar references: %w", err)
	}

	now := time.Now().UTC()
	for i := range records {
		rec := &records[i]
		if detail := danglingRefs(rec, tracks, artists, albums, dates); detail != "" {
			result.Failed = append(result.Failed, models.Rejection{
				Event:  rec.Raw,
				Reason: models.ReasonMissingDimension,
				Detail: detail,
			})
			continue
		}
		inserted, err := store.InsertFact(ctx, factRowOf(rec, batchID, now))
		if err != nil {
			return result, fmt.Errorf("failed to merge fact %s: %w", rec.PlayKey, err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.SkippedDuplicate++
		}
	}

	logging.Debug().
		Int("inserted", result.Inserted).
		Int("skipped", result.SkippedDuplicate).
		Int("failed", len(result.Failed)).
		Msg("Fact merge finished")
	return result, nil
}

// danglingRefs names every reference of a record that has no warehouse
// row, or returns "" when the row is safe to insert.
func danglingRefs(rec *models.ResolvedRecord, tracks, artists, albums map[int64]bool, dates map[int32]bool) string {
	var missing []string
	if !tracks[rec.TrackSK] {
		missing = append(missing, fmt.Sprintf("track surrogate %d", rec.TrackSK))
	}
	if !artists[rec.ArtistSK] {
		missing = append(missing, fmt.Sprintf("artist surrogate %d", rec.ArtistSK))
	}
	if !albums[rec.AlbumSK] {
		missing = append(missing, fmt.Sprintf("album surrogate %d", rec.AlbumSK))
	}
	if !dates[rec.DateSK] {
		missing = append(missing, fmt.Sprintf("date surrogate %d", rec.DateSK))
	}
	if len(missing) == 0 {
		return ""
	}
	return "no dimension row for " + strings.Join(missing, ", ")
}

func factRowOf(rec *models.ResolvedRecord, batchID uuid.UUID, now time.Time) models.FactRow {
	return models.FactRow{
		PlaySK:        PlayUUID(rec.PlayKey),
		PlayKey:       rec.PlayKey,
		TrackSK:       rec.TrackSK,
		ArtistSK:      rec.ArtistSK,
		AlbumSK:       rec.AlbumSK,
		DateSK:        rec.DateSK,
		UserProxy:     rec.UserProxy,
		PlayedAtUTC:   rec.PlayedAt,
		MsPlayed:      rec.MsPlayed,
		Popularity:    rec.Popularity,
		DeviceType:    rec.DeviceType,
		IsShuffle:     rec.Shuffle,
		IsSkipped:     rec.Skipped,
		Mood:          rec.Mood,
		SessionID:     rec.SessionID,
		IsWeekend:     rec.IsWeekend,
		NormTempo:     rec.NormTempo,
		NormEnergy:    rec.NormEnergy,
		NormValence:   rec.NormValence,
		NormDance:     rec.NormDanceability,
		SchemaVersion: rec.SchemaVersion,
		BatchID:       batchID,
		CreatedAt:     now,
	}
}

func collectSKs(records []models.ResolvedRecord, pick func(*models.ResolvedRecord) int64) []int64 {
	seen := make(map[int64]struct{}, len(records))
	for i := range records {
		seen[pick(&records[i])] = struct{}{}
	}
	out := make([]int64, 0, len(seen))
	for sk := range seen {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func collectDateSKs(records []models.ResolvedRecord) []int32 {
	seen := make(map[int32]struct{}, len(records))
	for i := range records {
		seen[records[i].DateSK] = struct{}{}
	}
	out := make([]int32, 0, len(seen))
	for sk := range seen {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
