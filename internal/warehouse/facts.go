// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package warehouse

import (
	"context"
	"fmt"

	"github.com/groovelab/playhouse/internal/models"
)

// InsertFact inserts one fact row, refusing duplicates by play key.
// Returns false when the key was already present. Re-running a partition
// therefore re-offers every row and inserts none.
func (t *Tx) InsertFact(ctx context.Context, row models.FactRow) (bool, error) {
	const query = `INSERT INTO fact_streaming_events (
		play_sk, play_key, track_sk, artist_sk, album_sk, date_sk,
		user_proxy, played_at, ms_played, popularity, device_type,
		is_shuffle, is_skipped, mood, session_id, is_weekend,
		norm_tempo, norm_energy, norm_valence, norm_danceability,
		schema_version, batch_id, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING`

	result, err := t.tx.ExecContext(ctx, query,
		row.PlaySK.String(), row.PlayKey,
		row.TrackSK, row.ArtistSK, row.AlbumSK, row.DateSK,
		row.UserProxy, row.PlayedAtUTC, row.MsPlayed,
		nv(row.Popularity), nv(row.DeviceType), nv(row.IsShuffle), nv(row.IsSkipped),
		row.Mood, row.SessionID, row.IsWeekend,
		nv(row.NormTempo), nv(row.NormEnergy), nv(row.NormValence), nv(row.NormDance),
		row.SchemaVersion, row.BatchID.String(), row.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert fact %s: %w", row.PlayKey, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// DimensionSKsExist reports which of the given surrogate keys have a row
// in the dimension table, inside the partition transaction. The fact
// merge refuses to write a fact whose reference would dangle.
func (t *Tx) DimensionSKsExist(ctx context.Context, kind models.DimensionKind, sks []int64) (map[int64]bool, error) {
	return dimensionSKsExist(ctx, t.tx, kind, sks)
}

// DimensionSKsExist is the transaction-free variant; dry runs verify
// references against committed state only.
func (s *Store) DimensionSKsExist(ctx context.Context, kind models.DimensionKind, sks []int64) (map[int64]bool, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()
	return dimensionSKsExist(ctx, s.conn, kind, sks)
}

func dimensionSKsExist(ctx context.Context, q querier, kind models.DimensionKind, sks []int64) (map[int64]bool, error) {
	dt, err := dimTableFor(kind)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]bool, len(sks))
	for _, chunk := range chunkSlice(sks, inClauseLimit) {
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			dt.skCol, dt.table, dt.skCol, placeholders(len(chunk)))
		rows, err := q.QueryContext(ctx, query, bindArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("failed to probe %s surrogate keys: %w", kind, err)
		}
		for rows.Next() {
			var sk int64
			if err := rows.Scan(&sk); err != nil {
				closeQuietly(rows)
				return nil, fmt.Errorf("failed to scan %s surrogate key: %w", kind, err)
			}
			out[sk] = true
		}
		if err := rows.Err(); err != nil {
			closeQuietly(rows)
			return nil, fmt.Errorf("failed to read %s surrogate keys: %w", kind, err)
		}
		closeQuietly(rows)
	}
	return out, nil
}

// DateSKsExist reports which calendar surrogate keys have a dim_date row.
func (t *Tx) DateSKsExist(ctx context.Context, sks []int32) (map[int32]bool, error) {
	return dateSKsExist(ctx, t.tx, sks)
}

// DateSKsExist is the transaction-free variant for dry runs.
func (s *Store) DateSKsExist(ctx context.Context, sks []int32) (map[int32]bool, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()
	return dateSKsExist(ctx, s.conn, sks)
}

func dateSKsExist(ctx context.Context, q querier, sks []int32) (map[int32]bool, error) {
	out := make(map[int32]bool, len(sks))
	for _, chunk := range chunkSlice(sks, inClauseLimit) {
		query := fmt.Sprintf("SELECT date_sk FROM dim_date WHERE date_sk IN (%s)", placeholders(len(chunk)))
		rows, err := q.QueryContext(ctx, query, bindArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("failed to probe date surrogate keys: %w", err)
		}
		for rows.Next() {
			var sk int32
			if err := rows.Scan(&sk); err != nil {
				closeQuietly(rows)
				return nil, fmt.Errorf("failed to scan date surrogate key: %w", err)
			}
			out[sk] = true
		}
		if err := rows.Err(); err != nil {
			closeQuietly(rows)
			return nil, fmt.Errorf("failed to read date surrogate keys: %w", err)
		}
		closeQuietly(rows)
	}
	return out, nil
}

// ExistingPlayKeys returns the subset of keys already present in the fact
// table. Runs outside any transaction: membership only grows, and a key
// that commits between this probe and the merge is still refused by the
// fact table's unique constraint.
func (s *Store) ExistingPlayKeys(ctx context.Context, keys []string) (map[string]struct{}, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	out := make(map[string]struct{})
	for _, chunk := range chunkSlice(keys, inClauseLimit) {
		query := fmt.Sprintf("SELECT play_key FROM fact_streaming_events WHERE play_key IN (%s)",
			placeholders(len(chunk)))
		rows, err := s.conn.QueryContext(ctx, query, bindArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("failed to probe play keys: %w", err)
		}
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				closeQuietly(rows)
				return nil, fmt.Errorf("failed to scan play key: %w", err)
			}
			out[key] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			closeQuietly(rows)
			return nil, fmt.Errorf("failed to read play keys: %w", err)
		}
		closeQuietly(rows)
	}
	return out, nil
}

// PlayKeysForDates returns every play key whose fact row falls on one of
// the given calendar keys. Warms the duplicate prefilter before a run.
func (s *Store) PlayKeysForDates(ctx context.Context, dateSKs []int32) ([]string, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	var out []string
	for _, chunk := range chunkSlice(dateSKs, inClauseLimit) {
		query := fmt.Sprintf("SELECT play_key FROM fact_streaming_events WHERE date_sk IN (%s)",
			placeholders(len(chunk)))
		rows, err := s.conn.QueryContext(ctx, query, bindArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("failed to list play keys by date: %w", err)
		}
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				closeQuietly(rows)
				return nil, fmt.Errorf("failed to scan play key: %w", err)
			}
			out = append(out, key)
		}
		if err := rows.Err(); err != nil {
			closeQuietly(rows)
			return nil, fmt.Errorf("failed to read play keys: %w", err)
		}
		closeQuietly(rows)
	}
	return out, nil
}

// FactCount returns the number of fact rows. Verification paths only.
func (s *Store) FactCount(ctx context.Context) (int64, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	var n int64
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM fact_streaming_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count facts: %w", err)
	}
	return n, nil
}

// nv unwraps an optional value for binding: nil pointers become SQL NULL.
func nv[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func bindArgs[T any](items []T) []any {
	args := make([]any, len(items))
	for i, item := range items {
		args[i] = item
	}
	return args
}

func chunkSlice[T any](items []T, size int) [][]T {
	var chunks [][]T
	for len(items) > size {
		chunks = append(chunks, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		chunks = append(chunks, items)
	}
	return chunks
}
