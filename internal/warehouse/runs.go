// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/groovelab/playhouse/internal/logging"
	"github.com/groovelab/playhouse/internal/models"
)

// ClaimRun claims a (stream, partition date) for processing. A partition
// already SUCCEEDED is returned with skip=true and left untouched, so
// re-running a window is free for clean partitions. Otherwise the single
// bookkeeping row is upserted to RUNNING with its attempt counter bumped.
//
// Run bookkeeping commits outside the partition data transaction: a crash
// after data commit but before FinishRun leaves a RUNNING row whose retry
// re-reads committed state and inserts nothing new.
func (s *Store) ClaimRun(ctx context.Context, stream, partitionDate string, schemaVersion int) (models.BatchRun, bool, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	existing, err := s.GetRun(ctx, stream, partitionDate)
	if err != nil {
		return models.BatchRun{}, false, err
	}
	if existing != nil && existing.Status == models.StatusSucceeded {
		return *existing, true, nil
	}

	const query = `INSERT INTO batch_runs (
		run_id, stream, partition_date, status, attempt, schema_version,
		error, started_at, finished_at
	) VALUES (?, ?, ?, ?, 1, ?, NULL, ?, NULL)
	ON CONFLICT (stream, partition_date) DO UPDATE SET
		status = excluded.status,
		attempt = attempt + 1,
		schema_version = excluded.schema_version,
		error = NULL,
		started_at = excluded.started_at,
		finished_at = NULL`

	runID := uuid.New()
	startedAt := time.Now().UTC()
	_, err = s.conn.ExecContext(ctx, query,
		runID.String(), stream, partitionDate, string(models.StatusRunning), schemaVersion, startedAt)
	if err != nil {
		return models.BatchRun{}, false, fmt.Errorf("failed to claim run for %s/%s: %w", stream, partitionDate, err)
	}

	claimed, err := s.GetRun(ctx, stream, partitionDate)
	if err != nil {
		return models.BatchRun{}, false, err
	}
	if claimed == nil {
		return models.BatchRun{}, false, fmt.Errorf("claimed run for %s/%s not found after upsert", stream, partitionDate)
	}
	return *claimed, false, nil
}

// FinishRun records the outcome and counters of a processing attempt.
func (s *Store) FinishRun(ctx context.Context, run *models.BatchRun) error {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	const query = `UPDATE batch_runs SET
		status = ?, records_read = ?, accepted = ?, rejected = ?, duplicates = ?,
		dim_inserts = ?, dim_updates = ?, facts_inserted = ?, dead_letters = ?,
		error = ?, finished_at = ?
	WHERE stream = ? AND partition_date = ?`

	finishedAt := time.Now().UTC()
	run.FinishedAt = &finishedAt

	_, err := s.conn.ExecContext(ctx, query,
		string(run.Status), run.RecordsRead, run.Accepted, run.Rejected, run.Duplicates,
		run.DimInserts, run.DimUpdates, run.FactsInserted, run.DeadLetters,
		nv(run.Error), finishedAt, run.Stream, run.PartitionDate)
	if err != nil {
		return fmt.Errorf("failed to finish run for %s/%s: %w", run.Stream, run.PartitionDate, err)
	}
	return nil
}

// GetRun returns the bookkeeping row for one partition, or nil when the
// partition has never been claimed.
func (s *Store) GetRun(ctx context.Context, stream, partitionDate string) (*models.BatchRun, error) {
	const query = `SELECT
		CAST(run_id AS VARCHAR), stream, CAST(partition_date AS VARCHAR),
		status, attempt, schema_version,
		records_read, accepted, rejected, duplicates,
		dim_inserts, dim_updates, facts_inserted, dead_letters,
		error, started_at, finished_at
	FROM batch_runs WHERE stream = ? AND partition_date = ?`

	var (
		run    models.BatchRun
		rawID  string
		status string
	)
	err := s.conn.QueryRowContext(ctx, query, stream, partitionDate).Scan(
		&rawID, &run.Stream, &run.PartitionDate,
		&status, &run.Attempt, &run.SchemaVersion,
		&run.RecordsRead, &run.Accepted, &run.Rejected, &run.Duplicates,
		&run.DimInserts, &run.DimUpdates, &run.FactsInserted, &run.DeadLetters,
		&run.Error, &run.StartedAt, &run.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run for %s/%s: %w", stream, partitionDate, err)
	}

	run.RunID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse run id %q: %w", rawID, err)
	}
	run.Status = models.RunStatus(status)
	return &run, nil
}

// Watermark returns the last fully loaded partition date for a stream.
// ok is false when the stream has never been loaded.
func (s *Store) Watermark(ctx context.Context, stream string) (string, bool, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	var watermark string
	err := s.conn.QueryRowContext(ctx,
		"SELECT CAST(watermark AS VARCHAR) FROM watermarks WHERE stream = ?", stream).Scan(&watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read watermark for %s: %w", stream, err)
	}
	return watermark, true, nil
}

// AdvanceWatermark moves a stream's watermark forward. The watermark never
// regresses: backfills of already-covered dates leave it where it is.
func (s *Store) AdvanceWatermark(ctx context.Context, stream, partitionDate string) error {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	const query = `INSERT INTO watermarks (stream, watermark, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT (stream) DO UPDATE SET
		watermark = greatest(watermark, excluded.watermark),
		updated_at = excluded.updated_at`

	if _, err := s.conn.ExecContext(ctx, query, stream, partitionDate, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to advance watermark for %s: %w", stream, err)
	}
	return nil
}

// PurgeDeadLetters removes a partition's dead letters inside the
// transaction. Each terminal write replaces the partition's letters, so
// re-running a partition rewrites its quarantine record instead of
// accumulating copies.
func (t *Tx) PurgeDeadLetters(ctx context.Context, stream, partitionDate string) error {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM dead_letters WHERE stream = ? AND partition_date = ?", stream, partitionDate)
	if err != nil {
		return fmt.Errorf("failed to purge dead letters for %s/%s: %w", stream, partitionDate, err)
	}
	return nil
}

// PurgeDedupeLog removes a partition's dedupe audit rows inside the
// transaction, for the same replace-not-accumulate reason as
// PurgeDeadLetters.
func (t *Tx) PurgeDedupeLog(ctx context.Context, stream, partitionDate string) error {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM dedupe_log WHERE stream = ? AND partition_date = ?", stream, partitionDate)
	if err != nil {
		return fmt.Errorf("failed to purge dedupe log for %s/%s: %w", stream, partitionDate, err)
	}
	return nil
}

// AppendDeadLetters persists rejected records inside the partition
// transaction, so a rolled-back partition leaves no orphan dead letters.
func (t *Tx) AppendDeadLetters(ctx context.Context, letters []models.DeadLetter) error {
	const query = `INSERT INTO dead_letters (
		id, batch_id, stream, partition_date, stage, reason, detail, payload, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, l := range letters {
		_, err := t.tx.ExecContext(ctx, query,
			l.ID.String(), l.BatchID.String(), l.Stream, l.PartitionDate,
			string(l.Stage), string(l.Reason), l.Detail, string(l.Payload), l.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to append dead letter %s: %w", l.ID, err)
		}
	}
	return nil
}

// AppendDedupeLog persists duplicate audit rows inside the partition
// transaction.
func (t *Tx) AppendDedupeLog(ctx context.Context, entries []models.DedupeEntry) error {
	const query = `INSERT INTO dedupe_log (
		id, batch_id, stream, partition_date, play_key, kind, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`

	for _, e := range entries {
		_, err := t.tx.ExecContext(ctx, query,
			e.ID.String(), e.BatchID.String(), e.Stream, e.PartitionDate,
			e.PlayKey, string(e.Kind), e.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to append dedupe entry %s: %w", e.ID, err)
		}
	}
	return nil
}

// DeadLetters returns the dead letters of one partition in arrival order.
func (s *Store) DeadLetters(ctx context.Context, stream, partitionDate string) ([]models.DeadLetter, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	const query = `SELECT
		CAST(id AS VARCHAR), CAST(batch_id AS VARCHAR), stream,
		CAST(partition_date AS VARCHAR), stage, reason, detail, payload, created_at
	FROM dead_letters WHERE stream = ? AND partition_date = ?
	ORDER BY created_at, CAST(id AS VARCHAR)`

	rows, err := s.conn.QueryContext(ctx, query, stream, partitionDate)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.DeadLetter
	for rows.Next() {
		var (
			l               models.DeadLetter
			rawID, rawBatch string
			stage, reason   string
			payload         string
		)
		if err := rows.Scan(&rawID, &rawBatch, &l.Stream, &l.PartitionDate,
			&stage, &reason, &l.Detail, &payload, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if l.ID, err = uuid.Parse(rawID); err != nil {
			return nil, fmt.Errorf("failed to parse dead letter id %q: %w", rawID, err)
		}
		if l.BatchID, err = uuid.Parse(rawBatch); err != nil {
			return nil, fmt.Errorf("failed to parse dead letter batch id %q: %w", rawBatch, err)
		}
		l.Stage = models.Stage(stage)
		l.Reason = models.ReasonCode(reason)
		l.Payload = []byte(payload)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	return out, nil
}

// DedupeLogEntries returns the duplicate audit rows of one partition.
func (s *Store) DedupeLogEntries(ctx context.Context, stream, partitionDate string) ([]models.DedupeEntry, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	const query = `SELECT
		CAST(id AS VARCHAR), CAST(batch_id AS VARCHAR), stream,
		CAST(partition_date AS VARCHAR), play_key, kind, created_at
	FROM dedupe_log WHERE stream = ? AND partition_date = ?
	ORDER BY created_at, play_key`

	rows, err := s.conn.QueryContext(ctx, query, stream, partitionDate)
	if err != nil {
		return nil, fmt.Errorf("failed to list dedupe entries: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.DedupeEntry
	for rows.Next() {
		var (
			e               models.DedupeEntry
			rawID, rawBatch string
			kind            string
		)
		if err := rows.Scan(&rawID, &rawBatch, &e.Stream, &e.PartitionDate,
			&e.PlayKey, &kind, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dedupe entry: %w", err)
		}
		if e.ID, err = uuid.Parse(rawID); err != nil {
			return nil, fmt.Errorf("failed to parse dedupe entry id %q: %w", rawID, err)
		}
		if e.BatchID, err = uuid.Parse(rawBatch); err != nil {
			return nil, fmt.Errorf("failed to parse dedupe batch id %q: %w", rawBatch, err)
		}
		e.Kind = models.DuplicateKind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dedupe entries: %w", err)
	}
	return out, nil
}

// CleanupRetention deletes dead letters and dedupe audit rows older than
// the retention age. Facts and dimensions are kept forever.
func (s *Store) CleanupRetention(ctx context.Context, age time.Duration) (int64, error) {
	if age <= 0 {
		return 0, nil
	}
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	cutoff := time.Now().UTC().Add(-age)
	var total int64
	for _, table := range []string{"dead_letters", "dedupe_log"} {
		result, err := s.conn.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE created_at < ?", table), cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to clean %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to read rows affected: %w", err)
		}
		total += n
	}
	if total > 0 {
		logging.Info().Int64("rows", total).Dur("age", age).Msg("Retention cleanup removed audit rows")
	}
	return total, nil
}
