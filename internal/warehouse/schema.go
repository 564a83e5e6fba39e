// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/groovelab/playhouse/internal/logging"
)

// schemaContextTimeout bounds schema creation statements.
const schemaContextTimeout = 60 * time.Second

type tableQuery struct {
	name  string
	query string
}

// getTableCreationQueries returns the warehouse DDL. Every statement is
// idempotent (IF NOT EXISTS) so ensure-on-open is safe across restarts.
//
// SCD dimensions share one shape: surrogate key, business key, attributes,
// and the [effective_from, effective_to) validity interval. The UNIQUE
// (business_key, effective_from) constraint is what turns concurrent
// version inserts into detectable conflicts instead of split histories.
func getTableCreationQueries() []tableQuery {
	return []tableQuery{
		{
			name: "dim_track",
			query: `CREATE TABLE IF NOT EXISTS dim_track (
				track_sk BIGINT PRIMARY KEY,
				business_key VARCHAR NOT NULL,
				name VARCHAR NOT NULL,
				isrc VARCHAR,
				duration_ms BIGINT,
				explicit BOOLEAN,
				tempo DOUBLE,
				energy DOUBLE,
				valence DOUBLE,
				danceability DOUBLE,
				effective_from TIMESTAMP NOT NULL,
				effective_to TIMESTAMP,
				is_current BOOLEAN NOT NULL,
				UNIQUE (business_key, effective_from)
			)`,
		},
		{
			name: "dim_artist",
			query: `CREATE TABLE IF NOT EXISTS dim_artist (
				artist_sk BIGINT PRIMARY KEY,
				business_key VARCHAR NOT NULL,
				name VARCHAR NOT NULL,
				effective_from TIMESTAMP NOT NULL,
				effective_to TIMESTAMP,
				is_current BOOLEAN NOT NULL,
				UNIQUE (business_key, effective_from)
			)`,
		},
		{
			name: "dim_album",
			query: `CREATE TABLE IF NOT EXISTS dim_album (
				album_sk BIGINT PRIMARY KEY,
				business_key VARCHAR NOT NULL,
				name VARCHAR NOT NULL,
				artist_key VARCHAR,
				effective_from TIMESTAMP NOT NULL,
				effective_to TIMESTAMP,
				is_current BOOLEAN NOT NULL,
				UNIQUE (business_key, effective_from)
			)`,
		},
		{
			name: "dim_date",
			query: `CREATE TABLE IF NOT EXISTS dim_date (
				date_sk INTEGER PRIMARY KEY,
				full_date DATE NOT NULL,
				year INTEGER NOT NULL,
				quarter INTEGER NOT NULL,
				month INTEGER NOT NULL,
				day INTEGER NOT NULL,
				day_of_week INTEGER NOT NULL,
				iso_week INTEGER NOT NULL,
				month_name VARCHAR NOT NULL,
				day_name VARCHAR NOT NULL,
				is_weekend BOOLEAN NOT NULL
			)`,
		},
		{
			name: "fact_streaming_events",
			query: `CREATE TABLE IF NOT EXISTS fact_streaming_events (
				play_sk UUID PRIMARY KEY,
				play_key VARCHAR NOT NULL UNIQUE,
				track_sk BIGINT NOT NULL,
				artist_sk BIGINT NOT NULL,
				album_sk BIGINT NOT NULL,
				date_sk INTEGER NOT NULL,
				user_proxy VARCHAR NOT NULL,
				played_at TIMESTAMP NOT NULL,
				ms_played BIGINT NOT NULL,
				popularity INTEGER,
				device_type VARCHAR,
				is_shuffle BOOLEAN,
				is_skipped BOOLEAN,
				mood VARCHAR NOT NULL,
				session_id VARCHAR NOT NULL,
				is_weekend BOOLEAN NOT NULL,
				norm_tempo DOUBLE,
				norm_energy DOUBLE,
				norm_valence DOUBLE,
				norm_danceability DOUBLE,
				schema_version INTEGER NOT NULL,
				batch_id UUID NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT current_timestamp
			)`,
		},
		{
			name: "batch_runs",
			query: `CREATE TABLE IF NOT EXISTS batch_runs (
				run_id UUID NOT NULL,
				stream VARCHAR NOT NULL,
				partition_date DATE NOT NULL,
				status VARCHAR NOT NULL,
				attempt INTEGER NOT NULL DEFAULT 0,
				schema_version INTEGER NOT NULL,
				records_read INTEGER NOT NULL DEFAULT 0,
				accepted INTEGER NOT NULL DEFAULT 0,
				rejected INTEGER NOT NULL DEFAULT 0,
				duplicates INTEGER NOT NULL DEFAULT 0,
				dim_inserts INTEGER NOT NULL DEFAULT 0,
				dim_updates INTEGER NOT NULL DEFAULT 0,
				facts_inserted INTEGER NOT NULL DEFAULT 0,
				dead_letters INTEGER NOT NULL DEFAULT 0,
				error VARCHAR,
				started_at TIMESTAMP NOT NULL,
				finished_at TIMESTAMP,
				PRIMARY KEY (stream, partition_date)
			)`,
		},
		{
			name: "watermarks",
			query: `CREATE TABLE IF NOT EXISTS watermarks (
				stream VARCHAR PRIMARY KEY,
				watermark DATE NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
		},
		{
			name: "dead_letters",
			query: `CREATE TABLE IF NOT EXISTS dead_letters (
				id UUID PRIMARY KEY,
				batch_id UUID NOT NULL,
				stream VARCHAR NOT NULL,
				partition_date DATE NOT NULL,
				stage VARCHAR NOT NULL,
				reason VARCHAR NOT NULL,
				detail VARCHAR,
				payload VARCHAR,
				created_at TIMESTAMP NOT NULL
			)`,
		},
		{
			name: "dedupe_log",
			query: `CREATE TABLE IF NOT EXISTS dedupe_log (
				id UUID PRIMARY KEY,
				batch_id UUID NOT NULL,
				stream VARCHAR NOT NULL,
				partition_date DATE NOT NULL,
				play_key VARCHAR NOT NULL,
				kind VARCHAR NOT NULL,
				created_at TIMESTAMP NOT NULL
			)`,
		},
	}
}

// getIndexQueries returns secondary indexes for the query patterns the
// pipeline and analysts actually hit: membership probes by play key date,
// current-version dimension lookups, and per-partition audit reads.
func getIndexQueries() []string {
	return []string{
		"CREATE INDEX IF NOT EXISTS idx_fact_date ON fact_streaming_events (date_sk)",
		"CREATE INDEX IF NOT EXISTS idx_fact_track ON fact_streaming_events (track_sk)",
		"CREATE INDEX IF NOT EXISTS idx_fact_user ON fact_streaming_events (user_proxy, played_at)",
		"CREATE INDEX IF NOT EXISTS idx_dim_track_bk ON dim_track (business_key)",
		"CREATE INDEX IF NOT EXISTS idx_dim_artist_bk ON dim_artist (business_key)",
		"CREATE INDEX IF NOT EXISTS idx_dim_album_bk ON dim_album (business_key)",
		"CREATE INDEX IF NOT EXISTS idx_dead_letters_partition ON dead_letters (stream, partition_date)",
		"CREATE INDEX IF NOT EXISTS idx_dedupe_log_partition ON dedupe_log (stream, partition_date)",
	}
}

// createSchema creates all tables and indexes.
func (s *Store) createSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), schemaContextTimeout)
	defer cancel()

	for _, tq := range getTableCreationQueries() {
		if _, err := s.conn.ExecContext(ctx, tq.query); err != nil {
			return fmt.Errorf("failed to create table %s: %w", tq.name, err)
		}
	}
	for _, query := range getIndexQueries() {
		if _, err := s.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	logging.Debug().Int("tables", len(getTableCreationQueries())).Msg("Warehouse schema ensured")
	return nil
}
