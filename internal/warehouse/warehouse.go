// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

// Package warehouse owns the embedded DuckDB star schema: the streaming
// fact table, the versioned track/artist/album dimensions, the calendar
// dimension, and the operational tables (batch runs, watermarks, dead
// letters, dedupe audit trail).
//
// Writes that must land together ride a Tx; the pipeline opens one per
// partition. Conditional inserts (ON CONFLICT DO NOTHING, insert-if-absent)
// are the store's half of the idempotence contract: re-running a partition
// re-issues identical rows and the store refuses the copies.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/groovelab/playhouse/internal/config"
	"github.com/groovelab/playhouse/internal/logging"
)

// Store wraps the DuckDB connection and provides warehouse access methods.
type Store struct {
	conn     *sql.DB
	cfg      *config.WarehouseConfig
	readOnly bool
}

// New opens (creating if needed) the warehouse at cfg.Path and ensures the
// schema. With cfg.ReadOnly the file is opened read-only and schema setup
// is skipped; the file must already exist.
func New(cfg *config.WarehouseConfig) (*Store, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "2GB"
	}

	if !cfg.ReadOnly {
		// The parent directory must exist before DuckDB creates the file.
		dbDir := filepath.Dir(cfg.Path)
		if dbDir != "" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create warehouse directory %s: %w", dbDir, err)
			}
		}
	}

	mode := "read_write"
	if cfg.ReadOnly {
		mode = "read_only"
	}
	connStr := fmt.Sprintf("%s?access_mode=%s&threads=%d&max_memory=%s",
		cfg.Path, mode, numThreads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}

	s := &Store{conn: conn, cfg: cfg, readOnly: cfg.ReadOnly}
	s.configureConnectionPool()

	if !cfg.ReadOnly {
		if err := s.createSchema(); err != nil {
			closeQuietly(conn)
			return nil, fmt.Errorf("failed to initialize warehouse schema: %w", err)
		}
	}

	logging.Info().
		Str("path", cfg.Path).
		Str("max_memory", maxMemory).
		Int("threads", numThreads).
		Bool("read_only", cfg.ReadOnly).
		Msg("Warehouse opened")

	return s, nil
}

// configureConnectionPool sets connection pool parameters.
func (s *Store) configureConnectionPool() {
	s.conn.SetMaxOpenConns(runtime.NumCPU())
	s.conn.SetMaxIdleConns(2)
	s.conn.SetConnMaxLifetime(time.Hour)
	s.conn.SetConnMaxIdleTime(5 * time.Minute)
}

// ReadOnly reports whether the store was opened without write access.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

// Conn returns the underlying SQL handle. Tests and ad-hoc verification
// queries use it; pipeline code goes through the typed methods.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// Ping checks that the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if s.conn == nil {
		return fmt.Errorf("warehouse connection is nil")
	}
	return s.conn.PingContext(ctx)
}

// Checkpoint forces a WAL checkpoint so the data file is self-contained.
func (s *Store) Checkpoint(ctx context.Context) error {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	if _, err := s.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	return nil
}

// Close checkpoints and closes the warehouse. The checkpoint is best
// effort: WAL replay on next open recovers anything it missed.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if !s.readOnly {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.Checkpoint(ctx); err != nil {
			logging.Warn().Err(err).Msg("Failed to checkpoint warehouse before close")
		}
		cancel()
	}
	return s.conn.Close()
}

// ensureContext attaches a 30-second timeout when the caller provided no
// deadline, so no warehouse query can hang unbounded.
func (s *Store) ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), 30*time.Second)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		return context.WithTimeout(ctx, 30*time.Second)
	}
	return ctx, func() {}
}

// closeQuietly closes a resource and explicitly ignores any error. For
// cleanup in error paths where Close errors are not actionable.
func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close()
	}
}

// closeWithLog closes a resource and logs a failure instead of returning it.
func closeWithLog(closer io.Closer, resourceType string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logging.Warn().Str("type", resourceType).Err(err).Msg("Failed to close resource")
	}
}
