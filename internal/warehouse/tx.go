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
	"strings"
)

// querier abstracts *sql.DB and *sql.Tx so a read path can run inside a
// partition transaction or against the bare pool.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is one partition's write transaction. Dimension mutations, fact
// inserts, dead letters, and the dedupe audit rows for a partition all
// commit or roll back together.
type Tx struct {
	tx *sql.Tx
}

// Begin opens a partition transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	if s.readOnly {
		return nil, fmt.Errorf("warehouse opened read-only, refusing write transaction")
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit, so callers
// can defer it unconditionally.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// IsTransactionConflict reports whether err is a DuckDB optimistic
// concurrency failure. These are transient: the losing transaction rolls
// back and the partition retries against the winner's committed state.
// The driver surfaces them only as message text, so match on substrings.
func IsTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "transactioncontext error") ||
		strings.Contains(msg, "transaction conflict") ||
		strings.Contains(msg, "write-write conflict") ||
		strings.Contains(msg, "conflict on ")
}
