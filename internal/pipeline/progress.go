// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/groovelab/playhouse/internal/logging"
)

// checkpointPrefix namespaces checkpoint keys so Clear can drop them
// without touching anything else sharing the store.
const checkpointPrefix = "checkpoint/"

// Checkpoint records how far a stream got in its last run. It is a resume
// hint, not a source of truth: the warehouse batch_runs table stays
// authoritative, and a hint that contradicts it is discarded.
type Checkpoint struct {
	Stream        string    `json:"stream"`
	LastDate      string    `json:"last_date"`
	Partitions    int       `json:"partitions"`
	FactsInserted int64     `json:"facts_inserted"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Tracker persists per-stream checkpoints across runs.
type Tracker interface {
	// Save stores the checkpoint for its stream, replacing any earlier one.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load returns the stored checkpoint for a stream, or nil, nil when
	// none has been saved.
	Load(ctx context.Context, stream string) (*Checkpoint, error)

	// Clear removes all stored checkpoints.
	Clear(ctx context.Context) error

	// Close releases the tracker's resources.
	Close() error
}

// BadgerTracker implements Tracker on BadgerDB so checkpoints survive
// process restarts.
type BadgerTracker struct {
	db *badger.DB
}

// NewBadgerTracker opens (or creates) a BadgerDB at dir and returns a
// tracker backed by it.
func NewBadgerTracker(dir string) (*BadgerTracker, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = logging.NewBadgerLogger()
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return &BadgerTracker{db: db}, nil
}

// Save persists the checkpoint under its stream's key.
func (t *BadgerTracker) Save(_ context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(checkpointPrefix+cp.Stream), data)
	})
}

// Load retrieves the checkpoint for a stream.
// Returns nil, nil if none has been saved.
func (t *BadgerTracker) Load(_ context.Context, stream string) (*Checkpoint, error) {
	var (
		cp    Checkpoint
		found bool
	)

	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(checkpointPrefix + stream))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})

	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if !found {
		return nil, nil
	}

	return &cp, nil
}

// Clear drops every stored checkpoint. Use this to force a full re-scan.
func (t *BadgerTracker) Clear(_ context.Context) error {
	return t.db.DropPrefix([]byte(checkpointPrefix))
}

// Close closes the underlying BadgerDB.
func (t *BadgerTracker) Close() error {
	return t.db.Close()
}

// MemoryTracker implements Tracker in memory. Useful for tests and for
// dry runs, where leaving resume state behind would misdirect the next
// real run.
type MemoryTracker struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{checkpoints: make(map[string]Checkpoint)}
}

// Save stores a copy of the checkpoint in memory.
func (t *MemoryTracker) Save(_ context.Context, cp *Checkpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkpoints[cp.Stream] = *cp
	return nil
}

// Load retrieves a copy of the stream's checkpoint, or nil, nil.
func (t *MemoryTracker) Load(_ context.Context, stream string) (*Checkpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp, ok := t.checkpoints[stream]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// Clear removes all stored checkpoints.
func (t *MemoryTracker) Clear(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkpoints = make(map[string]Checkpoint)
	return nil
}

// Close is a no-op.
func (t *MemoryTracker) Close() error {
	return nil
}
