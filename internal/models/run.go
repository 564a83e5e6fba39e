// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the partition state machine. Transitions are
// PENDING -> RUNNING -> {SUCCEEDED, FAILED, DEAD_LETTERED}; FAILED may loop
// back to RUNNING while retry budget remains.
type RunStatus string

const (
	StatusPending      RunStatus = "PENDING"
	StatusRunning      RunStatus = "RUNNING"
	StatusSucceeded    RunStatus = "SUCCEEDED"
	StatusFailed       RunStatus = "FAILED"
	StatusDeadLettered RunStatus = "DEAD_LETTERED"
)

// Terminal reports whether the status ends the partition's lifecycle.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusDeadLettered
}

// BatchRun is the durable record of one partition processing attempt chain.
// One row per (stream, partition date); Attempt counts processing attempts
// across retries.
type BatchRun struct {
	RunID         uuid.UUID
	Stream        string
	PartitionDate string // YYYY-MM-DD
	Status        RunStatus
	Attempt       int
	SchemaVersion int

	RecordsRead   int
	Accepted      int
	Rejected      int
	Duplicates    int
	DimInserts    int
	DimUpdates    int
	FactsInserted int
	DeadLetters   int

	Error      *string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// MergeResult summarizes one partition's fact merge.
type MergeResult struct {
	Inserted         int
	SkippedDuplicate int
	Failed           []Rejection
}

// DeadLetter is the persisted form of a record (or one record of an aborted
// batch) that cannot be processed automatically. Payload holds the original
// RawEvent as JSON so the record can be replayed after the cause is fixed.
type DeadLetter struct {
	ID            uuid.UUID
	BatchID       uuid.UUID
	Stream        string
	PartitionDate string
	Stage         Stage
	Reason        ReasonCode
	Detail        string
	Payload       []byte
	CreatedAt     time.Time
}

// DedupeEntry is one audit row for a skipped duplicate.
type DedupeEntry struct {
	ID            uuid.UUID
	BatchID       uuid.UUID
	Stream        string
	PartitionDate string
	PlayKey       string
	Kind          DuplicateKind
	CreatedAt     time.Time
}

// FactRow mirrors one row of the fact table. Used by read paths and tests;
// the merge stage writes from ResolvedRecord directly.
type FactRow struct {
	PlaySK        uuid.UUID
	PlayKey       string
	TrackSK       int64
	ArtistSK      int64
	AlbumSK       int64
	DateSK        int32
	UserProxy     string
	PlayedAtUTC   time.Time
	MsPlayed      int64
	Popularity    *int
	DeviceType    *string
	IsShuffle     *bool
	IsSkipped     *bool
	Mood          string
	SessionID     string
	IsWeekend     bool
	NormTempo     *float64
	NormEnergy    *float64
	NormValence   *float64
	NormDance     *float64
	SchemaVersion int
	BatchID       uuid.UUID
	CreatedAt     time.Time
}

// PartitionReport is the per-partition slice of the run summary.
type PartitionReport struct {
	Stream        string        `json:"stream"`
	PartitionDate string        `json:"partition_date"`
	Status        RunStatus     `json:"status"`
	Attempts      int           `json:"attempts"`
	RecordsRead   int           `json:"records_read"`
	Accepted      int           `json:"accepted"`
	Rejected      int           `json:"rejected"`
	Duplicates    int           `json:"duplicates"`
	DimInserts    int           `json:"dim_inserts"`
	DimUpdates    int           `json:"dim_updates"`
	FactsInserted int           `json:"facts_inserted"`
	DeadLetters   int           `json:"dead_letters"`
	Duration      time.Duration `json:"duration_ns"`
	Error         string        `json:"error,omitempty"`
}

// RunReport is the machine-readable summary printed at the end of a run.
type RunReport struct {
	Mode       string            `json:"mode"`
	DryRun     bool              `json:"dry_run,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Partitions []PartitionReport `json:"partitions"`

	TotalRead      int `json:"total_read"`
	TotalFacts     int `json:"total_facts"`
	TotalRejected  int `json:"total_rejected"`
	TotalDuplicate int `json:"total_duplicates"`
	TotalDead      int `json:"total_dead_letters"`

	Succeeded    int `json:"partitions_succeeded"`
	Failed       int `json:"partitions_failed"`
	DeadLettered int `json:"partitions_dead_lettered"`
	Skipped      int `json:"partitions_skipped"`
}

// Add folds one partition report into the totals.
func (r *RunReport) Add(p PartitionReport) {
	r.Partitions = append(r.Partitions, p)
	r.TotalRead += p.RecordsRead
	r.TotalFacts += p.FactsInserted
	r.TotalRejected += p.Rejected
	r.TotalDuplicate += p.Duplicates
	r.TotalDead += p.DeadLetters
	switch p.Status {
	case StatusSucceeded:
		r.Succeeded++
	case StatusDeadLettered:
		r.DeadLettered++
	case StatusFailed:
		r.Failed++
	}
}

// AddSkipped records a partition that was already terminal before this run.
// Its stored counters describe the earlier run, so they stay out of this
// run's totals.
func (r *RunReport) AddSkipped(p PartitionReport) {
	r.Partitions = append(r.Partitions, p)
	r.Skipped++
}

// Clean reports whether every selected partition reached SUCCEEDED.
func (r *RunReport) Clean() bool {
	return r.Failed == 0 && r.DeadLettered == 0
}
