// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package config

import (
	"time"
)

// Config holds everything the pipeline needs, loaded once at startup and
// immutable afterwards. Loading layers three sources, later overriding
// earlier:
//
//  1. Built-in defaults
//  2. Optional YAML file (-config flag, PLAYHOUSE_CONFIG, or a well-known path)
//  3. PLAYHOUSE_* environment variables
//
// Safe for concurrent reads after Load.
type Config struct {
	Lake       LakeConfig       `koanf:"lake"`
	Warehouse  WarehouseConfig  `koanf:"warehouse"`
	Rules      RulesConfig      `koanf:"rules"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// LakeConfig locates the landed play events.
type LakeConfig struct {
	// Root is the top of the hive-partitioned event tree:
	// <root>/<stream>/date=YYYY-MM-DD/*.json
	Root string `koanf:"root" validate:"required"`

	// Streams restricts the run to the named stream directories. Empty
	// means every directory under Root.
	Streams []string `koanf:"streams"`
}

// WarehouseConfig tunes the embedded DuckDB warehouse.
type WarehouseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	// Threads caps DuckDB worker threads. 0 uses every CPU.
	Threads int `koanf:"threads" validate:"gte=0"`
	// ReadOnly opens the warehouse without write access. Dry runs force it
	// when the database file already exists.
	ReadOnly bool `koanf:"read_only"`
	// RetentionAge bounds how long dead letters and the dedupe audit trail
	// are kept. 0 keeps them forever.
	RetentionAge time.Duration `koanf:"retention_age" validate:"gte=0"`
}

// RulesConfig overrides the registry's business rules. Zero values fall
// back to the registry defaults.
type RulesConfig struct {
	NullRateThreshold float64       `koanf:"null_rate_threshold" validate:"gte=0,lte=1"`
	DedupWindow       time.Duration `koanf:"dedup_window" validate:"gte=0"`
	SessionIdleGap    time.Duration `koanf:"session_idle_gap" validate:"gte=0"`
	MoodBoundary      float64       `koanf:"mood_boundary" validate:"gte=0,lte=1"`
	MaxFutureSkew     time.Duration `koanf:"max_future_skew" validate:"gte=0"`

	// ReferenceStats overrides normalization bounds per audio feature.
	ReferenceStats map[string]ReferenceStatsConfig `koanf:"reference_stats" validate:"dive"`
}

// ReferenceStatsConfig is one audio feature's population statistics.
type ReferenceStatsConfig struct {
	Min    float64 `koanf:"min"`
	Max    float64 `koanf:"max"`
	Mean   float64 `koanf:"mean"`
	StdDev float64 `koanf:"std_dev" validate:"gte=0"`
}

// PipelineConfig shapes orchestration: concurrency, retries and the
// commit circuit breaker.
type PipelineConfig struct {
	// Workers bounds how many streams load concurrently. Partitions within
	// a stream always run in date order.
	Workers int `koanf:"workers" validate:"gte=0"`

	// SchemaVersion pins the expected payload schema. 0 infers per batch.
	SchemaVersion int `koanf:"schema_version" validate:"gte=0"`

	CommitTimeout time.Duration `koanf:"commit_timeout" validate:"gt=0"`

	Retry RetryConfig `koanf:"retry"`

	// BreakerThreshold is the consecutive-failure count that opens the
	// commit circuit breaker; BreakerCooldown is how long it stays open.
	BreakerThreshold int           `koanf:"breaker_threshold" validate:"gte=1"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown" validate:"gt=0"`
}

// RetryConfig bounds retries of transient partition failures.
type RetryConfig struct {
	MaxRetries        int           `koanf:"max_retries" validate:"gte=0"`
	InitialBackoff    time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff        time.Duration `koanf:"max_backoff" validate:"gt=0"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier" validate:"gte=1"`
	JitterFraction    float64       `koanf:"jitter_fraction" validate:"gte=0,lte=1"`
}

// CheckpointConfig controls the local resume store. The warehouse stays
// authoritative; the checkpoint only spares re-reading finished partitions
// after a crash.
type CheckpointConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir"`
}

// MetricsConfig controls Prometheus exposition. Batch jobs have no scrape
// surface, so delivery is a push to a gateway at the end of the run.
type MetricsConfig struct {
	Enabled        bool   `koanf:"enabled"`
	PushgatewayURL string `koanf:"pushgateway_url" validate:"omitempty,url"`
	JobName        string `koanf:"job_name"`
}

// LoggingConfig mirrors the logging package knobs.
type LoggingConfig struct {
	Level     string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format    string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller    bool   `koanf:"caller"`
	Timestamp bool   `koanf:"timestamp"`
}
