// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

// Package main is the entry point for the playhouse batch loader.
//
// Playhouse reads landed play-event files from a hive-partitioned lake,
// validates and enriches them, and merges the result into an embedded
// DuckDB star schema: one streaming fact table surrounded by versioned
// track, artist and album dimensions plus a calendar dimension.
//
// # Run Lifecycle
//
// Each invocation is one batch run:
//
//  1. Configuration: defaults, optional YAML file, PLAYHOUSE_* variables (Koanf v2)
//  2. Registry: schema versions, business rules, SCD policies
//  3. Warehouse: open DuckDB and ensure the star schema
//  4. Discovery: list lake partitions and select by mode and watermark
//  5. Load: per partition, read -> validate -> enrich -> dedupe -> resolve
//     dimensions -> merge facts, all warehouse writes in one transaction
//  6. Report: print the machine-readable run summary to stdout
//
// # Modes
//
// An incremental run (the default) processes every partition above each
// stream's watermark. A backfill reprocesses an explicit date range,
// including quarantined partitions; already-loaded partitions are skipped,
// not rewritten. -dry-run previews any run without writing.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (PLAYHOUSE_LAKE__ROOT, PLAYHOUSE_WAREHOUSE__PATH, ...)
//   - Config file (-config flag, PLAYHOUSE_CONFIG, or playhouse.yaml)
//   - Built-in defaults
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the run. In-flight partitions release their
// claims so the next run can pick them up; completed partitions stay
// committed. The report printed on a canceled run covers the partitions
// that reached a terminal state.
//
// # Exit Codes
//
//	0  every selected partition loaded or was already loaded
//	1  at least one partition failed or was quarantined
//	2  the run could not start or could not be orchestrated
//
// # Example Usage
//
// Nightly incremental load:
//
//	export PLAYHOUSE_LAKE__ROOT=/data/lake
//	export PLAYHOUSE_WAREHOUSE__PATH=/data/playhouse.duckdb
//	./playhouse
//
// Backfill one week after a connector fix:
//
//	./playhouse -mode backfill -from 2026-03-01 -to 2026-03-07
//
// Preview what a run would do:
//
//	./playhouse -dry-run
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/groovelab/playhouse/internal/config"
	"github.com/groovelab/playhouse/internal/lake"
	"github.com/groovelab/playhouse/internal/logging"
	"github.com/groovelab/playhouse/internal/pipeline"
	"github.com/groovelab/playhouse/internal/registry"
	"github.com/groovelab/playhouse/internal/warehouse"
)

const (
	exitClean = 0
	exitDirty = 1
	exitFatal = 2
)

func main() {
	os.Exit(run())
}

// run carries the whole lifecycle so deferred cleanup executes before the
// process exits.
func run() int {
	var (
		configPath = flag.String("config", "", "path to a YAML config file (overrides the default search)")
		mode       = flag.String("mode", "incremental", "run mode: incremental or backfill")
		from       = flag.String("from", "", "first partition date for a backfill (YYYY-MM-DD, inclusive)")
		to         = flag.String("to", "", "last partition date for a backfill (YYYY-MM-DD, inclusive)")
		dryRun     = flag.Bool("dry-run", false, "preview the run without writing to the warehouse")
		noResume   = flag.Bool("no-resume", false, "discard checkpoints and re-scan every stream from the start")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The default logger carries config errors; Init needs the config.
		logging.Error().Err(err).Msg("Failed to load configuration")
		return exitFatal
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: cfg.Logging.Timestamp,
	})

	logging.Info().
		Str("mode", *mode).
		Bool("dry_run", *dryRun).
		Str("lake_root", cfg.Lake.Root).
		Str("warehouse", cfg.Warehouse.Path).
		Msg("Playhouse starting")

	reg, err := registry.New(cfg.RegistryParams())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to build rules registry")
		return exitFatal
	}

	// A dry run against an existing warehouse opens it read-only, so no
	// code path can write. A fresh path stays read-write for schema setup;
	// the preview itself never writes.
	if *dryRun {
		if _, err := os.Stat(cfg.Warehouse.Path); err == nil {
			cfg.Warehouse.ReadOnly = true
		}
	}

	store, err := warehouse.New(&cfg.Warehouse)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to open warehouse")
		return exitFatal
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing warehouse")
		}
	}()

	tracker, err := newTracker(cfg, *dryRun)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to open checkpoint store")
		return exitFatal
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing checkpoint store")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(cfg, store, lake.NewSource(&cfg.Lake), reg, tracker)
	report, err := p.Run(ctx, pipeline.Options{
		Mode:   pipeline.Mode(*mode),
		From:   *from,
		To:     *to,
		DryRun: *dryRun,
		Resume: !*noResume,
	})
	if err != nil {
		logging.Error().Err(err).Msg("Run could not be orchestrated")
		return exitFatal
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logging.Error().Err(err).Msg("Failed to render run report")
		return exitFatal
	}
	fmt.Println(string(out))

	if !report.Clean() {
		logging.Warn().
			Int("failed", report.Failed).
			Int("dead_lettered", report.DeadLettered).
			Msg("Run finished with unhealthy partitions")
		return exitDirty
	}
	return exitClean
}

// newTracker picks the checkpoint store. Dry runs always use the in-memory
// tracker: leaving resume state behind would misdirect the next real run.
func newTracker(cfg *config.Config, dryRun bool) (pipeline.Tracker, error) {
	if cfg.Checkpoint.Enabled && !dryRun {
		return pipeline.NewBadgerTracker(cfg.Checkpoint.Dir)
	}
	return pipeline.NewMemoryTracker(), nil
}
