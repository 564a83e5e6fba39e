// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/groovelab/playhouse/internal/config"
	"github.com/groovelab/playhouse/internal/dimension"
	"github.com/groovelab/playhouse/internal/lake"
	"github.com/groovelab/playhouse/internal/logging"
	"github.com/groovelab/playhouse/internal/metrics"
	"github.com/groovelab/playhouse/internal/models"
	"github.com/groovelab/playhouse/internal/registry"
	"github.com/groovelab/playhouse/internal/transform"
	"github.com/groovelab/playhouse/internal/validation"
	"github.com/groovelab/playhouse/internal/warehouse"
)

// Mode selects which partitions a run considers.
type Mode string

const (
	// ModeIncremental processes partitions dated after each stream's
	// watermark.
	ModeIncremental Mode = "incremental"

	// ModeBackfill processes an explicit inclusive date range, quarantined
	// partitions included.
	ModeBackfill Mode = "backfill"
)

// Options parameterizes one Run.
type Options struct {
	Mode Mode

	// From and To bound a backfill, inclusive, as YYYY-MM-DD. Empty means
	// open. Ignored in incremental mode.
	From string
	To   string

	// DryRun runs every stage against committed state but writes nothing:
	// no facts, no dimensions, no bookkeeping, no checkpoints.
	DryRun bool

	// Resume keeps the stored checkpoints. When false a real run clears
	// them before selecting partitions.
	Resume bool
}

// Pipeline drives batch runs over the configured lake and warehouse.
type Pipeline struct {
	cfg       *config.Config
	store     *warehouse.Store
	source    *lake.Source
	validator *validation.Validator
	enricher  *transform.Transformer
	resolver  *dimension.Resolver
	tracker   Tracker
	retry     *RetryPolicy
	gate      *commitGate
}

// New assembles a Pipeline. The registry supplies the schema and business
// rules every stage shares; the tracker persists resume hints between runs.
func New(cfg *config.Config, store *warehouse.Store, source *lake.Source, reg *registry.Registry, tracker Tracker) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		source:    source,
		validator: validation.New(reg),
		enricher:  transform.New(reg),
		resolver:  dimension.New(reg),
		tracker:   tracker,
		retry:     NewRetryPolicy(cfg.Pipeline.Retry, 0),
		gate:      newCommitGate(&cfg.Pipeline),
	}
}

// Run executes one batch run and returns its report. Partition-level
// problems land in the report, not the error: a non-nil error means the run
// itself could not be orchestrated (bad options, discovery failure).
func (p *Pipeline) Run(ctx context.Context, opts Options) (*models.RunReport, error) {
	if opts.Mode == "" {
		opts.Mode = ModeIncremental
	}
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	report := &models.RunReport{
		Mode:      string(opts.Mode),
		DryRun:    opts.DryRun,
		StartedAt: time.Now().UTC(),
	}

	if !opts.Resume && !opts.DryRun {
		if err := p.tracker.Clear(ctx); err != nil {
			return nil, fmt.Errorf("failed to clear checkpoints: %w", err)
		}
	}

	work, err := p.selectPartitions(ctx, opts)
	if err != nil {
		return nil, err
	}

	workers := p.cfg.Pipeline.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	total := 0
	for _, w := range work {
		total += len(w.parts)
	}
	logging.Info().
		Str("mode", string(opts.Mode)).
		Bool("dry_run", opts.DryRun).
		Int("streams", len(work)).
		Int("partitions", total).
		Int("workers", workers).
		Msg("Batch run starting")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, w := range work {
		g.Go(func() error {
			p.runStream(gctx, opts, w, report, &mu)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Workers append in completion order; fix the report order so two runs
	// over the same lake produce comparable output.
	sort.Slice(report.Partitions, func(i, j int) bool {
		a, b := report.Partitions[i], report.Partitions[j]
		if a.Stream != b.Stream {
			return a.Stream < b.Stream
		}
		return a.PartitionDate < b.PartitionDate
	})
	report.FinishedAt = time.Now().UTC()

	if !opts.DryRun {
		if _, err := p.store.CleanupRetention(ctx, p.cfg.Warehouse.RetentionAge); err != nil {
			logging.Warn().Err(err).Msg("Retention cleanup failed")
		}
		metrics.Push(&p.cfg.Metrics)
	}

	logging.Info().
		Str("mode", string(opts.Mode)).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("dead_lettered", report.DeadLettered).
		Int("skipped", report.Skipped).
		Int("facts", report.TotalFacts).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Batch run finished")
	return report, nil
}

func validateOptions(opts Options) error {
	switch opts.Mode {
	case ModeIncremental, ModeBackfill:
	default:
		return fmt.Errorf("unknown mode %q", opts.Mode)
	}
	for _, bound := range []string{opts.From, opts.To} {
		if bound == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", bound); err != nil {
			return fmt.Errorf("date bound %q is not YYYY-MM-DD", bound)
		}
	}
	if opts.From != "" && opts.To != "" && opts.From > opts.To {
		return fmt.Errorf("backfill range is empty: from %s is after to %s", opts.From, opts.To)
	}
	return nil
}

// streamWork is one stream's partitions for this run, in ascending date
// order.
type streamWork struct {
	stream string
	parts  []lake.Partition
}

// selectPartitions discovers candidate partitions and applies the mode's
// selection rule. Incremental runs drop everything at or below each
// stream's watermark; backfills take the discovery window as-is.
func (p *Pipeline) selectPartitions(ctx context.Context, opts Options) ([]streamWork, error) {
	var from, to string
	if opts.Mode == ModeBackfill {
		from, to = opts.From, opts.To
	}

	parts, err := p.source.Discover(from, to)
	if err != nil {
		return nil, err
	}

	if opts.Mode == ModeIncremental {
		marks := make(map[string]string)
		kept := parts[:0]
		for _, part := range parts {
			mark, ok := marks[part.Stream]
			if !ok {
				mark, _, err = p.store.Watermark(ctx, part.Stream)
				if err != nil {
					return nil, err
				}
				marks[part.Stream] = mark
			}
			if mark != "" && part.Date <= mark {
				continue
			}
			kept = append(kept, part)
		}
		parts = kept
	}

	// Discover returns stream-then-date order, so grouping preserves the
	// per-stream date ordering the state machine depends on.
	var work []streamWork
	for _, part := range parts {
		if n := len(work); n == 0 || work[n-1].stream != part.Stream {
			work = append(work, streamWork{stream: part.Stream})
		}
		work[len(work)-1].parts = append(work[len(work)-1].parts, part)
	}
	return work, nil
}

// runStream processes one stream's partitions in date order. The stream
// halts at its first FAILED partition so later dates never overtake an
// unfinished earlier one; SUCCEEDED and DEAD_LETTERED do not halt.
func (p *Pipeline) runStream(ctx context.Context, opts Options, work streamWork, report *models.RunReport, mu *sync.Mutex) {
	logger := logging.With().Str("stream", work.stream).Logger()

	if hint, err := p.tracker.Load(ctx, work.stream); err != nil {
		logger.Warn().Err(err).Msg("Failed to load checkpoint")
	} else if hint != nil {
		logger.Info().
			Str("last_date", hint.LastDate).
			Int("partitions", hint.Partitions).
			Msg("Resuming stream after checkpoint")
	}

	var (
		processed int
		facts     int64
	)
	for _, part := range work.parts {
		rep, skipped := p.processPartition(ctx, opts, part)

		mu.Lock()
		if skipped {
			report.AddSkipped(rep)
		} else {
			report.Add(rep)
		}
		mu.Unlock()

		if !skipped && !opts.DryRun {
			processed++
			facts += int64(rep.FactsInserted)
			cp := &Checkpoint{
				Stream:        work.stream,
				LastDate:      part.Date,
				Partitions:    processed,
				FactsInserted: facts,
				UpdatedAt:     time.Now().UTC(),
			}
			if err := p.tracker.Save(ctx, cp); err != nil {
				logger.Warn().Err(err).Msg("Failed to save checkpoint")
			}
		}

		if rep.Status == models.StatusFailed {
			logger.Warn().
				Str("partition_date", part.Date).
				Msg("Stream halted at failed partition")
			return
		}
	}
}
