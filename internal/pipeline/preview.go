// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/groovelab/playhouse/internal/dedupe"
	"github.com/groovelab/playhouse/internal/lake"
	"github.com/groovelab/playhouse/internal/logging"
	"github.com/groovelab/playhouse/internal/merge"
	"github.com/groovelab/playhouse/internal/models"
	"github.com/groovelab/playhouse/internal/warehouse"
)

// previewPartition runs every stage with the writes captured in memory.
// The report shows what a real run would have done; committed state is
// never touched, bookkeeping and metrics included.
func (p *Pipeline) previewPartition(ctx context.Context, part lake.Partition) models.PartitionReport {
	start := time.Now()
	logger := logging.With().
		Str("stream", part.Stream).
		Str("partition_date", part.Date).
		Bool("dry_run", true).
		Logger()

	run := models.BatchRun{
		RunID:         uuid.New(),
		Stream:        part.Stream,
		PartitionDate: part.Date,
		Attempt:       1,
	}

	batch, err := p.loadBatch(ctx, &run, part)
	if err != nil {
		return previewFailure(&run, batch, start, classify(err), logger)
	}

	existing, err := p.existingKeys(ctx, batch.enriched)
	if err != nil {
		return previewFailure(&run, batch, start, classify(err), logger)
	}
	deduped := dedupe.Dedupe(batch.enriched, existing)

	pv := newPreviewStore(p.store)
	res, err := p.resolver.Resolve(ctx, pv, deduped.Novel)
	if err != nil {
		return previewFailure(&run, batch, start, classify(err), logger)
	}
	merged, err := merge.Merge(ctx, pv, res.Attached, run.RunID)
	if err != nil {
		return previewFailure(&run, batch, start, classify(err), logger)
	}

	run.Status = models.StatusSucceeded
	run.Accepted = len(batch.enriched)
	run.Rejected = len(batch.readRejects) + len(batch.valRejects) + len(res.Rejected) + len(merged.Failed)
	run.Duplicates = len(deduped.Duplicates) + merged.SkippedDuplicate
	run.DimInserts = len(res.Plan.Minted) + len(res.Plan.NewVersions) + len(res.Plan.Dates)
	run.DimUpdates = len(res.Plan.Closed) + len(res.Plan.Amended) + len(res.Plan.Overwrites)
	run.FactsInserted = merged.Inserted
	run.DeadLetters = run.Rejected

	logger.Info().
		Int("facts", run.FactsInserted).
		Int("duplicates", run.Duplicates).
		Int("rejected", run.Rejected).
		Int("dim_inserts", run.DimInserts).
		Msg("Partition previewed")
	return reportFromRun(&run, start)
}

// previewFailure reports what the real run would have done with this
// failure: quarantine for permanent causes, FAILED otherwise. Transient
// causes get no retries in a preview; one look is enough to report them.
func previewFailure(run *models.BatchRun, batch *batchData, start time.Time, cause error, logger zerolog.Logger) models.PartitionReport {
	msg := cause.Error()
	run.Error = &msg
	if IsPermanentError(cause) {
		run.Status = models.StatusDeadLettered
		letters := 1
		if batch != nil && (len(batch.events) > 0 || len(batch.readRejects) > 0) {
			letters = len(batch.events) + len(batch.readRejects)
		}
		run.Rejected = letters
		run.DeadLetters = letters
		logger.Warn().Err(cause).Msg("Partition would quarantine")
	} else {
		run.Status = models.StatusFailed
		logger.Warn().Err(cause).Msg("Partition preview failed")
	}
	return reportFromRun(run, start)
}

// previewStore satisfies the resolver and merge write surfaces with every
// mutation captured in memory. Reads see committed state overlaid with the
// preview's own writes, so facts referencing dimensions minted earlier in
// the same preview verify correctly.
type previewStore struct {
	store *warehouse.Store

	minted map[models.DimensionKind]map[int64]struct{}
	dates  map[int32]struct{}
	played map[uuid.UUID]struct{}
}

func newPreviewStore(store *warehouse.Store) *previewStore {
	return &previewStore{
		store:  store,
		minted: make(map[models.DimensionKind]map[int64]struct{}),
		dates:  make(map[int32]struct{}),
		played: make(map[uuid.UUID]struct{}),
	}
}

func (s *previewStore) DimensionVersions(ctx context.Context, kind models.DimensionKind, businessKeys []string) (map[string][]models.DimensionVersion, error) {
	return s.store.DimensionVersions(ctx, kind, businessKeys)
}

func (s *previewStore) InsertDimensionVersion(_ context.Context, v models.DimensionVersion, _ bool) (bool, error) {
	byKind := s.minted[v.Kind]
	if byKind == nil {
		byKind = make(map[int64]struct{})
		s.minted[v.Kind] = byKind
	}
	byKind[v.SK] = struct{}{}
	return true, nil
}

func (s *previewStore) CloseDimensionVersion(context.Context, models.DimensionKind, int64, time.Time) error {
	return nil
}

func (s *previewStore) AmendDimensionVersion(context.Context, models.DimensionKind, int64, models.AttributeSet) error {
	return nil
}

func (s *previewStore) OverwriteDimensionType1(context.Context, models.DimensionKind, string, models.AttributeSet, []string) error {
	return nil
}

func (s *previewStore) EnsureDateRow(_ context.Context, row models.DateRow) error {
	s.dates[row.DateSK] = struct{}{}
	return nil
}

func (s *previewStore) DimensionSKsExist(ctx context.Context, kind models.DimensionKind, sks []int64) (map[int64]bool, error) {
	out, err := s.store.DimensionSKsExist(ctx, kind, sks)
	if err != nil {
		return nil, err
	}
	for _, sk := range sks {
		if out[sk] {
			continue
		}
		if _, ok := s.minted[kind][sk]; ok {
			out[sk] = true
		}
	}
	return out, nil
}

func (s *previewStore) DateSKsExist(ctx context.Context, sks []int32) (map[int32]bool, error) {
	out, err := s.store.DateSKsExist(ctx, sks)
	if err != nil {
		return nil, err
	}
	for _, sk := range sks {
		if out[sk] {
			continue
		}
		if _, ok := s.dates[sk]; ok {
			out[sk] = true
		}
	}
	return out, nil
}

func (s *previewStore) InsertFact(_ context.Context, row models.FactRow) (bool, error) {
	if _, dup := s.played[row.PlaySK]; dup {
		return false, nil
	}
	s.played[row.PlaySK] = struct{}{}
	return true, nil
}
