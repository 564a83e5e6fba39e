// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/groovelab/playhouse/internal/cache"
	"github.com/groovelab/playhouse/internal/dedupe"
	"github.com/groovelab/playhouse/internal/dimension"
	"github.com/groovelab/playhouse/internal/lake"
	"github.com/groovelab/playhouse/internal/logging"
	"github.com/groovelab/playhouse/internal/merge"
	"github.com/groovelab/playhouse/internal/metrics"
	"github.com/groovelab/playhouse/internal/models"
)

// bloomFalsePositiveRate tunes the dedupe prefilter. A false positive only
// costs a second look in the existence query; false negatives cannot
// occur.
const bloomFalsePositiveRate = 0.01

// processPartition drives one partition to a terminal state. The second
// return reports a skip: the partition was already terminal before this
// run, and the returned counters describe that earlier run.
func (p *Pipeline) processPartition(ctx context.Context, opts Options, part lake.Partition) (models.PartitionReport, bool) {
	logger := logging.With().Str("stream", part.Stream).Str("partition_date", part.Date).Logger()
	start := time.Now()

	existing, err := p.store.GetRun(ctx, part.Stream, part.Date)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read partition bookkeeping")
		metrics.RecordPartition(part.Stream, string(models.StatusFailed), time.Since(start))
		return failedReport(part, start, err), false
	}
	if existing != nil {
		switch {
		case existing.Status == models.StatusSucceeded:
			logger.Debug().Msg("Partition already loaded, skipping")
			metrics.RecordPartitionSkipped(part.Stream)
			return reportFromRun(existing, start), true
		case existing.Status == models.StatusDeadLettered && opts.Mode == ModeIncremental:
			// Quarantine is terminal for incremental runs. An explicit
			// backfill over the date is the release valve once the cause is
			// fixed.
			logger.Info().Msg("Quarantined partition held back, run a backfill to release it")
			metrics.RecordPartitionSkipped(part.Stream)
			return reportFromRun(existing, start), true
		}
	}

	if opts.DryRun {
		return p.previewPartition(ctx, part), false
	}

	run, alreadyDone, err := p.store.ClaimRun(ctx, part.Stream, part.Date, p.cfg.Pipeline.SchemaVersion)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to claim partition")
		metrics.RecordPartition(part.Stream, string(models.StatusFailed), time.Since(start))
		return failedReport(part, start, err), false
	}
	if alreadyDone {
		// Another process finished the partition between the status check
		// and the claim.
		metrics.RecordPartitionSkipped(part.Stream)
		return reportFromRun(&run, start), true
	}

	logger.Info().Int("attempt", run.Attempt).Msg("Partition claimed")

	var batch *batchData
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return p.releaseRun(ctx, &run, start, cerr), false
		}

		b, err := p.attemptPartition(ctx, &run, part)
		if b != nil {
			batch = b
		}
		if err == nil {
			// The data commit is durable. Advance the watermark before
			// recording SUCCEEDED: a crash between the two re-claims a
			// partition whose reprocessing is a no-op, never one the
			// watermark already passed.
			if err = p.store.AdvanceWatermark(ctx, part.Stream, part.Date); err == nil {
				run.Status = models.StatusSucceeded
				run.Error = nil
				if err = p.store.FinishRun(ctx, &run); err == nil {
					metrics.SetWatermark(part.Stream, part.Date)
					metrics.RecordPartition(part.Stream, string(models.StatusSucceeded), time.Since(start))
					logger.Info().
						Int("facts", run.FactsInserted).
						Int("duplicates", run.Duplicates).
						Int("rejected", run.Rejected).
						Dur("elapsed", time.Since(start)).
						Msg("Partition loaded")
					return reportFromRun(&run, start), false
				}
			}
		}

		err = classify(err)
		if !p.retry.ShouldRetry(err, attempt-1) {
			return p.quarantine(ctx, &run, part, start, err, batch), false
		}

		backoff := p.retry.CalculateBackoff(attempt - 1)
		logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Partition attempt failed, retrying")
		metrics.RecordCommitRetry(part.Stream)
		if werr := p.retry.Wait(ctx, backoff); werr != nil {
			return p.releaseRun(ctx, &run, start, err), false
		}
	}
}

// batchData carries one attempt's decoded input so a quarantine can write
// the events out without re-reading the lake.
type batchData struct {
	events      []models.RawEvent
	readRejects []models.Rejection
	valRejects  []models.Rejection
	enriched    []models.EnrichedRecord
}

// loadBatch reads, validates and enriches one partition. On a batch-level
// validation error the partially built batch comes back alongside the
// error, keeping the raw events available for dead-lettering.
func (p *Pipeline) loadBatch(ctx context.Context, run *models.BatchRun, part lake.Partition) (*batchData, error) {
	events, readRejects, err := p.source.ReadPartition(ctx, part)
	if err != nil {
		return nil, err
	}
	batch := &batchData{events: events, readRejects: readRejects}
	run.RecordsRead = len(events) + len(readRejects)

	res, err := p.validator.ValidateBatch(events, p.cfg.Pipeline.SchemaVersion, time.Now().UTC())
	if err != nil {
		return batch, err
	}
	run.SchemaVersion = res.SchemaVersion
	batch.valRejects = res.Rejected
	batch.enriched = p.enricher.Enrich(res.Accepted)
	return batch, nil
}

// attemptPartition runs one full processing attempt. Every warehouse write
// of the attempt lands in a single transaction; a non-nil error means the
// transaction rolled back, or its commit never confirmed, and nothing from
// the attempt is visible.
func (p *Pipeline) attemptPartition(ctx context.Context, run *models.BatchRun, part lake.Partition) (*batchData, error) {
	run.RecordsRead, run.Accepted, run.Rejected, run.Duplicates = 0, 0, 0, 0
	run.DimInserts, run.DimUpdates, run.FactsInserted, run.DeadLetters = 0, 0, 0, 0

	batch, err := p.loadBatch(ctx, run, part)
	if err != nil {
		return batch, err
	}

	existing, err := p.existingKeys(ctx, batch.enriched)
	if err != nil {
		return batch, err
	}
	deduped := dedupe.Dedupe(batch.enriched, existing)

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return batch, err
	}
	defer func() { _ = tx.Rollback() }()

	// Terminal writes replace the partition's audit rows, so a re-run never
	// accumulates stale letters or duplicate audit entries.
	if err := tx.PurgeDeadLetters(ctx, part.Stream, part.Date); err != nil {
		return batch, err
	}
	if err := tx.PurgeDedupeLog(ctx, part.Stream, part.Date); err != nil {
		return batch, err
	}

	res, err := p.resolver.Resolve(ctx, tx, deduped.Novel)
	if err != nil {
		return batch, err
	}

	merged, err := merge.Merge(ctx, tx, res.Attached, run.RunID)
	if err != nil {
		return batch, err
	}

	now := time.Now().UTC()
	letters := make([]models.DeadLetter, 0,
		len(batch.readRejects)+len(batch.valRejects)+len(res.Rejected)+len(merged.Failed))
	for _, rej := range batch.readRejects {
		letters = append(letters, deadLetterOf(part, run.RunID, models.StageRead, rej, now))
	}
	for _, rej := range batch.valRejects {
		letters = append(letters, deadLetterOf(part, run.RunID, models.StageValidate, rej, now))
	}
	for _, rej := range res.Rejected {
		letters = append(letters, deadLetterOf(part, run.RunID, models.StageResolve, rej, now))
	}
	for _, rej := range merged.Failed {
		letters = append(letters, deadLetterOf(part, run.RunID, models.StageMerge, rej, now))
	}
	if err := tx.AppendDeadLetters(ctx, letters); err != nil {
		return batch, err
	}
	if err := tx.AppendDedupeLog(ctx, dedupeEntries(part, run.RunID, deduped.Duplicates, now)); err != nil {
		return batch, err
	}

	commitStart := time.Now()
	if err := p.gate.Do(tx.Commit); err != nil {
		return batch, err
	}
	metrics.RecordCommit(time.Since(commitStart))

	run.Accepted = len(batch.enriched)
	run.Rejected = len(letters)
	run.Duplicates = len(deduped.Duplicates) + merged.SkippedDuplicate
	run.DimInserts = len(res.Plan.Minted) + len(res.Plan.NewVersions) + len(res.Plan.Dates)
	run.DimUpdates = len(res.Plan.Closed) + len(res.Plan.Amended) + len(res.Plan.Overwrites)
	run.FactsInserted = merged.Inserted
	run.DeadLetters = len(letters)

	metrics.RecordRecordsRead(part.Stream, run.RecordsRead)
	for _, l := range letters {
		metrics.RecordRejection(part.Stream, string(l.Stage), string(l.Reason), 1)
	}
	intra, inter := 0, merged.SkippedDuplicate
	for _, d := range deduped.Duplicates {
		if d.Kind == models.DuplicateIntraBatch {
			intra++
		} else {
			inter++
		}
	}
	metrics.RecordDuplicates(part.Stream, string(models.DuplicateIntraBatch), intra)
	metrics.RecordDuplicates(part.Stream, string(models.DuplicateInterBatch), inter)
	metrics.RecordFactsInserted(part.Stream, merged.Inserted)
	recordPlanMetrics(&res.Plan)

	return batch, nil
}

// existingKeys returns the play keys of this batch that are already in the
// fact table. The committed keys for the batch's dates warm a Bloom filter
// first, so in the common all-novel case no key reaches the existence
// query; only filter hits are confirmed against the warehouse.
func (p *Pipeline) existingKeys(ctx context.Context, records []models.EnrichedRecord) (dedupe.KeySet, error) {
	if len(records) == 0 {
		return nil, nil
	}

	seenDates := make(map[int32]struct{})
	var dates []int32
	for i := range records {
		sk := models.DateSKOf(records[i].PlayedAt)
		if _, ok := seenDates[sk]; ok {
			continue
		}
		seenDates[sk] = struct{}{}
		dates = append(dates, sk)
	}

	committed, err := p.store.PlayKeysForDates(ctx, dates)
	if err != nil {
		return nil, err
	}
	if len(committed) == 0 {
		return nil, nil
	}

	filter := cache.NewKeyFilter(len(committed), bloomFalsePositiveRate)
	filter.AddAll(committed)

	seenKeys := make(map[string]struct{}, len(records))
	var maybes []string
	for i := range records {
		key := records[i].PlayKey
		if _, dup := seenKeys[key]; dup {
			continue
		}
		seenKeys[key] = struct{}{}
		hit := filter.Test(key)
		metrics.RecordPrefilterProbe(hit)
		if hit {
			maybes = append(maybes, key)
		}
	}
	if len(maybes) == 0 {
		return nil, nil
	}

	existing, err := p.store.ExistingPlayKeys(ctx, maybes)
	if err != nil {
		return nil, err
	}
	return dedupe.MapKeySet(existing), nil
}

// quarantine moves a partition to DEAD_LETTERED, writing every event to
// the dead-letter sink so nothing is silently dropped. The write bypasses
// the circuit breaker: quarantine is the escape path that must stay open
// when commits are suspended.
func (p *Pipeline) quarantine(ctx context.Context, run *models.BatchRun, part lake.Partition, start time.Time, cause error, batch *batchData) models.PartitionReport {
	reason, stage := quarantineClass(cause)
	logger := logging.With().Str("stream", part.Stream).Str("partition_date", part.Date).Logger()
	logger.Warn().Err(cause).Str("reason", string(reason)).Msg("Quarantining partition")

	now := time.Now().UTC()
	var letters []models.DeadLetter
	if batch != nil && (len(batch.events) > 0 || len(batch.readRejects) > 0) {
		letters = make([]models.DeadLetter, 0, len(batch.events)+len(batch.readRejects))
		detail := cause.Error()
		for i := range batch.events {
			letters = append(letters, deadLetterOf(part, run.RunID, stage, models.Rejection{
				Event:  batch.events[i],
				Reason: reason,
				Detail: detail,
			}, now))
		}
		// Undecodable elements keep their own reason and raw payload.
		for _, rej := range batch.readRejects {
			letters = append(letters, deadLetterOf(part, run.RunID, models.StageRead, rej, now))
		}
	} else {
		// The input itself was unreadable; a single partition-level letter
		// keeps the quarantine visible.
		letters = []models.DeadLetter{{
			ID:            uuid.New(),
			BatchID:       run.RunID,
			Stream:        part.Stream,
			PartitionDate: part.Date,
			Stage:         stage,
			Reason:        reason,
			Detail:        cause.Error(),
			CreatedAt:     now,
		}}
	}

	if err := p.writeQuarantine(ctx, part, letters); err != nil {
		logger.Error().Err(err).Msg("Failed to write quarantine letters")
		return p.releaseRun(ctx, run, start, fmt.Errorf("%v (quarantine write failed: %w)", cause, err))
	}

	msg := cause.Error()
	run.Status = models.StatusDeadLettered
	run.Error = &msg
	run.Accepted = 0
	run.Rejected = len(letters)
	run.Duplicates = 0
	run.DimInserts, run.DimUpdates, run.FactsInserted = 0, 0, 0
	run.DeadLetters = len(letters)
	if err := p.store.FinishRun(ctx, run); err != nil {
		// The letters are durable but the run row still says RUNNING;
		// report FAILED so the next run finishes the job.
		logger.Error().Err(err).Msg("Failed to record quarantine")
		run.Status = models.StatusFailed
		return reportFromRun(run, start)
	}

	metrics.RecordPartition(part.Stream, string(models.StatusDeadLettered), time.Since(start))
	for _, l := range letters {
		metrics.RecordRejection(part.Stream, string(l.Stage), string(l.Reason), 1)
	}
	return reportFromRun(run, start)
}

// writeQuarantine writes the partition's dead letters in their own
// transaction, replacing whatever audit rows earlier runs left.
func (p *Pipeline) writeQuarantine(ctx context.Context, part lake.Partition, letters []models.DeadLetter) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.PurgeDeadLetters(ctx, part.Stream, part.Date); err != nil {
		return err
	}
	if err := tx.PurgeDedupeLog(ctx, part.Stream, part.Date); err != nil {
		return err
	}
	if err := tx.AppendDeadLetters(ctx, letters); err != nil {
		return err
	}
	return runWithTimeout(tx.Commit, p.cfg.Pipeline.CommitTimeout)
}

// releaseRun marks the run FAILED so a later run claims the partition
// again. Used when this run cannot bring the partition to any terminal
// state, cancellation included.
func (p *Pipeline) releaseRun(ctx context.Context, run *models.BatchRun, start time.Time, cause error) models.PartitionReport {
	msg := cause.Error()
	run.Status = models.StatusFailed
	run.Error = &msg

	// The run context may already be canceled; the release must still be
	// attempted or the partition stays RUNNING until an operator notices.
	finishCtx := ctx
	if finishCtx.Err() != nil {
		finishCtx = context.Background()
	}
	if err := p.store.FinishRun(finishCtx, run); err != nil {
		logging.Error().Err(err).
			Str("stream", run.Stream).
			Str("partition_date", run.PartitionDate).
			Msg("Failed to record partition failure")
	}
	metrics.RecordPartition(run.Stream, string(models.StatusFailed), time.Since(start))
	return reportFromRun(run, start)
}

// quarantineClass maps a classified failure to the reason and stage its
// dead letters carry.
func quarantineClass(err error) (models.ReasonCode, models.Stage) {
	var perm *PermanentError
	if errors.As(err, &perm) {
		switch perm.Category {
		case CategorySchemaDrift:
			return models.ReasonSchemaDrift, models.StageValidate
		case CategoryUnknownSchema:
			return models.ReasonUnknownSchema, models.StageValidate
		case CategoryMalformedInput:
			return models.ReasonMalformedPayload, models.StageRead
		}
	}
	return models.ReasonExhaustedRetries, models.StageCommit
}

// deadLetterOf builds the persisted form of one rejection. The payload is
// the original bytes when decoding failed, else the landed event re-encoded.
func deadLetterOf(part lake.Partition, batchID uuid.UUID, stage models.Stage, rej models.Rejection, now time.Time) models.DeadLetter {
	payload := rej.Raw
	if payload == nil {
		if data, err := json.Marshal(rej.Event); err == nil {
			payload = data
		}
	}
	return models.DeadLetter{
		ID:            uuid.New(),
		BatchID:       batchID,
		Stream:        part.Stream,
		PartitionDate: part.Date,
		Stage:         stage,
		Reason:        rej.Reason,
		Detail:        rej.Detail,
		Payload:       payload,
		CreatedAt:     now,
	}
}

func dedupeEntries(part lake.Partition, batchID uuid.UUID, dups []models.Duplicate, now time.Time) []models.DedupeEntry {
	entries := make([]models.DedupeEntry, 0, len(dups))
	for _, d := range dups {
		entries = append(entries, models.DedupeEntry{
			ID:            uuid.New(),
			BatchID:       batchID,
			Stream:        part.Stream,
			PartitionDate: part.Date,
			PlayKey:       d.PlayKey,
			Kind:          d.Kind,
			CreatedAt:     now,
		})
	}
	return entries
}

func recordPlanMetrics(plan *dimension.Plan) {
	counts := make(map[[2]string]int)
	for _, v := range plan.Minted {
		counts[[2]string{string(v.Kind), "mint"}]++
	}
	for _, v := range plan.NewVersions {
		counts[[2]string{string(v.Kind), "new_version"}]++
	}
	for _, c := range plan.Closed {
		counts[[2]string{string(c.Kind), "close"}]++
	}
	for _, v := range plan.Amended {
		counts[[2]string{string(v.Kind), "amend"}]++
	}
	for _, o := range plan.Overwrites {
		counts[[2]string{string(o.Kind), "overwrite"}]++
	}
	if n := len(plan.Dates); n > 0 {
		counts[[2]string{"date", "mint"}] = n
	}
	for k, n := range counts {
		metrics.RecordDimensionMutation(k[0], k[1], n)
	}
}

// reportFromRun flattens a bookkeeping row into a report entry.
func reportFromRun(run *models.BatchRun, start time.Time) models.PartitionReport {
	rep := models.PartitionReport{
		Stream:        run.Stream,
		PartitionDate: run.PartitionDate,
		Status:        run.Status,
		Attempts:      run.Attempt,
		RecordsRead:   run.RecordsRead,
		Accepted:      run.Accepted,
		Rejected:      run.Rejected,
		Duplicates:    run.Duplicates,
		DimInserts:    run.DimInserts,
		DimUpdates:    run.DimUpdates,
		FactsInserted: run.FactsInserted,
		DeadLetters:   run.DeadLetters,
		Duration:      time.Since(start),
	}
	if run.Error != nil {
		rep.Error = *run.Error
	}
	return rep
}

// failedReport covers failures before any run row exists.
func failedReport(part lake.Partition, start time.Time, err error) models.PartitionReport {
	return models.PartitionReport{
		Stream:        part.Stream,
		PartitionDate: part.Date,
		Status:        models.StatusFailed,
		Duration:      time.Since(start),
		Error:         err.Error(),
	}
}
