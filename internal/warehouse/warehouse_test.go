// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package warehouse

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/groovelab/playhouse/internal/config"
	"github.com/groovelab/playhouse/internal/models"
)

// testDBSemaphore limits concurrent DuckDB instance creation. Each
// instance claims threads and memory; serializing creation keeps the
// test suite stable under -parallel.
var testDBSemaphore = make(chan struct{}, 1)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	testDBSemaphore <- struct{}{}
	t.Cleanup(func() { <-testDBSemaphore })

	cfg := &config.WarehouseConfig{
		Path:      ":memory:",
		MaxMemory: "500MB",
		Threads:   2,
	}

	var (
		store *Store
		err   error
	)
	done := make(chan struct{})
	go func() {
		store, err = New(cfg)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("warehouse creation timed out")
	}
	if err != nil {
		t.Fatalf("failed to open warehouse: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Logf("failed to close warehouse: %v", err)
		}
	})
	return store
}

func f64(v float64) *float64 { return &v }
func str(v string) *string   { return &v }

func trackVersion(sk int64, key, name string, from time.Time) models.DimensionVersion {
	return models.DimensionVersion{
		Kind:        models.DimTrack,
		SK:          sk,
		BusinessKey: key,
		Attrs: models.AttributeSet{
			Name:  name,
			Tempo: f64(128),
		},
		EffectiveFrom: from,
		IsCurrent:     true,
	}
}

func testFactRow(playKey string, playedAt time.Time) models.FactRow {
	return models.FactRow{
		PlaySK:        uuid.New(),
		PlayKey:       playKey,
		TrackSK:       1001,
		ArtistSK:      2001,
		AlbumSK:       3001,
		DateSK:        models.DateSKOf(playedAt),
		UserProxy:     "proxy-a",
		PlayedAtUTC:   playedAt,
		MsPlayed:      183000,
		DeviceType:    str("mobile"),
		Mood:          "energetic",
		SessionID:     "session-1",
		NormTempo:     f64(0.49),
		SchemaVersion: 2,
		BatchID:       uuid.New(),
		CreatedAt:     time.Now().UTC(),
	}
}

func TestNewPersistsSchemaToDisk(t *testing.T) {
	testDBSemaphore <- struct{}{}
	t.Cleanup(func() { <-testDBSemaphore })

	path := filepath.Join(t.TempDir(), "wh", "playhouse.duckdb")
	ctx := context.Background()

	store, err := New(&config.WarehouseConfig{Path: path, MaxMemory: "500MB", Threads: 2})
	if err != nil {
		t.Fatalf("failed to open warehouse: %v", err)
	}
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	if err := tx.EnsureDateRow(ctx, models.NewDateRow(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))); err != nil {
		t.Fatalf("failed to ensure date row: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	reopened, err := New(&config.WarehouseConfig{Path: path, MaxMemory: "500MB", Threads: 2, ReadOnly: true})
	if err != nil {
		t.Fatalf("failed to reopen read-only: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	n, err := reopened.FactCount(ctx)
	if err != nil {
		t.Fatalf("failed to count facts: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty fact table, got %d rows", n)
	}
	if _, err := reopened.Begin(ctx); err == nil {
		t.Error("expected Begin to fail on a read-only store")
	}
}

func TestDimensionVersionLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(48 * time.Hour)

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	v1 := trackVersion(1001, "t1", "Neon Skyline", t0)
	ok, err := tx.InsertDimensionVersion(ctx, v1, true)
	if err != nil {
		t.Fatalf("failed to insert first version: %v", err)
	}
	if !ok {
		t.Fatal("expected first version insert to win")
	}

	// A competing first-version insert for the same key must lose.
	loser := trackVersion(9999, "t1", "Neon Skyline", t0.Add(time.Hour))
	ok, err = tx.InsertDimensionVersion(ctx, loser, true)
	if err != nil {
		t.Fatalf("conditional insert errored: %v", err)
	}
	if ok {
		t.Fatal("expected competing first-version insert to lose")
	}

	if err := tx.CloseDimensionVersion(ctx, models.DimTrack, 1001, t1); err != nil {
		t.Fatalf("failed to close version: %v", err)
	}
	v2 := trackVersion(1002, "t1", "Neon Skyline (Remaster)", t1)
	v2.Attrs.ISRC = str("USUM72014001")
	ok, err = tx.InsertDimensionVersion(ctx, v2, false)
	if err != nil {
		t.Fatalf("failed to insert second version: %v", err)
	}
	if !ok {
		t.Fatal("expected second version insert to win")
	}

	// Same (business key, effective_from) again: refused, not an error.
	dup := trackVersion(1003, "t1", "Different Name", t1)
	ok, err = tx.InsertDimensionVersion(ctx, dup, false)
	if err != nil {
		t.Fatalf("duplicate version insert errored: %v", err)
	}
	if ok {
		t.Fatal("expected duplicate (key, effective_from) insert to lose")
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	versions, err := store.DimensionVersions(ctx, models.DimTrack, []string{"t1", "missing"})
	if err != nil {
		t.Fatalf("failed to read versions: %v", err)
	}
	hist := versions["t1"]
	if len(hist) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(hist))
	}
	if _, ok := versions["missing"]; ok {
		t.Error("expected no entry for an unknown business key")
	}

	first, second := hist[0], hist[1]
	if first.SK != 1001 || second.SK != 1002 {
		t.Errorf("expected versions ordered by effective_from, got SKs %d, %d", first.SK, second.SK)
	}
	if first.IsCurrent {
		t.Error("expected closed version to drop is_current")
	}
	if first.EffectiveTo == nil || !first.EffectiveTo.Equal(t1) {
		t.Errorf("expected closed version to end at %v, got %v", t1, first.EffectiveTo)
	}
	if !second.IsCurrent || second.EffectiveTo != nil {
		t.Error("expected the newest version to be current and open")
	}
	if first.Attrs.ISRC != nil {
		t.Errorf("expected NULL isrc to scan as nil, got %v", *first.Attrs.ISRC)
	}
	if second.Attrs.ISRC == nil || *second.Attrs.ISRC != "USUM72014001" {
		t.Error("expected isrc to round-trip on the second version")
	}
	if second.Attrs.Tempo == nil || *second.Attrs.Tempo != 128 {
		t.Error("expected tempo to round-trip")
	}
}

func TestAmendDimensionVersionRewritesAttributes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	v := trackVersion(1001, "t1", "Before", t0)
	if _, err := tx.InsertDimensionVersion(ctx, v, true); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}

	amended := v.Attrs
	amended.Name = "After"
	amended.Tempo = f64(99)
	if err := tx.AmendDimensionVersion(ctx, models.DimTrack, 1001, amended); err != nil {
		t.Fatalf("failed to amend: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	versions, err := store.DimensionVersions(ctx, models.DimTrack, []string{"t1"})
	if err != nil {
		t.Fatalf("failed to read versions: %v", err)
	}
	got := versions["t1"]
	if len(got) != 1 {
		t.Fatalf("expected amend to leave a single version, got %d", len(got))
	}
	if got[0].Attrs.Name != "After" || got[0].Attrs.Tempo == nil || *got[0].Attrs.Tempo != 99 {
		t.Errorf("expected amended attributes, got %+v", got[0].Attrs)
	}
	if !got[0].EffectiveFrom.Equal(t0) {
		t.Error("expected amend to leave the validity interval alone")
	}
}

func TestType1OverwriteTouchesEveryVersion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	v1 := trackVersion(1001, "t1", "Misspelled Titel", t0)
	v1.Attrs.Tempo = f64(100)
	v2 := trackVersion(1002, "t1", "Misspelled Titel", t1)
	v2.Attrs.Tempo = f64(140)
	if _, err := tx.InsertDimensionVersion(ctx, v1, true); err != nil {
		t.Fatalf("failed to insert v1: %v", err)
	}
	if err := tx.CloseDimensionVersion(ctx, models.DimTrack, 1001, t1); err != nil {
		t.Fatalf("failed to close v1: %v", err)
	}
	if _, err := tx.InsertDimensionVersion(ctx, v2, false); err != nil {
		t.Fatalf("failed to insert v2: %v", err)
	}

	fixed := models.AttributeSet{Name: "Corrected Title"}
	if err := tx.OverwriteDimensionType1(ctx, models.DimTrack, "t1", fixed, []string{"name"}); err != nil {
		t.Fatalf("failed to overwrite: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	versions, err := store.DimensionVersions(ctx, models.DimTrack, []string{"t1"})
	if err != nil {
		t.Fatalf("failed to read versions: %v", err)
	}
	for _, v := range versions["t1"] {
		if v.Attrs.Name != "Corrected Title" {
			t.Errorf("version %d kept stale name %q", v.SK, v.Attrs.Name)
		}
	}
	// The overwrite names only the drifted column; history keeps its tempo.
	if got := versions["t1"][0].Attrs.Tempo; got == nil || *got != 100 {
		t.Error("expected untouched columns to survive a type-1 overwrite")
	}
}

func TestEnsureDateRowIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	row := models.NewDateRow(time.Date(2026, 3, 7, 23, 30, 0, 0, time.UTC))

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.EnsureDateRow(ctx, row); err != nil {
		t.Fatalf("failed to ensure date row: %v", err)
	}
	if err := tx.EnsureDateRow(ctx, row); err != nil {
		t.Fatalf("second ensure errored: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	var n int
	err = store.Conn().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM dim_date WHERE date_sk = ?", row.DateSK).Scan(&n)
	if err != nil {
		t.Fatalf("failed to count date rows: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 date row, got %d", n)
	}

	var weekend bool
	err = store.Conn().QueryRowContext(ctx,
		"SELECT is_weekend FROM dim_date WHERE date_sk = ?", row.DateSK).Scan(&weekend)
	if err != nil {
		t.Fatalf("failed to read date row: %v", err)
	}
	if !weekend {
		t.Error("expected 2026-03-07 (Saturday) to be flagged weekend")
	}
}

func TestInsertFactRefusesDuplicatePlayKey(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	playedAt := time.Date(2026, 3, 1, 18, 4, 0, 0, time.UTC)

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := testFactRow("key-1", playedAt)
	ok, err := tx.InsertFact(ctx, row)
	if err != nil {
		t.Fatalf("failed to insert fact: %v", err)
	}
	if !ok {
		t.Fatal("expected first fact insert to land")
	}

	// Same play key under a fresh surrogate: the grain refuses it.
	again := testFactRow("key-1", playedAt)
	ok, err = tx.InsertFact(ctx, again)
	if err != nil {
		t.Fatalf("duplicate fact insert errored: %v", err)
	}
	if ok {
		t.Fatal("expected duplicate play key to be refused")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	n, err := store.FactCount(ctx)
	if err != nil {
		t.Fatalf("failed to count facts: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 fact row, got %d", n)
	}
}

func TestExistingPlayKeysReturnsOnlyPresent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	playedAt := time.Date(2026, 3, 1, 18, 4, 0, 0, time.UTC)

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, key := range []string{"key-1", "key-2"} {
		if _, err := tx.InsertFact(ctx, testFactRow(key, playedAt)); err != nil {
			t.Fatalf("failed to insert fact %s: %v", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	present, err := store.ExistingPlayKeys(ctx, []string{"key-1", "key-2", "key-3"})
	if err != nil {
		t.Fatalf("failed to probe play keys: %v", err)
	}
	if len(present) != 2 {
		t.Fatalf("expected 2 present keys, got %d", len(present))
	}
	if _, ok := present["key-3"]; ok {
		t.Error("expected key-3 to be absent")
	}

	keys, err := store.PlayKeysForDates(ctx, []int32{models.DateSKOf(playedAt)})
	if err != nil {
		t.Fatalf("failed to list keys by date: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 keys for the partition date, got %d", len(keys))
	}
}

func TestDimensionAndDateProbes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.InsertDimensionVersion(ctx, trackVersion(1001, "t1", "Known", t0), true); err != nil {
		t.Fatalf("failed to insert version: %v", err)
	}
	if err := tx.EnsureDateRow(ctx, models.NewDateRow(t0)); err != nil {
		t.Fatalf("failed to ensure date row: %v", err)
	}

	dims, err := tx.DimensionSKsExist(ctx, models.DimTrack, []int64{1001, 4040})
	if err != nil {
		t.Fatalf("failed to probe dimension keys: %v", err)
	}
	if !dims[1001] || dims[4040] {
		t.Errorf("unexpected dimension probe result: %v", dims)
	}

	dates, err := tx.DateSKsExist(ctx, []int32{20260301, 19700101})
	if err != nil {
		t.Fatalf("failed to probe date keys: %v", err)
	}
	if !dates[20260301] || dates[19700101] {
		t.Errorf("unexpected date probe result: %v", dates)
	}
}

func TestClaimRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run, skip, err := store.ClaimRun(ctx, "spotify", "2026-03-01", 2)
	if err != nil {
		t.Fatalf("failed to claim run: %v", err)
	}
	if skip {
		t.Fatal("expected a fresh partition to be claimable")
	}
	if run.Status != models.StatusRunning || run.Attempt != 1 {
		t.Errorf("expected RUNNING attempt 1, got %s attempt %d", run.Status, run.Attempt)
	}
	if run.RunID == uuid.Nil {
		t.Error("expected a run id")
	}

	run.Status = models.StatusSucceeded
	run.RecordsRead = 120
	run.Accepted = 110
	run.Rejected = 6
	run.Duplicates = 4
	run.FactsInserted = 110
	if err := store.FinishRun(ctx, &run); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	again, skip, err := store.ClaimRun(ctx, "spotify", "2026-03-01", 2)
	if err != nil {
		t.Fatalf("failed to re-claim: %v", err)
	}
	if !skip {
		t.Fatal("expected a SUCCEEDED partition to be skipped")
	}
	if again.FactsInserted != 110 || again.Attempt != 1 {
		t.Errorf("expected the stored outcome back, got %+v", again)
	}
	if again.FinishedAt == nil {
		t.Error("expected finished_at to round-trip")
	}
}

func TestClaimRunBumpsAttemptAfterFailure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run, _, err := store.ClaimRun(ctx, "spotify", "2026-03-02", 2)
	if err != nil {
		t.Fatalf("failed to claim run: %v", err)
	}
	msg := "partition exploded"
	run.Status = models.StatusFailed
	run.Error = &msg
	if err := store.FinishRun(ctx, &run); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	retry, skip, err := store.ClaimRun(ctx, "spotify", "2026-03-02", 2)
	if err != nil {
		t.Fatalf("failed to re-claim: %v", err)
	}
	if skip {
		t.Fatal("expected a FAILED partition to be claimable")
	}
	if retry.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", retry.Attempt)
	}
	if retry.Status != models.StatusRunning {
		t.Errorf("expected RUNNING, got %s", retry.Status)
	}
	if retry.Error != nil {
		t.Errorf("expected the error to be cleared, got %q", *retry.Error)
	}
	if retry.RunID != run.RunID {
		t.Error("expected the run id to be stable across attempts")
	}
}

func TestWatermarkNeverRegresses(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.Watermark(ctx, "spotify"); err != nil || ok {
		t.Fatalf("expected no watermark for a fresh stream, got ok=%v err=%v", ok, err)
	}

	if err := store.AdvanceWatermark(ctx, "spotify", "2026-03-02"); err != nil {
		t.Fatalf("failed to advance watermark: %v", err)
	}
	// A backfill of an older partition must not pull the watermark back.
	if err := store.AdvanceWatermark(ctx, "spotify", "2026-02-15"); err != nil {
		t.Fatalf("failed to advance watermark: %v", err)
	}
	wm, ok, err := store.Watermark(ctx, "spotify")
	if err != nil || !ok {
		t.Fatalf("failed to read watermark: ok=%v err=%v", ok, err)
	}
	if wm != "2026-03-02" {
		t.Errorf("expected watermark 2026-03-02, got %s", wm)
	}

	if err := store.AdvanceWatermark(ctx, "spotify", "2026-03-05"); err != nil {
		t.Fatalf("failed to advance watermark: %v", err)
	}
	wm, _, err = store.Watermark(ctx, "spotify")
	if err != nil {
		t.Fatalf("failed to read watermark: %v", err)
	}
	if wm != "2026-03-05" {
		t.Errorf("expected watermark 2026-03-05, got %s", wm)
	}
}

func TestDeadLetterAndDedupeAudit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	batchID := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	letters := []models.DeadLetter{
		{
			ID: uuid.New(), BatchID: batchID, Stream: "spotify", PartitionDate: "2026-03-01",
			Stage: models.StageValidate, Reason: models.ReasonNegativePlayTime,
			Detail: "ms_played is -20", Payload: []byte(`{"track_id":"t1"}`), CreatedAt: now,
		},
		{
			ID: uuid.New(), BatchID: batchID, Stream: "spotify", PartitionDate: "2026-03-01",
			Stage: models.StageResolve, Reason: models.ReasonStaleDimension,
			Detail: "name conflicts with history", Payload: []byte(`{"track_id":"t2"}`), CreatedAt: now.Add(time.Second),
		},
	}
	if err := tx.AppendDeadLetters(ctx, letters); err != nil {
		t.Fatalf("failed to append dead letters: %v", err)
	}
	entries := []models.DedupeEntry{
		{ID: uuid.New(), BatchID: batchID, Stream: "spotify", PartitionDate: "2026-03-01",
			PlayKey: "key-1", Kind: models.DuplicateIntraBatch, CreatedAt: now},
	}
	if err := tx.AppendDedupeLog(ctx, entries); err != nil {
		t.Fatalf("failed to append dedupe log: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	gotLetters, err := store.DeadLetters(ctx, "spotify", "2026-03-01")
	if err != nil {
		t.Fatalf("failed to list dead letters: %v", err)
	}
	if len(gotLetters) != 2 {
		t.Fatalf("expected 2 dead letters, got %d", len(gotLetters))
	}
	first := gotLetters[0]
	if first.Reason != models.ReasonNegativePlayTime || first.Stage != models.StageValidate {
		t.Errorf("unexpected first dead letter: %+v", first)
	}
	if string(first.Payload) != `{"track_id":"t1"}` {
		t.Errorf("expected payload to round-trip, got %s", first.Payload)
	}
	if first.BatchID != batchID {
		t.Error("expected batch id to round-trip")
	}

	gotEntries, err := store.DedupeLogEntries(ctx, "spotify", "2026-03-01")
	if err != nil {
		t.Fatalf("failed to list dedupe entries: %v", err)
	}
	if len(gotEntries) != 1 || gotEntries[0].Kind != models.DuplicateIntraBatch || gotEntries[0].PlayKey != "key-1" {
		t.Errorf("unexpected dedupe entries: %+v", gotEntries)
	}
}

func TestRollbackLeavesNoRows(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	if _, err := tx.InsertDimensionVersion(ctx, trackVersion(1001, "t1", "Ghost", t0), true); err != nil {
		t.Fatalf("failed to insert version: %v", err)
	}
	if _, err := tx.InsertFact(ctx, testFactRow("key-1", t0)); err != nil {
		t.Fatalf("failed to insert fact: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}

	versions, err := store.DimensionVersions(ctx, models.DimTrack, []string{"t1"})
	if err != nil {
		t.Fatalf("failed to read versions: %v", err)
	}
	if len(versions["t1"]) != 0 {
		t.Error("expected rollback to discard the dimension version")
	}
	n, err := store.FactCount(ctx)
	if err != nil {
		t.Fatalf("failed to count facts: %v", err)
	}
	if n != 0 {
		t.Errorf("expected rollback to discard the fact, got %d rows", n)
	}
}

func TestRollbackAfterCommitIsHarmless(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	if err := tx.EnsureDateRow(ctx, models.NewDateRow(time.Now().UTC())); err != nil {
		t.Fatalf("failed to ensure date row: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Errorf("expected rollback after commit to be a no-op, got %v", err)
	}
}

func TestCleanupRetentionDropsOldAuditRows(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	batchID := uuid.New()
	now := time.Now().UTC()

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	old := models.DeadLetter{
		ID: uuid.New(), BatchID: batchID, Stream: "spotify", PartitionDate: "2026-01-01",
		Stage: models.StageValidate, Reason: models.ReasonMissingField,
		Detail: "old", Payload: []byte(`{}`), CreatedAt: now.Add(-48 * time.Hour),
	}
	fresh := old
	fresh.ID = uuid.New()
	fresh.Detail = "fresh"
	fresh.CreatedAt = now
	if err := tx.AppendDeadLetters(ctx, []models.DeadLetter{old, fresh}); err != nil {
		t.Fatalf("failed to append dead letters: %v", err)
	}
	if err := tx.AppendDedupeLog(ctx, []models.DedupeEntry{
		{ID: uuid.New(), BatchID: batchID, Stream: "spotify", PartitionDate: "2026-01-01",
			PlayKey: "key-1", Kind: models.DuplicateInterBatch, CreatedAt: now.Add(-48 * time.Hour)},
	}); err != nil {
		t.Fatalf("failed to append dedupe log: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	removed, err := store.CleanupRetention(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("failed to clean up: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 rows removed, got %d", removed)
	}

	letters, err := store.DeadLetters(ctx, "spotify", "2026-01-01")
	if err != nil {
		t.Fatalf("failed to list dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].Detail != "fresh" {
		t.Errorf("expected only the fresh dead letter to survive, got %+v", letters)
	}
}

func TestIsTransactionConflict(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"conflict on update", errGeneric("TransactionContext Error: Conflict on update"), true},
		{"write-write", errGeneric("write-write conflict on table dim_track"), true},
		{"transaction conflict", errGeneric("Transaction conflict: cannot update"), true},
		{"unrelated", errGeneric("Constraint Error: NOT NULL constraint failed"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransactionConflict(tc.err); got != tc.want {
				t.Errorf("IsTransactionConflict(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

type errGeneric string

func (e errGeneric) Error() string { return string(e) }
