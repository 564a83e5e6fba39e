// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

// Package dimension maintains the slowly-changing dimensions and attaches
// surrogate keys to enriched records.
//
// Track, artist and album are versioned: Type-2 attribute changes close the
// current version and open a new one, Type-1 changes overwrite every stored
// version in place. Which attribute follows which policy is registry
// configuration. The calendar dimension is derived, inserted on first use
// and immutable afterwards.
//
// Resolution is deterministic: surrogate keys are hashes of business keys
// and effective instants, so re-runs and concurrent partitions converge on
// identical rows without coordination beyond the store's conditional
// inserts.
package dimension

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/groovelab/playhouse/internal/logging"
	"github.com/groovelab/playhouse/internal/models"
	"github.com/groovelab/playhouse/internal/registry"
)

// Store is the warehouse surface the resolver mutates. Implementations are
// transaction-scoped: every call lands in the partition's transaction and
// becomes visible only at commit.
type Store interface {
	// DimensionVersions returns all versions for the given business keys,
	// keyed by business key. Keys with no versions are absent from the map.
	DimensionVersions(ctx context.Context, kind models.DimensionKind, businessKeys []string) (map[string][]models.DimensionVersion, error)

	// InsertDimensionVersion inserts a version row conditionally. With
	// firstForKey it inserts only when the business key has no versions at
	// all; otherwise it inserts unless (business key, effective_from) is
	// taken. Returns false when the condition failed.
	InsertDimensionVersion(ctx context.Context, v models.DimensionVersion, firstForKey bool) (bool, error)

	// CloseDimensionVersion ends a version's validity at the given instant.
	CloseDimensionVersion(ctx context.Context, kind models.DimensionKind, sk int64, at time.Time) error

	// AmendDimensionVersion replaces the attributes of one version row.
	AmendDimensionVersion(ctx context.Context, kind models.DimensionKind, sk int64, attrs models.AttributeSet) error

	// OverwriteDimensionType1 sets the named attributes across every version
	// of a business key.
	OverwriteDimensionType1(ctx context.Context, kind models.DimensionKind, businessKey string, attrs models.AttributeSet, fields []string) error

	// EnsureDateRow inserts a calendar row if absent.
	EnsureDateRow(ctx context.Context, row models.DateRow) error
}

// ConflictError reports that another writer minted a dimension row this
// resolution also tried to mint. The caller rolls back and retries the
// partition; the retry reads the winner's row and attaches to it.
type ConflictError struct {
	Kind        models.DimensionKind
	BusinessKey string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent writer owns %s dimension key %q", e.Kind, e.BusinessKey)
}

// VersionClose records one version whose validity was ended.
type VersionClose struct {
	Kind models.DimensionKind
	SK   int64
	At   time.Time
}

// Type1Overwrite records an in-place attribute rewrite across all versions
// of a business key.
type Type1Overwrite struct {
	Kind        models.DimensionKind
	BusinessKey string
	Fields      []string
	Attrs       models.AttributeSet
}

// Plan is the audit record of every dimension mutation a resolution
// performed, in apply order within each category.
type Plan struct {
	Minted      []models.DimensionVersion
	NewVersions []models.DimensionVersion
	Closed      []VersionClose
	Amended     []models.DimensionVersion
	Overwrites  []Type1Overwrite
	Dates       []models.DateRow
}

// Mutations counts the dimension writes in the plan, calendar rows included.
func (p *Plan) Mutations() int {
	return len(p.Minted) + len(p.NewVersions) + len(p.Closed) + len(p.Amended) + len(p.Overwrites) + len(p.Dates)
}

// Resolution is the outcome of resolving one batch.
type Resolution struct {
	Attached []models.ResolvedRecord
	Plan     Plan
	Rejected []models.Rejection
}

const lockStripeCount = 64

// Resolver attaches surrogate keys, minting and versioning dimension rows
// as the evidence requires. Safe for concurrent use; business keys are
// serialized through striped locks so concurrent partitions in one process
// do not interleave mutations of the same key.
type Resolver struct {
	reg     *registry.Registry
	stripes [lockStripeCount]sync.Mutex
}

// New returns a Resolver over the given registry.
func New(reg *registry.Registry) *Resolver {
	return &Resolver{reg: reg}
}

// Resolve attaches track, artist, album and date surrogate keys to every
// record, mutating dimensions through store as needed. Records whose
// evidence contradicts history are rejected, not applied; all other records
// in the batch still resolve. Input order is preserved in Attached.
func (r *Resolver) Resolve(ctx context.Context, store Store, records []models.EnrichedRecord) (*Resolution, error) {
	res := &Resolution{}
	if len(records) == 0 {
		return res, nil
	}

	keys := collectKeys(records)
	unlock := r.lockKeys(keys)
	defer unlock()

	hist := make(histMap, 3)
	for kind, ks := range keys {
		loaded, err := store.DimensionVersions(ctx, kind, ks)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s versions: %w", kind, err)
		}
		m := make(map[string]*history, len(loaded))
		for k, versions := range loaded {
			sort.Slice(versions, func(i, j int) bool {
				return versions[i].EffectiveFrom.Before(versions[j].EffectiveFrom)
			})
			m[k] = &history{versions: versions}
		}
		hist[kind] = m
	}

	seenDates := make(map[int32]struct{})
	for i := range records {
		row := models.NewDateRow(records[i].PlayedAt)
		if _, ok := seenDates[row.DateSK]; ok {
			continue
		}
		seenDates[row.DateSK] = struct{}{}
		if err := store.EnsureDateRow(ctx, row); err != nil {
			return nil, fmt.Errorf("failed to ensure date row %d: %w", row.DateSK, err)
		}
		res.Plan.Dates = append(res.Plan.Dates, row)
	}

	for i := range records {
		rec := &records[i]
		refs := [3]dimRef{
			{kind: models.DimTrack, key: rec.TrackID, attrs: trackAttrsOf(rec)},
			{kind: models.DimArtist, key: rec.PrimaryArtistID(), attrs: artistAttrsOf(rec)},
			{kind: models.DimAlbum, key: rec.AlbumID, attrs: albumAttrsOf(rec)},
		}

		var sks [3]int64
		var pending []op
		var stale string
		for d, ref := range refs {
			sk, ops, staleDetail := r.resolveKey(ref.kind, ref.key, ref.attrs, rec.PlayedAt, hist.get(ref.kind, ref.key))
			if staleDetail != "" {
				stale = staleDetail
				break
			}
			sks[d] = sk
			pending = append(pending, ops...)
		}
		if stale != "" {
			res.Rejected = append(res.Rejected, models.Rejection{
				Event:  rec.Raw,
				Reason: models.ReasonStaleDimension,
				Detail: stale,
			})
			continue
		}

		for _, o := range pending {
			if err := o.apply(ctx, store, hist, &res.Plan); err != nil {
				return nil, err
			}
		}

		res.Attached = append(res.Attached, models.ResolvedRecord{
			EnrichedRecord: *rec,
			TrackSK:        sks[0],
			ArtistSK:       sks[1],
			AlbumSK:        sks[2],
			DateSK:         models.DateSKOf(rec.PlayedAt),
		})
	}

	logging.Debug().
		Str("component", "dimension").
		Int("records", len(records)).
		Int("minted", len(res.Plan.Minted)).
		Int("new_versions", len(res.Plan.NewVersions)).
		Int("amended", len(res.Plan.Amended)).
		Int("type1_overwrites", len(res.Plan.Overwrites)).
		Int("stale_rejected", len(res.Rejected)).
		Msg("Dimension resolution complete")

	return res, nil
}

// resolveKey decides how one record's evidence lands on one business key.
// It returns the surrogate key to attach and the mutations to apply, or a
// non-empty stale detail when the record contradicts recorded history. The
// in-memory history is not mutated here; ops do that when applied, so a
// record rejected on its artist leaves its track untouched.
func (r *Resolver) resolveKey(kind models.DimensionKind, key string, inc models.AttributeSet, ts time.Time, h *history) (int64, []op, string) {
	if h == nil || len(h.versions) == 0 {
		v := models.DimensionVersion{
			Kind:          kind,
			SK:            MintSurrogate(kind, key),
			BusinessKey:   key,
			Attrs:         inc,
			EffectiveFrom: ts,
			IsCurrent:     true,
		}
		return v.SK, []op{opMint{v: v}}, ""
	}

	cur := h.current()
	if !ts.Before(cur.EffectiveFrom) {
		d := r.diff(kind, &cur.Attrs, &inc)
		if d.empty() {
			return cur.SK, nil, ""
		}
		sk := cur.SK
		var ops []op
		if len(d.t2) > 0 {
			merged := mergeAttrs(kind, cur.Attrs, inc)
			if ts.After(cur.EffectiveFrom) {
				nv := models.DimensionVersion{
					Kind:          kind,
					SK:            VersionSurrogate(kind, key, ts),
					BusinessKey:   key,
					Attrs:         merged,
					EffectiveFrom: ts,
					IsCurrent:     true,
				}
				ops = append(ops, opNewVersion{closeSK: cur.SK, closeAt: ts, v: nv})
				sk = nv.SK
			} else {
				// Same instant as the current version's start: rewriting the
				// boundary of the present, not the past. Last write wins in
				// place; a zero-width version would violate the effective_from
				// uniqueness the store enforces.
				av := *cur
				av.Attrs = merged
				ops = append(ops, opAmend{v: av})
			}
		}
		if len(d.t1) > 0 {
			ops = append(ops, opOverwrite{kind: kind, key: key, fields: d.t1, attrs: inc})
		}
		return sk, ops, ""
	}

	// Out-of-order arrival: attach to history, never rewrite it. An event
	// older than all recorded versions is judged against the earliest one.
	ref := h.at(ts)
	if c := r.conflicts(kind, &ref.Attrs, &inc); len(c) > 0 {
		detail := fmt.Sprintf("%s %q: %s conflict with version effective %s",
			kind, key, strings.Join(c, ", "), ref.EffectiveFrom.UTC().Format(time.RFC3339))
		return 0, nil, detail
	}
	return ref.SK, nil, ""
}

type dimRef struct {
	kind  models.DimensionKind
	key   string
	attrs models.AttributeSet
}

// history is the in-memory view of one business key's versions, ascending
// by effective_from. It mirrors every mutation applied through the store so
// later records in the same batch resolve against fresh state.
type history struct {
	versions []models.DimensionVersion
}

func (h *history) current() *models.DimensionVersion {
	return &h.versions[len(h.versions)-1]
}

// at returns the version effective at ts, or the earliest version when ts
// predates recorded history.
func (h *history) at(ts time.Time) *models.DimensionVersion {
	for i := range h.versions {
		if h.versions[i].Covers(ts) {
			return &h.versions[i]
		}
	}
	return &h.versions[0]
}

func (h *history) closeCurrent(at time.Time) {
	cur := h.current()
	t := at
	cur.EffectiveTo = &t
	cur.IsCurrent = false
}

type histMap map[models.DimensionKind]map[string]*history

func (m histMap) get(kind models.DimensionKind, key string) *history {
	return m[kind][key]
}

func (m histMap) put(kind models.DimensionKind, key string, h *history) {
	if m[kind] == nil {
		m[kind] = make(map[string]*history)
	}
	m[kind][key] = h
}

// op is one dimension mutation. Applying an op writes through the store,
// updates the in-memory history and appends to the plan, in that order.
type op interface {
	apply(ctx context.Context, store Store, hist histMap, plan *Plan) error
}

type opMint struct {
	v models.DimensionVersion
}

func (o opMint) apply(ctx context.Context, store Store, hist histMap, plan *Plan) error {
	ok, err := store.InsertDimensionVersion(ctx, o.v, true)
	if err != nil {
		return fmt.Errorf("failed to mint %s %q: %w", o.v.Kind, o.v.BusinessKey, err)
	}
	if !ok {
		return &ConflictError{Kind: o.v.Kind, BusinessKey: o.v.BusinessKey}
	}
	hist.put(o.v.Kind, o.v.BusinessKey, &history{versions: []models.DimensionVersion{o.v}})
	plan.Minted = append(plan.Minted, o.v)
	return nil
}

type opNewVersion struct {
	closeSK int64
	closeAt time.Time
	v       models.DimensionVersion
}

func (o opNewVersion) apply(ctx context.Context, store Store, hist histMap, plan *Plan) error {
	if err := store.CloseDimensionVersion(ctx, o.v.Kind, o.closeSK, o.closeAt); err != nil {
		return fmt.Errorf("failed to close %s version %d: %w", o.v.Kind, o.closeSK, err)
	}
	ok, err := store.InsertDimensionVersion(ctx, o.v, false)
	if err != nil {
		return fmt.Errorf("failed to insert %s version for %q: %w", o.v.Kind, o.v.BusinessKey, err)
	}
	if !ok {
		return &ConflictError{Kind: o.v.Kind, BusinessKey: o.v.BusinessKey}
	}
	h := hist.get(o.v.Kind, o.v.BusinessKey)
	h.closeCurrent(o.closeAt)
	h.versions = append(h.versions, o.v)
	plan.Closed = append(plan.Closed, VersionClose{Kind: o.v.Kind, SK: o.closeSK, At: o.closeAt})
	plan.NewVersions = append(plan.NewVersions, o.v)
	return nil
}

type opAmend struct {
	v models.DimensionVersion
}

func (o opAmend) apply(ctx context.Context, store Store, hist histMap, plan *Plan) error {
	if err := store.AmendDimensionVersion(ctx, o.v.Kind, o.v.SK, o.v.Attrs); err != nil {
		return fmt.Errorf("failed to amend %s version %d: %w", o.v.Kind, o.v.SK, err)
	}
	h := hist.get(o.v.Kind, o.v.BusinessKey)
	for i := range h.versions {
		if h.versions[i].SK == o.v.SK {
			h.versions[i].Attrs = o.v.Attrs
		}
	}
	plan.Amended = append(plan.Amended, o.v)
	return nil
}

type opOverwrite struct {
	kind   models.DimensionKind
	key    string
	fields []string
	attrs  models.AttributeSet
}

func (o opOverwrite) apply(ctx context.Context, store Store, hist histMap, plan *Plan) error {
	if err := store.OverwriteDimensionType1(ctx, o.kind, o.key, o.attrs, o.fields); err != nil {
		return fmt.Errorf("failed to overwrite %s %q: %w", o.kind, o.key, err)
	}
	h := hist.get(o.kind, o.key)
	for i := range h.versions {
		overlayFields(o.kind, &h.versions[i].Attrs, o.attrs, o.fields)
	}
	plan.Overwrites = append(plan.Overwrites, Type1Overwrite{
		Kind:        o.kind,
		BusinessKey: o.key,
		Fields:      o.fields,
		Attrs:       o.attrs,
	})
	return nil
}

// collectKeys lists the distinct business keys per dimension, sorted so
// lock acquisition and store reads are deterministic.
func collectKeys(records []models.EnrichedRecord) map[models.DimensionKind][]string {
	seen := map[models.DimensionKind]map[string]struct{}{
		models.DimTrack:  make(map[string]struct{}),
		models.DimArtist: make(map[string]struct{}),
		models.DimAlbum:  make(map[string]struct{}),
	}
	for i := range records {
		seen[models.DimTrack][records[i].TrackID] = struct{}{}
		seen[models.DimArtist][records[i].PrimaryArtistID()] = struct{}{}
		seen[models.DimAlbum][records[i].AlbumID] = struct{}{}
	}
	out := make(map[models.DimensionKind][]string, len(seen))
	for kind, ks := range seen {
		list := make([]string, 0, len(ks))
		for k := range ks {
			list = append(list, k)
		}
		sort.Strings(list)
		out[kind] = list
	}
	return out
}

// lockKeys acquires the lock stripes covering every key in the batch, in
// ascending stripe order so concurrent resolutions cannot deadlock. The
// returned func releases them.
func (r *Resolver) lockKeys(keys map[models.DimensionKind][]string) func() {
	idx := make(map[int]struct{})
	for kind, ks := range keys {
		for _, k := range ks {
			idx[stripeFor(kind, k)] = struct{}{}
		}
	}
	order := make([]int, 0, len(idx))
	for i := range idx {
		order = append(order, i)
	}
	sort.Ints(order)
	for _, i := range order {
		r.stripes[i].Lock()
	}
	return func() {
		for j := len(order) - 1; j >= 0; j-- {
			r.stripes[order[j]].Unlock()
		}
	}
}

func stripeFor(kind models.DimensionKind, key string) int {
	return int(murmur3.Sum64([]byte(string(kind)+keySep+key)) % lockStripeCount)
}
