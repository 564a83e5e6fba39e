// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package dimension

import (
	"github.com/groovelab/playhouse/internal/models"
	"github.com/groovelab/playhouse/internal/registry"
)

// attrDef describes one descriptive attribute of an SCD dimension: how to
// test whether a record carries evidence for it, compare two concrete
// values, and copy a value between attribute sets. The table form gives
// every attribute the same change-detection path; policy (Type 1 vs Type 2)
// comes from the registry, not from here.
type attrDef struct {
	name    string
	present func(a *models.AttributeSet) bool
	same    func(a, b *models.AttributeSet) bool
	overlay func(dst, src *models.AttributeSet)
}

// ptrAttr builds an attrDef over a pointer-typed attribute. A nil pointer
// means the record carried no evidence, which is never treated as a change.
func ptrAttr[T comparable](name string, field func(*models.AttributeSet) **T) attrDef {
	get := func(a *models.AttributeSet) *T { return *field(a) }
	return attrDef{
		name:    name,
		present: func(a *models.AttributeSet) bool { return get(a) != nil },
		same:    func(a, b *models.AttributeSet) bool { return *get(a) == *get(b) },
		overlay: func(dst, src *models.AttributeSet) {
			v := *get(src)
			*field(dst) = &v
		},
	}
}

var nameAttr = attrDef{
	name:    "name",
	present: func(a *models.AttributeSet) bool { return a.Name != "" },
	same:    func(a, b *models.AttributeSet) bool { return a.Name == b.Name },
	overlay: func(dst, src *models.AttributeSet) { dst.Name = src.Name },
}

var trackAttrDefs = []attrDef{
	nameAttr,
	ptrAttr("isrc", func(a *models.AttributeSet) **string { return &a.ISRC }),
	ptrAttr("duration_ms", func(a *models.AttributeSet) **int64 { return &a.DurationMs }),
	ptrAttr("explicit", func(a *models.AttributeSet) **bool { return &a.Explicit }),
	ptrAttr("tempo", func(a *models.AttributeSet) **float64 { return &a.Tempo }),
	ptrAttr("energy", func(a *models.AttributeSet) **float64 { return &a.Energy }),
	ptrAttr("valence", func(a *models.AttributeSet) **float64 { return &a.Valence }),
	ptrAttr("danceability", func(a *models.AttributeSet) **float64 { return &a.Danceability }),
}

var artistAttrDefs = []attrDef{
	nameAttr,
}

var albumAttrDefs = []attrDef{
	nameAttr,
	ptrAttr("artist_key", func(a *models.AttributeSet) **string { return &a.ArtistKey }),
}

func attrDefsFor(kind models.DimensionKind) []attrDef {
	switch kind {
	case models.DimTrack:
		return trackAttrDefs
	case models.DimArtist:
		return artistAttrDefs
	case models.DimAlbum:
		return albumAttrDefs
	}
	return nil
}

// attrDiff classifies the attributes on which incoming evidence differs
// from a reference version, split by SCD policy.
type attrDiff struct {
	t1 []string
	t2 []string
}

func (d attrDiff) empty() bool { return len(d.t1) == 0 && len(d.t2) == 0 }

// diff compares incoming evidence against the current version. An attribute
// counts as changed when the record carries a concrete value the version
// does not hold, including a value the version never had.
func (r *Resolver) diff(kind models.DimensionKind, cur, inc *models.AttributeSet) attrDiff {
	var d attrDiff
	for _, def := range attrDefsFor(kind) {
		if !def.present(inc) {
			continue
		}
		if def.present(cur) && def.same(cur, inc) {
			continue
		}
		if r.reg.ScdPolicy(kind, def.name) == registry.ScdType2 {
			d.t2 = append(d.t2, def.name)
		} else {
			d.t1 = append(d.t1, def.name)
		}
	}
	return d
}

// conflicts lists Type-2 attributes where the incoming record and the
// reference version hold concrete, unequal values. Absence on either side
// is not a conflict: only contradictions make an out-of-order record stale.
func (r *Resolver) conflicts(kind models.DimensionKind, ref, inc *models.AttributeSet) []string {
	var out []string
	for _, def := range attrDefsFor(kind) {
		if r.reg.ScdPolicy(kind, def.name) != registry.ScdType2 {
			continue
		}
		if !def.present(inc) || !def.present(ref) {
			continue
		}
		if !def.same(ref, inc) {
			out = append(out, def.name)
		}
	}
	return out
}

// mergeAttrs overlays present incoming values onto a base attribute set.
// Pointer values are copied, never aliased into the record.
func mergeAttrs(kind models.DimensionKind, base, inc models.AttributeSet) models.AttributeSet {
	out := base
	for _, def := range attrDefsFor(kind) {
		if def.present(&inc) {
			def.overlay(&out, &inc)
		}
	}
	return out
}

// overlayFields copies only the named attributes from src onto dst. Used
// when a Type-1 overwrite touches every stored version of a key.
func overlayFields(kind models.DimensionKind, dst *models.AttributeSet, src models.AttributeSet, fields []string) {
	for _, def := range attrDefsFor(kind) {
		for _, f := range fields {
			if def.name == f {
				def.overlay(dst, &src)
			}
		}
	}
}

// trackAttrsOf extracts the track dimension evidence from one record.
// Duration presence is read off the landed payload: the validated form
// substitutes zero when the feed omitted it.
func trackAttrsOf(rec *models.EnrichedRecord) models.AttributeSet {
	a := models.AttributeSet{
		Name:         rec.TrackName,
		ISRC:         rec.ISRC,
		Explicit:     rec.Explicit,
		Tempo:        rec.Tempo,
		Energy:       rec.Energy,
		Valence:      rec.Valence,
		Danceability: rec.Danceability,
	}
	if rec.Raw.DurationMs != nil {
		d := rec.DurationMs
		a.DurationMs = &d
	}
	return a
}

func artistAttrsOf(rec *models.EnrichedRecord) models.AttributeSet {
	return models.AttributeSet{Name: rec.PrimaryArtistName()}
}

func albumAttrsOf(rec *models.EnrichedRecord) models.AttributeSet {
	a := models.AttributeSet{Name: rec.AlbumName}
	if id := rec.PrimaryArtistID(); id != "" {
		a.ArtistKey = &id
	}
	return a
}
