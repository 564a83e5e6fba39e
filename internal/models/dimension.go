// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package models

import (
	"time"
)

// DimensionKind names one of the SCD-tracked dimensions.
type DimensionKind string

const (
	DimTrack  DimensionKind = "track"
	DimArtist DimensionKind = "artist"
	DimAlbum  DimensionKind = "album"
)

// AttributeSet is the superset of descriptive attributes across the three
// SCD dimensions. Kind decides which fields are meaningful: track uses the
// audio profile and ISRC, album uses ArtistKey, artist uses Name only.
// Keeping one shape lets the resolver and store run a single SCD code path
// over three same-shaped tables.
type AttributeSet struct {
	Name string

	// Track attributes.
	ISRC         *string
	DurationMs   *int64
	Explicit     *bool
	Tempo        *float64
	Energy       *float64
	Valence      *float64
	Danceability *float64

	// Album attributes.
	ArtistKey *string
}

// DimensionVersion is one version row of an SCD dimension. Version validity
// is the half-open interval [EffectiveFrom, EffectiveTo); the current
// version has EffectiveTo nil and IsCurrent true.
type DimensionVersion struct {
	Kind          DimensionKind
	SK            int64
	BusinessKey   string
	Attrs         AttributeSet
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	IsCurrent     bool
}

// Covers reports whether ts falls inside this version's validity interval.
func (v *DimensionVersion) Covers(ts time.Time) bool {
	if ts.Before(v.EffectiveFrom) {
		return false
	}
	return v.EffectiveTo == nil || ts.Before(*v.EffectiveTo)
}

// DateRow is one row of the static calendar dimension. Rows are derived
// from the UTC calendar and immutable once written.
type DateRow struct {
	DateSK    int32 // YYYYMMDD
	Date      time.Time
	Year      int
	Quarter   int
	Month     int
	Day       int
	DayOfWeek int // ISO: Monday=1 .. Sunday=7
	ISOWeek   int
	MonthName string
	DayName   string
	IsWeekend bool
}

// NewDateRow derives the calendar row for the UTC date of ts.
func NewDateRow(ts time.Time) DateRow {
	d := ts.UTC()
	year, month, day := d.Date()
	_, isoWeek := d.ISOWeek()
	dow := int(d.Weekday())
	if dow == 0 {
		dow = 7
	}
	return DateRow{
		DateSK:    DateSKOf(d),
		Date:      time.Date(year, month, day, 0, 0, 0, 0, time.UTC),
		Year:      year,
		Quarter:   (int(month)-1)/3 + 1,
		Month:     int(month),
		Day:       day,
		DayOfWeek: dow,
		ISOWeek:   isoWeek,
		MonthName: month.String(),
		DayName:   d.Weekday().String(),
		IsWeekend: dow >= 6,
	}
}

// DateSKOf returns the YYYYMMDD surrogate key for the UTC date of ts.
func DateSKOf(ts time.Time) int32 {
	d := ts.UTC()
	return int32(d.Year()*10000 + int(d.Month())*100 + d.Day())
}
