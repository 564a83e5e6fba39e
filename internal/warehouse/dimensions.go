// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/groovelab/playhouse/internal/models"
)

// inClauseLimit caps IN (...) membership queries so parameter lists stay
// bounded regardless of batch size.
const inClauseLimit = 512

// dimTable maps a dimension kind onto its physical table. The three SCD
// tables share the surrogate/business-key/validity shape and differ only
// in their attribute columns, so one code path serves all of them.
type dimTable struct {
	table    string
	skCol    string
	attrCols []string
}

var dimTables = map[models.DimensionKind]dimTable{
	models.DimTrack: {
		table:    "dim_track",
		skCol:    "track_sk",
		attrCols: []string{"name", "isrc", "duration_ms", "explicit", "tempo", "energy", "valence", "danceability"},
	},
	models.DimArtist: {
		table:    "dim_artist",
		skCol:    "artist_sk",
		attrCols: []string{"name"},
	},
	models.DimAlbum: {
		table:    "dim_album",
		skCol:    "album_sk",
		attrCols: []string{"name", "artist_key"},
	},
}

func dimTableFor(kind models.DimensionKind) (dimTable, error) {
	dt, ok := dimTables[kind]
	if !ok {
		return dimTable{}, fmt.Errorf("unknown dimension kind %q", kind)
	}
	return dt, nil
}

// attrValues returns bind arguments for a kind's attribute columns, in
// attrCols order. Nil pointers bind as NULL.
func attrValues(kind models.DimensionKind, attrs models.AttributeSet) []any {
	switch kind {
	case models.DimTrack:
		return []any{attrs.Name, nv(attrs.ISRC), nv(attrs.DurationMs), nv(attrs.Explicit),
			nv(attrs.Tempo), nv(attrs.Energy), nv(attrs.Valence), nv(attrs.Danceability)}
	case models.DimArtist:
		return []any{attrs.Name}
	case models.DimAlbum:
		return []any{attrs.Name, nv(attrs.ArtistKey)}
	default:
		return nil
	}
}

// attrColumnValue maps one logical attribute name onto its column and bind
// value. The names are the same ones the change detector reports, so a
// Type-1 overwrite touches exactly the drifted columns.
func attrColumnValue(kind models.DimensionKind, attrs models.AttributeSet, field string) (string, any, error) {
	type colVal struct {
		col string
		val any
	}
	var byField map[string]colVal
	switch kind {
	case models.DimTrack:
		byField = map[string]colVal{
			"name":         {"name", attrs.Name},
			"isrc":         {"isrc", nv(attrs.ISRC)},
			"duration_ms":  {"duration_ms", nv(attrs.DurationMs)},
			"explicit":     {"explicit", nv(attrs.Explicit)},
			"tempo":        {"tempo", nv(attrs.Tempo)},
			"energy":       {"energy", nv(attrs.Energy)},
			"valence":      {"valence", nv(attrs.Valence)},
			"danceability": {"danceability", nv(attrs.Danceability)},
		}
	case models.DimArtist:
		byField = map[string]colVal{
			"name": {"name", attrs.Name},
		}
	case models.DimAlbum:
		byField = map[string]colVal{
			"name":       {"name", attrs.Name},
			"artist_key": {"artist_key", nv(attrs.ArtistKey)},
		}
	}
	cv, ok := byField[field]
	if !ok {
		return "", nil, fmt.Errorf("dimension %s has no attribute %q", kind, field)
	}
	return cv.col, cv.val, nil
}

// DimensionVersions returns all version rows for the given business keys,
// inside the partition transaction.
func (t *Tx) DimensionVersions(ctx context.Context, kind models.DimensionKind, businessKeys []string) (map[string][]models.DimensionVersion, error) {
	return dimensionVersions(ctx, t.tx, kind, businessKeys)
}

// DimensionVersions reads version rows outside any transaction. Dry runs
// and verification queries use it.
func (s *Store) DimensionVersions(ctx context.Context, kind models.DimensionKind, businessKeys []string) (map[string][]models.DimensionVersion, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()
	return dimensionVersions(ctx, s.conn, kind, businessKeys)
}

func dimensionVersions(ctx context.Context, q querier, kind models.DimensionKind, businessKeys []string) (map[string][]models.DimensionVersion, error) {
	out := make(map[string][]models.DimensionVersion, len(businessKeys))
	if len(businessKeys) == 0 {
		return out, nil
	}
	dt, err := dimTableFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		"SELECT %s, business_key, %s, effective_from, effective_to, is_current FROM %s WHERE business_key IN (%%s) ORDER BY business_key, effective_from",
		dt.skCol, strings.Join(dt.attrCols, ", "), dt.table)

	for _, chunk := range chunkSlice(businessKeys, inClauseLimit) {
		rows, err := q.QueryContext(ctx, fmt.Sprintf(query, placeholders(len(chunk))), bindArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s versions: %w", kind, err)
		}
		for rows.Next() {
			v := models.DimensionVersion{Kind: kind}
			dest := []any{&v.SK, &v.BusinessKey}
			dest = append(dest, attrScanTargets(kind, &v.Attrs)...)
			dest = append(dest, &v.EffectiveFrom, &v.EffectiveTo, &v.IsCurrent)
			if err := rows.Scan(dest...); err != nil {
				closeQuietly(rows)
				return nil, fmt.Errorf("failed to scan %s version: %w", kind, err)
			}
			out[v.BusinessKey] = append(out[v.BusinessKey], v)
		}
		if err := rows.Err(); err != nil {
			closeQuietly(rows)
			return nil, fmt.Errorf("failed to read %s versions: %w", kind, err)
		}
		closeQuietly(rows)
	}
	return out, nil
}

// attrScanTargets returns scan destinations matching attrCols order.
// Nullable columns scan through double pointers: NULL lands as nil.
func attrScanTargets(kind models.DimensionKind, attrs *models.AttributeSet) []any {
	switch kind {
	case models.DimTrack:
		return []any{&attrs.Name, &attrs.ISRC, &attrs.DurationMs, &attrs.Explicit,
			&attrs.Tempo, &attrs.Energy, &attrs.Valence, &attrs.Danceability}
	case models.DimArtist:
		return []any{&attrs.Name}
	case models.DimAlbum:
		return []any{&attrs.Name, &attrs.ArtistKey}
	default:
		return nil
	}
}

// InsertDimensionVersion inserts a version row conditionally.
//
// The first version of a business key inserts only while the key has no
// rows at all, so two writers minting the same key cannot fork its
// history. Later versions rely on UNIQUE (business_key, effective_from).
// Both forms return false without error when the row lost to an earlier
// writer.
func (t *Tx) InsertDimensionVersion(ctx context.Context, v models.DimensionVersion, firstForKey bool) (bool, error) {
	dt, err := dimTableFor(v.Kind)
	if err != nil {
		return false, err
	}

	cols := fmt.Sprintf("%s, business_key, %s, effective_from, effective_to, is_current",
		dt.skCol, strings.Join(dt.attrCols, ", "))
	marks := placeholders(5 + len(dt.attrCols))

	args := []any{v.SK, v.BusinessKey}
	args = append(args, attrValues(v.Kind, v.Attrs)...)
	args = append(args, v.EffectiveFrom, nv(v.EffectiveTo), v.IsCurrent)

	var query string
	if firstForKey {
		query = fmt.Sprintf(
			"INSERT INTO %s (%s) SELECT %s WHERE NOT EXISTS (SELECT 1 FROM %s WHERE business_key = ?)",
			dt.table, cols, marks, dt.table)
		args = append(args, v.BusinessKey)
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
			dt.table, cols, marks)
	}

	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert %s version for %q: %w", v.Kind, v.BusinessKey, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// CloseDimensionVersion ends a version's validity at the given instant.
func (t *Tx) CloseDimensionVersion(ctx context.Context, kind models.DimensionKind, sk int64, at time.Time) error {
	dt, err := dimTableFor(kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET effective_to = ?, is_current = FALSE WHERE %s = ?", dt.table, dt.skCol)
	if _, err := t.tx.ExecContext(ctx, query, at, sk); err != nil {
		return fmt.Errorf("failed to close %s version %d: %w", kind, sk, err)
	}
	return nil
}

// AmendDimensionVersion replaces the attributes of one version row without
// touching its validity interval.
func (t *Tx) AmendDimensionVersion(ctx context.Context, kind models.DimensionKind, sk int64, attrs models.AttributeSet) error {
	dt, err := dimTableFor(kind)
	if err != nil {
		return err
	}
	sets := make([]string, len(dt.attrCols))
	for i, col := range dt.attrCols {
		sets[i] = col + " = ?"
	}
	args := attrValues(kind, attrs)
	args = append(args, sk)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", dt.table, strings.Join(sets, ", "), dt.skCol)
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to amend %s version %d: %w", kind, sk, err)
	}
	return nil
}

// OverwriteDimensionType1 sets the named attributes across every version
// of a business key. Type-1 drift rewrites history; the validity intervals
// stay as they are.
func (t *Tx) OverwriteDimensionType1(ctx context.Context, kind models.DimensionKind, businessKey string, attrs models.AttributeSet, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	dt, err := dimTableFor(kind)
	if err != nil {
		return err
	}
	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for _, field := range fields {
		col, val, err := attrColumnValue(kind, attrs, field)
		if err != nil {
			return err
		}
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	args = append(args, businessKey)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE business_key = ?", dt.table, strings.Join(sets, ", "))
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to overwrite %s attributes for %q: %w", kind, businessKey, err)
	}
	return nil
}

// EnsureDateRow inserts a calendar row if absent. Calendar rows are pure
// functions of the date, so concurrent inserts always carry equal values.
func (t *Tx) EnsureDateRow(ctx context.Context, row models.DateRow) error {
	const query = `INSERT INTO dim_date (
		date_sk, full_date, year, quarter, month, day,
		day_of_week, iso_week, month_name, day_name, is_weekend
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`

	_, err := t.tx.ExecContext(ctx, query,
		row.DateSK, row.Date.Format("2006-01-02"), row.Year, row.Quarter, row.Month, row.Day,
		row.DayOfWeek, row.ISOWeek, row.MonthName, row.DayName, row.IsWeekend)
	if err != nil {
		return fmt.Errorf("failed to ensure date row %d: %w", row.DateSK, err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
