// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

// Package registry holds the versioned record schemas and business-rule
// definitions the pipeline validates and transforms against.
//
// A Registry is built once at startup and is immutable afterwards: every
// lookup is a pure read, so the same registry build always produces the
// same validation and transformation outcomes. Tunable values (thresholds,
// windows, reference statistics) enter through Params at construction;
// nothing is read from the environment or the clock at lookup time.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/groovelab/playhouse/internal/models"
)

// FieldKind is the declared type of a schema field.
type FieldKind string

const (
	KindString     FieldKind = "string"
	KindInt        FieldKind = "int"
	KindFloat      FieldKind = "float"
	KindBool       FieldKind = "bool"
	KindTime       FieldKind = "time"
	KindStringList FieldKind = "string_list"
	KindObject     FieldKind = "object"
)

// FieldSpec declares one field of a record schema.
type FieldSpec struct {
	Name     string
	Kind     FieldKind
	Required bool
}

// SchemaDefinition is one immutable version of the record schema.
type SchemaDefinition struct {
	Version int
	Fields  []FieldSpec

	byName map[string]int
}

// Field returns the spec for name, if declared.
func (s *SchemaDefinition) Field(name string) (FieldSpec, bool) {
	i, ok := s.byName[name]
	if !ok {
		return FieldSpec{}, false
	}
	return s.Fields[i], true
}

// RequiredFields returns the fields the null-rate gate watches, in
// declaration order.
func (s *SchemaDefinition) RequiredFields() []FieldSpec {
	out := make([]FieldSpec, 0, len(s.Fields))
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

func newSchema(version int, fields []FieldSpec) *SchemaDefinition {
	s := &SchemaDefinition{
		Version: version,
		Fields:  fields,
		byName:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		s.byName[f.Name] = i
	}
	return s
}

// Registry is the read-only lookup for schemas, business rules, SCD
// policies and normalization reference statistics.
type Registry struct {
	schemas map[int]*SchemaDefinition
	current int
	rules   BusinessRules
	stats   map[string]ReferenceStats
}

// New builds a registry from the given parameters. Unset parameters take
// the documented defaults; invalid combinations are rejected here so later
// stages never see a half-formed rule set.
func New(p Params) (*Registry, error) {
	rules, err := p.rules()
	if err != nil {
		return nil, err
	}

	stats := defaultReferenceStats()
	for feature, s := range p.StatsOverrides {
		if _, ok := stats[feature]; !ok {
			return nil, fmt.Errorf("failed to build registry: unknown audio feature %q in stats overrides", feature)
		}
		if s.Max <= s.Min {
			return nil, fmt.Errorf("failed to build registry: stats for %q have max <= min", feature)
		}
		stats[feature] = s
	}

	r := &Registry{
		schemas: builtinSchemas(),
		rules:   rules,
		stats:   stats,
	}
	for v := range r.schemas {
		if v > r.current {
			r.current = v
		}
	}
	return r, nil
}

// ErrUnknownSchema marks a schema version the registry does not know.
// Batches declaring one are rejected wholesale, never guessed at.
var ErrUnknownSchema = errors.New("unknown schema version")

// Schema returns the schema for the given version. Unknown versions are an
// error, never a silent fallback.
func (r *Registry) Schema(version int) (*SchemaDefinition, error) {
	s, ok := r.schemas[version]
	if !ok {
		return nil, fmt.Errorf("%w %d (known: %v)", ErrUnknownSchema, version, r.Versions())
	}
	return s, nil
}

// CurrentSchema returns the newest schema version.
func (r *Registry) CurrentSchema() *SchemaDefinition {
	return r.schemas[r.current]
}

// Versions lists known schema versions in ascending order.
func (r *Registry) Versions() []int {
	out := make([]int, 0, len(r.schemas))
	for v := range r.schemas {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Rules returns the business-rule set.
func (r *Registry) Rules() BusinessRules {
	return r.rules
}

// Stats returns the normalization reference statistics for an audio
// feature.
func (r *Registry) Stats(feature string) (ReferenceStats, bool) {
	s, ok := r.stats[feature]
	return s, ok
}

// ScdPolicy returns the slowly-changing-dimension policy for one attribute
// of one dimension. Unknown attributes default to Type 1 (overwrite):
// an attribute nobody declared history-worthy must never fork versions.
func (r *Registry) ScdPolicy(dim models.DimensionKind, attr string) ScdType {
	if t, ok := r.rules.scdPolicies[string(dim)+"."+attr]; ok {
		return t
	}
	return ScdType1
}

// builtinSchemas declares the landed-record schema versions.
//
// Version 1 is the original connector shape. Version 2 added the explicit
// flag, ISRC and the nested audio_features object. The required core is
// identical; validation of optional fields only applies when present.
func builtinSchemas() map[int]*SchemaDefinition {
	core := []FieldSpec{
		{Name: "played_at", Kind: KindTime, Required: true},
		{Name: "track_id", Kind: KindString, Required: true},
		{Name: "track_name", Kind: KindString, Required: true},
		{Name: "artist_ids", Kind: KindStringList, Required: true},
		{Name: "artist_names", Kind: KindStringList, Required: false},
		{Name: "album_id", Kind: KindString, Required: true},
		{Name: "album_name", Kind: KindString, Required: false},
		{Name: "duration_ms", Kind: KindInt, Required: false},
		{Name: "ms_played", Kind: KindInt, Required: true},
		{Name: "user_id", Kind: KindString, Required: true},
		{Name: "popularity", Kind: KindInt, Required: false},
		{Name: "device_type", Kind: KindString, Required: false},
		{Name: "shuffle", Kind: KindBool, Required: false},
		{Name: "skipped", Kind: KindBool, Required: false},
		{Name: "is_local", Kind: KindBool, Required: false},
		{Name: "context_type", Kind: KindString, Required: false},
		{Name: "context_uri", Kind: KindString, Required: false},
	}

	v2 := append(append([]FieldSpec{}, core...),
		FieldSpec{Name: "explicit", Kind: KindBool, Required: false},
		FieldSpec{Name: "isrc", Kind: KindString, Required: false},
		FieldSpec{Name: "audio_features", Kind: KindObject, Required: false},
	)

	return map[int]*SchemaDefinition{
		1: newSchema(1, core),
		2: newSchema(2, v2),
	}
}
