// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// FlexInt is an int64 that unmarshals from either a JSON number or a JSON
// string containing a number. Landed files from older connector versions
// serialize ms_played as a string.
type FlexInt int64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		return nil
	}
	// Accept "183000.0" style values some exporters emit.
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		fv, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("failed to parse numeric value %q: %w", s, err)
		}
		*f = FlexInt(int64(fv))
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("failed to parse numeric value %q: %w", s, err)
	}
	*f = FlexInt(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f FlexInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(f))
}

// Int64 returns the underlying value.
func (f FlexInt) Int64() int64 { return int64(f) }

// AudioFeatures holds the analyzed audio profile the connector attaches to
// each play. Values follow the upstream scales: energy, valence and
// danceability in [0,1], tempo in BPM.
type AudioFeatures struct {
	Tempo        *float64 `json:"tempo,omitempty"`
	Energy       *float64 `json:"energy,omitempty"`
	Valence      *float64 `json:"valence,omitempty"`
	Danceability *float64 `json:"danceability,omitempty"`
}

// RawEvent is one play event exactly as landed by the upstream connector.
//
// Every field is optional: landed data is untrusted input and the validator,
// not the decoder, decides whether a record is usable. PlayedAt stays a
// string here so that a timestamp without a UTC offset can be rejected with
// a reason code instead of failing the whole file decode.
type RawEvent struct {
	PlayedAt      *string        `json:"played_at,omitempty"`
	TrackID       *string        `json:"track_id,omitempty"`
	TrackName     *string        `json:"track_name,omitempty"`
	ArtistIDs     []string       `json:"artist_ids,omitempty"`
	ArtistNames   []string       `json:"artist_names,omitempty"`
	AlbumID       *string        `json:"album_id,omitempty"`
	AlbumName     *string        `json:"album_name,omitempty"`
	DurationMs    *FlexInt       `json:"duration_ms,omitempty"`
	MsPlayed      *FlexInt       `json:"ms_played,omitempty"`
	Popularity    *int           `json:"popularity,omitempty"`
	UserID        *string        `json:"user_id,omitempty"`
	DeviceType    *string        `json:"device_type,omitempty"`
	Shuffle       *bool          `json:"shuffle,omitempty"`
	Skipped       *bool          `json:"skipped,omitempty"`
	IsLocal       *bool          `json:"is_local,omitempty"`
	Explicit      *bool          `json:"explicit,omitempty"`
	ISRC          *string        `json:"isrc,omitempty"`
	ContextType   *string        `json:"context_type,omitempty"`
	ContextURI    *string        `json:"context_uri,omitempty"`
	AudioFeatures *AudioFeatures `json:"audio_features,omitempty"`
	SchemaVersion *int           `json:"schema_version,omitempty"`
}
