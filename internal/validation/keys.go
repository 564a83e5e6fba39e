// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package validation

import (
	"fmt"
	"time"

	"github.com/spaolacci/murmur3"
)

// keySeparator joins natural-key parts. A unit separator cannot appear in
// track ids or proxies, so distinct part tuples never collide as strings.
const keySeparator = "\x1f"

// UserProxy pseudonymizes a listener identifier. The proxy is a stable
// one-way hash: equal inputs map to equal proxies (sessionization and the
// fact grain survive), but account identifiers never reach the warehouse.
func UserProxy(userID string) string {
	return fmt.Sprintf("u%016x", murmur3.Sum64([]byte(userID)))
}

// BucketTime floors ts to the dedup window on the UTC timeline. Events of
// the same track and listener inside one bucket are the same play.
func BucketTime(ts time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return ts.UTC()
	}
	return ts.UTC().Truncate(window)
}

// PlayKey computes the content hash of the natural key
// (track id, user proxy, played_at bucketed to the dedup window).
// 128-bit murmur3 rendered as 32 hex characters; stable across runs,
// processes and platforms.
func PlayKey(trackID, userProxy string, playedAt time.Time, window time.Duration) string {
	bucket := BucketTime(playedAt, window).Format(time.RFC3339)
	h1, h2 := murmur3.Sum128([]byte(trackID + keySeparator + userProxy + keySeparator + bucket))
	return fmt.Sprintf("%016x%016x", h1, h2)
}
