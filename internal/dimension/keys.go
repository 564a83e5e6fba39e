// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package dimension

import (
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/groovelab/playhouse/internal/models"
)

// keySep keeps hash inputs unambiguous when fields are concatenated.
const keySep = "\x1f"

// MintSurrogate returns the surrogate key for the first version of a
// business key. The key is a pure function of (kind, business key), so any
// process minting the same dimension row mints the same surrogate.
func MintSurrogate(kind models.DimensionKind, businessKey string) int64 {
	return int64(murmur3.Sum64([]byte(string(kind) + keySep + businessKey)))
}

// VersionSurrogate returns the surrogate key for a non-first version, keyed
// by (kind, business key, effective_from). Re-runs that replay the same
// change mint the identical surrogate, which is what keeps re-resolution
// idempotent.
func VersionSurrogate(kind models.DimensionKind, businessKey string, effectiveFrom time.Time) int64 {
	in := string(kind) + keySep + businessKey + keySep + effectiveFrom.UTC().Format(time.RFC3339Nano)
	return int64(murmur3.Sum64([]byte(in)))
}
