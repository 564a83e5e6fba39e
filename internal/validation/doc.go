// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

/*
Package validation turns untrusted landed events into typed records the rest
of the pipeline can rely on.

The batch Validator checks each record independently (shape and type first,
then business rules, then timestamp discipline) and computes the natural-key
hash for the ones that pass. A record that fails produces a Rejection with a
stable reason code; it never affects its neighbours. On top of the
per-record checks sits the null-rate gate: when too many records miss any
single required column the whole batch is schema drift and nothing from it
is accepted.

The package also carries the go-playground/validator singleton used for
configuration struct validation at startup.
*/
package validation
