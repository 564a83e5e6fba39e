// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

/*
Package pipeline orchestrates batch runs: it selects lake partitions,
drives each one through the processing stages and records the outcome.

# Partition lifecycle

Every (stream, date) partition moves through a small state machine stored
in the warehouse's batch_runs table:

	PENDING -> RUNNING -> SUCCEEDED
	                   -> DEAD_LETTERED (quarantined, operator attention)
	                   -> FAILED        (re-claimable by a later run)

One attempt is: read the partition's files, validate, enrich, drop
duplicates, then resolve dimensions and merge facts inside a single
warehouse transaction. A transient failure (write conflict, commit
timeout, resource trouble) rolls the transaction back and retries the
attempt under the configured RetryPolicy; when the budget runs out the
partition is quarantined with every record written to the dead-letter
sink. A permanent failure (schema drift, unknown schema version,
structurally broken file) quarantines immediately, since retrying cannot
change the input. FAILED is reserved for attempts the run could not bring
to any terminal state, cancellation included; the next run claims such
partitions again.

A partition reaches SUCCEEDED only after its commit is durable and the
stream's watermark has advanced, in that order. Because every fact and
dimension write is conditional on deterministic keys, reprocessing a
partition in any state is idempotent.

# Concurrency

Distinct streams load concurrently (errgroup, bounded by the configured
worker count); partitions within a stream always run in ascending date
order, and a stream halts at its first FAILED partition so later dates
never overtake an unfinished earlier one.

# Modes

	incremental  only partitions dated after each stream's watermark
	backfill     an explicit inclusive date range; reprocessing is idempotent
	dry run      full read/validate/enrich/dedupe/resolve against committed
	             state with every write swallowed; reports what a real run
	             would have done

# Resume hints

Between partitions the run saves a per-stream checkpoint (last completed
date, running counts) to a local Badger store and surfaces it when the
stream is next claimed, so an interrupted run shows where it stopped.
Skipping itself is decided by batch_runs: partitions a crashed run
already finished carry a terminal row and are skipped without re-reading
their files. -no-resume clears the stored hints up front.
*/
package pipeline
