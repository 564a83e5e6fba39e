// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

/*
Package metrics provides Prometheus instrumentation for the batch pipeline.

Playhouse is a short-lived batch process, so metrics are not scraped from a
server endpoint. Every run records into the default registry and, when a
Pushgateway is configured, pushes the final state once at the end of the
run under the configured job name.

# Available Metrics

Pipeline metrics:
  - playhouse_partitions_total: Partitions by terminal status (counter)
    Labels: stream, status
  - playhouse_partition_duration_seconds: Wall time per partition (histogram)
    Labels: stream
  - playhouse_records_read_total: Raw events decoded from the lake (counter)
    Labels: stream
  - playhouse_batch_size: Records per partition batch (histogram)

Quality metrics:
  - playhouse_rejections_total: Records dead-lettered (counter)
    Labels: stream, stage, reason
  - playhouse_duplicates_total: Records skipped by the dedupe gate (counter)
    Labels: stream, kind (intra, inter)

Warehouse metrics:
  - playhouse_facts_inserted_total: Fact rows inserted (counter)
    Labels: stream
  - playhouse_dimension_mutations_total: Dimension writes (counter)
    Labels: dimension, operation (mint, new_version, amend, overwrite)
  - playhouse_commit_duration_seconds: Partition commit latency (histogram)
  - playhouse_commit_retries_total: Commits retried after transient
    failures (counter)
    Labels: stream
  - playhouse_watermark_date: Stream watermark as days since epoch (gauge)
    Labels: stream

Circuit breaker metrics:
  - playhouse_breaker_state: Current state (gauge)
    Labels: name
    Values: 0=closed, 1=half-open, 2=open
  - playhouse_breaker_transitions_total: State transitions (counter)
    Labels: name, from_state, to_state

Dedupe prefilter metrics:
  - playhouse_prefilter_probes_total: Bloom prefilter probes (counter)
    Labels: outcome (hit, miss)

# Pushgateway

With metrics.pushgateway_url set, Push sends the registry's final state:

	curl http://pushgateway:9091/metrics | grep playhouse_

Pushes are best effort: a run never fails because the gateway is down.
*/
package metrics
