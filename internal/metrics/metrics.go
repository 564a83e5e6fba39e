// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/groovelab/playhouse/internal/config"
	"github.com/groovelab/playhouse/internal/logging"
)

var (
	// Pipeline Metrics
	PartitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playhouse_partitions_total",
			Help: "Total number of partitions by terminal status",
		},
		[]string{"stream", "status"}, // status: "SUCCEEDED", "FAILED", "DEAD_LETTERED", "SKIPPED"
	)

	PartitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playhouse_partition_duration_seconds",
			Help:    "Wall time spent processing one partition",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600}, // Partition loads can take minutes
		},
		[]string{"stream"},
	)

	RecordsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playhouse_records_read_total",
			Help: "Total number of raw events decoded from the lake",
		},
		[]string{"stream"},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playhouse_batch_size",
			Help:    "Number of records in partition batches",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 5000, 10000},
		},
	)

	// Quality Metrics
	RejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playhouse_rejections_total",
			Help: "Total number of records dead-lettered, by stage and reason",
		},
		[]string{"stream", "stage", "reason"},
	)

	DuplicatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playhouse_duplicates_total",
			Help: "Total number of records skipped by the dedupe gate",
		},
		[]string{"stream", "kind"}, // kind: "intra", "inter"
	)

	// Warehouse Metrics
	FactsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playhouse_facts_inserted_total",
			Help: "Total number of fact rows inserted",
		},
		[]string{"stream"},
	)

	DimensionMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playhouse_dimension_mutations_total",
			Help: "Total number of dimension writes by kind and operation",
		},
		[]string{"dimension", "operation"}, // operation: "mint", "new_version", "amend", "overwrite"
	)

	CommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playhouse_commit_duration_seconds",
			Help:    "Duration of partition transaction commits",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playhouse_commit_retries_total",
			Help: "Total number of partition commits retried after transient failures",
		},
		[]string{"stream"},
	)

	WatermarkDate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "playhouse_watermark_date",
			Help: "Stream watermark as days since the Unix epoch",
		},
		[]string{"stream"},
	)

	// Circuit Breaker Metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "playhouse_breaker_state",
			Help: "Commit circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playhouse_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Dedupe Prefilter Metrics
	PrefilterProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playhouse_prefilter_probes_total",
			Help: "Total number of Bloom prefilter probes by outcome",
		},
		[]string{"outcome"}, // "hit", "miss"
	)
)

// RecordPartition records a partition's terminal status and duration.
func RecordPartition(stream, status string, duration time.Duration) {
	PartitionsTotal.WithLabelValues(stream, status).Inc()
	PartitionDuration.WithLabelValues(stream).Observe(duration.Seconds())
}

// RecordPartitionSkipped records a partition skipped as already loaded.
func RecordPartitionSkipped(stream string) {
	PartitionsTotal.WithLabelValues(stream, "SKIPPED").Inc()
}

// RecordRecordsRead records raw events decoded from one partition.
func RecordRecordsRead(stream string, n int) {
	RecordsRead.WithLabelValues(stream).Add(float64(n))
	BatchSize.Observe(float64(n))
}

// RecordRejection records dead-lettered records for one stage and reason.
func RecordRejection(stream, stage, reason string, n int) {
	if n <= 0 {
		return
	}
	RejectionsTotal.WithLabelValues(stream, stage, reason).Add(float64(n))
}

// RecordDuplicates records records skipped by the dedupe gate.
func RecordDuplicates(stream, kind string, n int) {
	if n <= 0 {
		return
	}
	DuplicatesTotal.WithLabelValues(stream, kind).Add(float64(n))
}

// RecordFactsInserted records fact rows inserted for one partition.
func RecordFactsInserted(stream string, n int) {
	if n <= 0 {
		return
	}
	FactsInserted.WithLabelValues(stream).Add(float64(n))
}

// RecordDimensionMutation records one class of dimension write.
func RecordDimensionMutation(dimension, operation string, n int) {
	if n <= 0 {
		return
	}
	DimensionMutations.WithLabelValues(dimension, operation).Add(float64(n))
}

// RecordCommit records a partition commit duration.
func RecordCommit(duration time.Duration) {
	CommitDuration.Observe(duration.Seconds())
}

// RecordCommitRetry records a commit retried after a transient failure.
func RecordCommitRetry(stream string) {
	CommitRetries.WithLabelValues(stream).Inc()
}

// SetWatermark publishes a stream's watermark. The date is YYYY-MM-DD;
// unparseable values are ignored rather than poisoning the gauge.
func SetWatermark(stream, date string) {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return
	}
	WatermarkDate.WithLabelValues(stream).Set(float64(t.Unix() / 86400))
}

// SetBreakerState sets the commit breaker state gauge.
func SetBreakerState(name string, state float64) {
	BreakerState.WithLabelValues(name).Set(state)
}

// RecordBreakerTransition records a breaker state transition.
func RecordBreakerTransition(name, from, to string) {
	BreakerTransitions.WithLabelValues(name, from, to).Inc()
}

// RecordPrefilterProbe records one Bloom prefilter probe.
func RecordPrefilterProbe(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	PrefilterProbes.WithLabelValues(outcome).Inc()
}

// Push sends the default registry to the configured Pushgateway. Best
// effort: failures are logged and swallowed so a run never fails on
// observability plumbing.
func Push(cfg *config.MetricsConfig) {
	if cfg == nil || !cfg.Enabled || cfg.PushgatewayURL == "" {
		return
	}
	job := cfg.JobName
	if job == "" {
		job = "playhouse"
	}
	if err := push.New(cfg.PushgatewayURL, job).Gatherer(prometheus.DefaultGatherer).Push(); err != nil {
		logging.Warn().Err(err).Str("url", cfg.PushgatewayURL).Msg("Failed to push metrics")
		return
	}
	logging.Debug().Str("url", cfg.PushgatewayURL).Str("job", job).Msg("Metrics pushed")
}
