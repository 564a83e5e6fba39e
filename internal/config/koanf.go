// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/groovelab/playhouse/internal/registry"
	"github.com/groovelab/playhouse/internal/validation"
)

// DefaultConfigPaths lists where a config file is searched, in priority
// order. The first file found wins.
var DefaultConfigPaths = []string{
	"playhouse.yaml",
	"playhouse.yml",
	"/etc/playhouse/config.yaml",
	"/etc/playhouse/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "PLAYHOUSE_CONFIG"

// envPrefix scopes environment overrides to this program.
const envPrefix = "PLAYHOUSE_"

// defaultConfig returns the built-in defaults. Rule values default to zero
// here: the registry owns those defaults and a zero passes through to it.
func defaultConfig() *Config {
	return &Config{
		Lake: LakeConfig{
			Root:    "/data/lake",
			Streams: nil,
		},
		Warehouse: WarehouseConfig{
			Path:         "/data/playhouse.duckdb",
			MaxMemory:    "2GB",
			Threads:      0, // 0 = use runtime.NumCPU()
			ReadOnly:     false,
			RetentionAge: 90 * 24 * time.Hour,
		},
		Rules: RulesConfig{},
		Pipeline: PipelineConfig{
			Workers:       0, // 0 = use runtime.NumCPU()
			SchemaVersion: 0, // infer per batch
			CommitTimeout: 2 * time.Minute,
			Retry: RetryConfig{
				MaxRetries:        4,
				InitialBackoff:    500 * time.Millisecond,
				MaxBackoff:        30 * time.Second,
				BackoffMultiplier: 2.0,
				JitterFraction:    0.2,
			},
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Enabled: true,
			Dir:     "/data/checkpoints",
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			PushgatewayURL: "",
			JobName:        "playhouse",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "json",
			Caller:    false,
			Timestamp: true,
		},
	}
}

// Load builds the Config from defaults, an optional YAML file and
// PLAYHOUSE_* environment variables, then validates it. configPath, when
// non-empty, names the file explicitly (the -config flag); otherwise the
// well-known paths are searched.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	path := configPath
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// PLAYHOUSE_WAREHOUSE__MAX_MEMORY -> warehouse.max_memory
	envProvider := env.Provider(envPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the loaded configuration: struct tags first, then the
// cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}

	if c.Pipeline.Retry.MaxBackoff < c.Pipeline.Retry.InitialBackoff {
		return fmt.Errorf("pipeline.retry.max_backoff %v is below initial_backoff %v",
			c.Pipeline.Retry.MaxBackoff, c.Pipeline.Retry.InitialBackoff)
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Dir == "" {
		return fmt.Errorf("checkpoint.dir is required when checkpoint.enabled is true")
	}
	for name, stats := range c.Rules.ReferenceStats {
		if stats.Max <= stats.Min {
			return fmt.Errorf("rules.reference_stats.%s: max %v must exceed min %v", name, stats.Max, stats.Min)
		}
	}
	return nil
}

// RegistryParams converts the rules overrides into registry inputs.
func (c *Config) RegistryParams() registry.Params {
	p := registry.Params{
		NullRateThreshold: c.Rules.NullRateThreshold,
		DedupWindow:       c.Rules.DedupWindow,
		SessionIdleGap:    c.Rules.SessionIdleGap,
		MoodBoundary:      c.Rules.MoodBoundary,
		MaxFutureSkew:     c.Rules.MaxFutureSkew,
	}
	if len(c.Rules.ReferenceStats) > 0 {
		p.StatsOverrides = make(map[string]registry.ReferenceStats, len(c.Rules.ReferenceStats))
		for name, s := range c.Rules.ReferenceStats {
			p.StatsOverrides[name] = registry.ReferenceStats{
				Min:    s.Min,
				Max:    s.Max,
				Mean:   s.Mean,
				StdDev: s.StdDev,
			}
		}
	}
	return p
}

// findConfigFile searches the well-known locations, environment override
// first. Returns empty when no file exists.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists paths parsed as comma-separated slices when they
// arrive as env var strings.
var sliceConfigPaths = []string{
	"lake.streams",
}

// processSliceFields converts comma-separated strings to slices for known
// slice fields. Env vars land as strings; YAML lists pass through.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps PLAYHOUSE_* variable names to config paths. Double
// underscores separate sections, single underscores stay inside leaf names:
//
//	PLAYHOUSE_LAKE__ROOT                 -> lake.root
//	PLAYHOUSE_WAREHOUSE__MAX_MEMORY      -> warehouse.max_memory
//	PLAYHOUSE_PIPELINE__RETRY__MAX_RETRIES -> pipeline.retry.max_retries
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	if key == "config" {
		// PLAYHOUSE_CONFIG names the file, it is not a config value.
		return ""
	}
	return strings.ReplaceAll(key, "__", ".")
}
