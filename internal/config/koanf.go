// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

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
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/tidewatch/config.yaml",
	"/etc/tidewatch/config.yml",
}

// ConfigPathEnvVar overrides the config file search when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config populated with every default value. These
// are applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MetricsEnabled:  true,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Rules: RulesConfig{
			Path: "",
		},
		Ingest: IngestConfig{
			DedupeCapacity: 100000,
			DedupeWindow:   10 * time.Minute,
			RateLimit:      0, // 0 disables rate limiting
			RateBurst:      0,
		},
		Processor: ProcessorConfig{
			Shards:        4,
			InputQueueLen: 4096,
			ShardQueueLen: 1024,
			Grace:         5 * time.Second,
			FlushInterval: time.Second,
			WatermarkTick: time.Second,
		},
		Store: StoreConfig{
			Path:            "/data/tidewatch.duckdb",
			Retention:       7 * 24 * time.Hour,
			SweepInterval:   time.Hour,
			MaxRetries:      3,
			RetryBackoff:    100 * time.Millisecond,
			RetryBackoffMax: 5 * time.Second,
		},
		WAL: WALConfig{
			Path:       "/data/wal",
			SyncWrites: false,
			Interval:   5 * time.Second,
			Backoff:    time.Second,
			BackoffMax: 5 * time.Minute,
			MaxAge:     24 * time.Hour,
		},
		Bus: BusConfig{
			BufferSize:           1024,
			CloseTimeout:         30 * time.Second,
			RetryMaxRetries:      5,
			RetryInitialInterval: 100 * time.Millisecond,
			RetryMaxInterval:     10 * time.Second,
		},
		Query: QueryConfig{
			DefaultDeadline: 5 * time.Second,
		},
		Alerting: AlertingConfig{
			NotifyRetries:    3,
			NotifyBackoff:    200 * time.Millisecond,
			NotifyBackoffMax: 5 * time.Second,
			Webhook: WebhookConfig{
				Enabled: false,
				URL:     "",
				Timeout: 10 * time.Second,
			},
		},
		Publish: PublishConfig{
			QueueSize: 256,
			Overflow:  "drop_oldest",
		},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "/data/nats/jetstream",
			MaxMemory:      256 << 20, // 256MB
			MaxStore:       4 << 30,   // 4GB
			StreamName:     "TIDEWATCH_EVENTS",
			StreamMaxAge:   7 * 24 * time.Hour,
			StreamMaxBytes: 4 << 30,
			DedupeWindow:   2 * time.Minute,
			BreakerTrips:   5,
			BreakerTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load resolves the configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: struct defaults.
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: optional YAML config file.
	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority).
	// TIDEWATCH_STORE_PATH -> store.path, TIDEWATCH_PROCESSOR_SHARDS -> processor.shards
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
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

// findConfigFile returns the path of the first config file that exists,
// honoring the CONFIG_PATH override, or "" when none is found.
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

// envPrefix is stripped from environment variable names before they are
// mapped onto config paths.
const envPrefix = "TIDEWATCH_"

// envSections are the top-level config sections an env var may address.
// The first underscore after the section name becomes the path separator,
// so TIDEWATCH_STORE_SWEEP_INTERVAL maps to store.sweep_interval.
var envSections = []string{
	"server",
	"rules",
	"ingest",
	"processor",
	"store",
	"wal",
	"bus",
	"query",
	"alerting",
	"publish",
	"nats",
	"logging",
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unrecognized variables return "" and are skipped, which keeps unrelated
// environment noise out of the config.
func envTransformFunc(key string) string {
	if !strings.HasPrefix(key, envPrefix) {
		return ""
	}
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	// Nested webhook keys need an extra separator.
	if rest, ok := strings.CutPrefix(key, "alerting_webhook_"); ok {
		return "alerting.webhook." + rest
	}

	for _, section := range envSections {
		if rest, ok := strings.CutPrefix(key, section+"_"); ok {
			return section + "." + rest
		}
	}
	return ""
}
