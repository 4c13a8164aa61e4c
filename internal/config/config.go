// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package config defines the Tidewatch configuration model and its layered
// loader. Values are resolved in three layers with later layers winning:
// built-in defaults, an optional YAML file, and environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the Tidewatch server.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Rules     RulesConfig     `koanf:"rules"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Processor ProcessorConfig `koanf:"processor"`
	Store     StoreConfig     `koanf:"store"`
	WAL       WALConfig       `koanf:"wal"`
	Bus       BusConfig       `koanf:"bus"`
	Query     QueryConfig     `koanf:"query"`
	Alerting  AlertingConfig  `koanf:"alerting"`
	Publish   PublishConfig   `koanf:"publish"`
	NATS      NATSConfig      `koanf:"nats"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings for the API and metrics
// endpoints.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// RulesConfig points at the JSON file the rule registry is seeded from at
// startup. Empty means start with no rules.
type RulesConfig struct {
	Path string `koanf:"path"`
}

// IngestConfig controls the ingestion gateway.
type IngestConfig struct {
	DedupeCapacity int           `koanf:"dedupe_capacity"`
	DedupeWindow   time.Duration `koanf:"dedupe_window"`
	RateLimit      float64       `koanf:"rate_limit"`
	RateBurst      int           `koanf:"rate_burst"`
}

// ProcessorConfig controls the sharded stream processor.
type ProcessorConfig struct {
	Shards        int           `koanf:"shards"`
	InputQueueLen int           `koanf:"input_queue_len"`
	ShardQueueLen int           `koanf:"shard_queue_len"`
	Grace         time.Duration `koanf:"grace"`
	FlushInterval time.Duration `koanf:"flush_interval"`
	WatermarkTick time.Duration `koanf:"watermark_tick"`
}

// StoreConfig controls the DuckDB time-series store.
type StoreConfig struct {
	Path            string        `koanf:"path"`
	Retention       time.Duration `koanf:"retention"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
	MaxRetries      int           `koanf:"max_retries"`
	RetryBackoff    time.Duration `koanf:"retry_backoff"`
	RetryBackoffMax time.Duration `koanf:"retry_backoff_max"`
}

// WALConfig controls the BadgerDB parking queue for aggregates that could
// not be delivered to the store.
type WALConfig struct {
	Path       string        `koanf:"path"`
	SyncWrites bool          `koanf:"sync_writes"`
	Interval   time.Duration `koanf:"interval"`
	Backoff    time.Duration `koanf:"backoff"`
	BackoffMax time.Duration `koanf:"backoff_max"`
	MaxAge     time.Duration `koanf:"max_age"`
}

// BusConfig controls the in-process Watermill message bus.
type BusConfig struct {
	BufferSize           int           `koanf:"buffer_size"`
	CloseTimeout         time.Duration `koanf:"close_timeout"`
	RetryMaxRetries      int           `koanf:"retry_max_retries"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `koanf:"retry_max_interval"`
}

// QueryConfig controls the query engine.
type QueryConfig struct {
	DefaultDeadline time.Duration `koanf:"default_deadline"`
}

// AlertingConfig controls alert evaluation and notification delivery.
type AlertingConfig struct {
	NotifyRetries    int           `koanf:"notify_retries"`
	NotifyBackoff    time.Duration `koanf:"notify_backoff"`
	NotifyBackoffMax time.Duration `koanf:"notify_backoff_max"`
	Webhook          WebhookConfig `koanf:"webhook"`
}

// WebhookConfig configures the optional webhook notifier.
type WebhookConfig struct {
	Enabled bool              `koanf:"enabled"`
	URL     string            `koanf:"url"`
	Headers map[string]string `koanf:"headers"`
	Timeout time.Duration     `koanf:"timeout"`
}

// PublishConfig controls the real-time subscriber hub.
type PublishConfig struct {
	QueueSize int    `koanf:"queue_size"`
	Overflow  string `koanf:"overflow"` // "drop_oldest" or "disconnect"
}

// NATSConfig controls the optional JetStream event mirror.
type NATSConfig struct {
	Enabled        bool          `koanf:"enabled"`
	URL            string        `koanf:"url"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	StoreDir       string        `koanf:"store_dir"`
	MaxMemory      int64         `koanf:"max_memory"`
	MaxStore       int64         `koanf:"max_store"`
	StreamName     string        `koanf:"stream_name"`
	StreamMaxAge   time.Duration `koanf:"stream_max_age"`
	StreamMaxBytes int64         `koanf:"stream_max_bytes"`
	DedupeWindow   time.Duration `koanf:"dedupe_window"`
	BreakerTrips   uint32        `koanf:"breaker_trips"`
	BreakerTimeout time.Duration `koanf:"breaker_timeout"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for values that would leave the server
// in a broken state. It returns the first problem found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Ingest.DedupeCapacity < 1 {
		return fmt.Errorf("ingest.dedupe_capacity must be positive, got %d", c.Ingest.DedupeCapacity)
	}
	if c.Ingest.DedupeWindow <= 0 {
		return fmt.Errorf("ingest.dedupe_window must be positive, got %s", c.Ingest.DedupeWindow)
	}
	if c.Processor.Shards < 1 {
		return fmt.Errorf("processor.shards must be positive, got %d", c.Processor.Shards)
	}
	if c.Processor.Grace < 0 {
		return fmt.Errorf("processor.grace must not be negative, got %s", c.Processor.Grace)
	}
	if c.Processor.FlushInterval <= 0 {
		return fmt.Errorf("processor.flush_interval must be positive, got %s", c.Processor.FlushInterval)
	}
	if c.Store.Retention <= 0 {
		return fmt.Errorf("store.retention must be positive, got %s", c.Store.Retention)
	}
	if c.Store.SweepInterval <= 0 {
		return fmt.Errorf("store.sweep_interval must be positive, got %s", c.Store.SweepInterval)
	}
	if c.Query.DefaultDeadline <= 0 {
		return fmt.Errorf("query.default_deadline must be positive, got %s", c.Query.DefaultDeadline)
	}
	switch c.Publish.Overflow {
	case "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("publish.overflow must be %q or %q, got %q", "drop_oldest", "disconnect", c.Publish.Overflow)
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url is required when the webhook notifier is enabled")
	}
	if c.NATS.Enabled {
		if !c.NATS.EmbeddedServer && c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required when nats is enabled without the embedded server")
		}
		if c.NATS.EmbeddedServer && c.NATS.StoreDir == "" {
			return fmt.Errorf("nats.store_dir is required when the embedded server is enabled")
		}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be %q or %q, got %q", "json", "console", c.Logging.Format)
	}
	return nil
}
