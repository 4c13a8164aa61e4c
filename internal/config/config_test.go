// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Ingest.DedupeCapacity != 100000 {
		t.Errorf("Ingest.DedupeCapacity = %d, want 100000", cfg.Ingest.DedupeCapacity)
	}
	if cfg.Ingest.DedupeWindow != 10*time.Minute {
		t.Errorf("Ingest.DedupeWindow = %v, want 10m", cfg.Ingest.DedupeWindow)
	}
	if cfg.Processor.Shards != 4 {
		t.Errorf("Processor.Shards = %d, want 4", cfg.Processor.Shards)
	}
	if cfg.Processor.Grace != 5*time.Second {
		t.Errorf("Processor.Grace = %v, want 5s", cfg.Processor.Grace)
	}
	if cfg.Store.Retention != 7*24*time.Hour {
		t.Errorf("Store.Retention = %v, want 168h", cfg.Store.Retention)
	}
	if cfg.WAL.MaxAge != 24*time.Hour {
		t.Errorf("WAL.MaxAge = %v, want 24h", cfg.WAL.MaxAge)
	}
	if cfg.Publish.Overflow != "drop_oldest" {
		t.Errorf("Publish.Overflow = %q, want drop_oldest", cfg.Publish.Overflow)
	}
	if cfg.NATS.Enabled {
		t.Error("NATS.Enabled should be false by default")
	}
	if cfg.NATS.StreamName != "TIDEWATCH_EVENTS" {
		t.Errorf("NATS.StreamName = %q, want TIDEWATCH_EVENTS", cfg.NATS.StreamName)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging defaults = %q/%q, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoadDefaultsOnly(t *testing.T) {
	// Run from an empty directory so no stray config.yaml is picked up.
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Processor.Shards != 4 {
		t.Errorf("Processor.Shards = %d, want default 4", cfg.Processor.Shards)
	}
	if cfg.Query.DefaultDeadline != 5*time.Second {
		t.Errorf("Query.DefaultDeadline = %v, want 5s", cfg.Query.DefaultDeadline)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
processor:
  shards: 8
  grace: 30s
store:
  path: /tmp/test.duckdb
publish:
  overflow: disconnect
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Processor.Shards != 8 {
		t.Errorf("Processor.Shards = %d, want 8 from file", cfg.Processor.Shards)
	}
	if cfg.Processor.Grace != 30*time.Second {
		t.Errorf("Processor.Grace = %v, want 30s from file", cfg.Processor.Grace)
	}
	if cfg.Store.Path != "/tmp/test.duckdb" {
		t.Errorf("Store.Path = %q, want /tmp/test.duckdb", cfg.Store.Path)
	}
	if cfg.Publish.Overflow != "disconnect" {
		t.Errorf("Publish.Overflow = %q, want disconnect", cfg.Publish.Overflow)
	}
	// Untouched sections keep their defaults.
	if cfg.Bus.BufferSize != 1024 {
		t.Errorf("Bus.BufferSize = %d, want default 1024", cfg.Bus.BufferSize)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("processor:\n  shards: 8\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("TIDEWATCH_PROCESSOR_SHARDS", "16")
	t.Setenv("TIDEWATCH_LOGGING_LEVEL", "debug")
	t.Setenv("TIDEWATCH_ALERTING_WEBHOOK_ENABLED", "true")
	t.Setenv("TIDEWATCH_ALERTING_WEBHOOK_URL", "https://hooks.example.com/tw")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Processor.Shards != 16 {
		t.Errorf("Processor.Shards = %d, want 16 from env", cfg.Processor.Shards)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug from env", cfg.Logging.Level)
	}
	if !cfg.Alerting.Webhook.Enabled || cfg.Alerting.Webhook.URL != "https://hooks.example.com/tw" {
		t.Errorf("webhook env override not applied: %+v", cfg.Alerting.Webhook)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"TIDEWATCH_STORE_PATH", "store.path"},
		{"TIDEWATCH_STORE_SWEEP_INTERVAL", "store.sweep_interval"},
		{"TIDEWATCH_PROCESSOR_INPUT_QUEUE_LEN", "processor.input_queue_len"},
		{"TIDEWATCH_ALERTING_WEBHOOK_URL", "alerting.webhook.url"},
		{"TIDEWATCH_NATS_EMBEDDED_SERVER", "nats.embedded_server"},
		{"TIDEWATCH_LOGGING_FORMAT", "logging.format"},
		{"PATH", ""},
		{"HOME", ""},
		{"TIDEWATCH_UNKNOWN_SECTION", ""},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.in); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"zero dedupe capacity", func(c *Config) { c.Ingest.DedupeCapacity = 0 }},
		{"negative grace", func(c *Config) { c.Processor.Grace = -time.Second }},
		{"zero shards", func(c *Config) { c.Processor.Shards = 0 }},
		{"zero retention", func(c *Config) { c.Store.Retention = 0 }},
		{"bad overflow policy", func(c *Config) { c.Publish.Overflow = "block" }},
		{"webhook without url", func(c *Config) { c.Alerting.Webhook.Enabled = true; c.Alerting.Webhook.URL = "" }},
		{"remote nats without url", func(c *Config) { c.NATS.Enabled = true; c.NATS.EmbeddedServer = false; c.NATS.URL = "" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should have failed")
			}
		})
	}
}
