// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package natsbridge mirrors accepted events onto NATS JetStream so
// external consumers can tap the raw stream. The bridge is optional; the
// pipeline runs unchanged without it.
package natsbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/tidewatch/tidewatch/internal/logging"
)

// ServerConfig configures the embedded NATS server.
type ServerConfig struct {
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	StoreDir          string        `json:"store_dir"`
	JetStreamMaxMem   int64         `json:"jetstream_max_mem"`
	JetStreamMaxStore int64         `json:"jetstream_max_store"`
	StartupTimeout    time.Duration `json:"startup_timeout"`
}

// DefaultServerConfig returns embedded server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "127.0.0.1",
		Port:              4222,
		StoreDir:          "nats-data",
		JetStreamMaxMem:   256 * 1024 * 1024,
		JetStreamMaxStore: 4 * 1024 * 1024 * 1024,
		StartupTimeout:    30 * time.Second,
	}
}

// EmbeddedServer is a self-contained JetStream instance for single-node
// deployments without an external NATS cluster.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
}

// NewEmbeddedServer creates and starts the server, waiting until it
// accepts connections.
func NewEmbeddedServer(cfg ServerConfig) (*EmbeddedServer, error) {
	timeout := cfg.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultServerConfig().StartupTimeout
	}
	opts := &server.Options{
		ServerName:         "tidewatch-events",
		Host:               cfg.Host,
		Port:               cfg.Port,
		JetStream:          true,
		StoreDir:           cfg.StoreDir,
		JetStreamMaxMemory: cfg.JetStreamMaxMem,
		JetStreamMaxStore:  cfg.JetStreamMaxStore,
		MaxPayload:         1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating embedded NATS server: %w", err)
	}
	ns.ConfigureLogger()

	go ns.Start()
	if !ns.ReadyForConnections(timeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready within %v", timeout)
	}

	logging.Info().Str("url", ns.ClientURL()).Msg("Embedded NATS server ready")
	return &EmbeddedServer{server: ns, clientURL: ns.ClientURL()}, nil
}

// ClientURL returns the connection URL for clients.
func (s *EmbeddedServer) ClientURL() string {
	return s.clientURL
}

// Shutdown stops the server, waiting for completion or context expiry.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.server.Shutdown()
		s.server.WaitForShutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("NATS shutdown interrupted: %w", ctx.Err())
	}
}
