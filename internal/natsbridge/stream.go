// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package natsbridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tidewatch/tidewatch/internal/logging"
)

// StreamConfig describes the raw-event stream.
type StreamConfig struct {
	Name      string        `json:"name"`
	Subjects  []string      `json:"subjects"`
	MaxAge    time.Duration `json:"max_age"`
	MaxBytes  int64         `json:"max_bytes"`
	Replicas  int           `json:"replicas"`
	DedupeWin time.Duration `json:"dedupe_window"`
}

// DefaultStreamConfig returns stream defaults matching the ingest
// retention horizon.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:      "TIDEWATCH_EVENTS",
		Subjects:  []string{"events.>"},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  4 * 1024 * 1024 * 1024,
		Replicas:  1,
		DedupeWin: 2 * time.Minute,
	}
}

// EnsureStream creates or updates the JetStream stream so publishes have
// somewhere durable to land before the first message arrives.
func EnsureStream(ctx context.Context, conn *natsgo.Conn, cfg StreamConfig) error {
	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("creating jetstream context: %w", err)
	}

	streamCfg := jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.DedupeWin,
		Description: "Tidewatch raw event sourcing stream",
	}

	_, err = js.Stream(ctx, cfg.Name)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if _, err := js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("creating stream %s: %w", cfg.Name, err)
		}
		logging.Info().Str("stream", cfg.Name).Msg("Created JetStream event stream")
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up stream %s: %w", cfg.Name, err)
	}

	if _, err := js.UpdateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("updating stream %s: %w", cfg.Name, err)
	}
	return nil
}
