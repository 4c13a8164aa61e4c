// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package bus carries finalized aggregates and alert transitions between
// pipeline stages over an in-process watermill pub/sub, decoupling the
// stream processor from the store, the alert engine, and the publisher.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tidewatch/tidewatch/internal/logging"
	"github.com/tidewatch/tidewatch/internal/models"
)

const (
	// TopicAggregates carries finalized window aggregates.
	TopicAggregates = "aggregates.finalized"

	// TopicAlerts carries alert state-machine transitions.
	TopicAlerts = "alerts.transitions"
)

// Config tunes the bus's buffering and delivery retry behavior.
type Config struct {
	// BufferSize is the per-topic channel buffer between the processor
	// and the slowest subscriber.
	BufferSize int64

	// CloseTimeout bounds how long handlers may run during shutdown.
	CloseTimeout time.Duration

	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// DefaultConfig returns bus defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:           1024,
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      5,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     10 * time.Second,
	}
}

// Bus owns the in-process pub/sub and the router its consumers run on.
// It satisfies the processor's Emitter contract on the publish side.
type Bus struct {
	pubsub *gochannel.GoChannel
	router *message.Router
	logger watermill.LoggerAdapter
}

// New builds the bus and its router with recovery and retry middleware.
func New(cfg Config) (*Bus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	logger := NewLoggerAdapter()
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: cfg.BufferSize,
	}, logger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}

	router.AddMiddleware(
		middleware.Recoverer,
		middleware.CorrelationID,
		middleware.Retry{
			MaxRetries:      cfg.RetryMaxRetries,
			InitialInterval: cfg.RetryInitialInterval,
			MaxInterval:     cfg.RetryMaxInterval,
			Multiplier:      2.0,
			Logger:          logger,
		}.Middleware,
	)

	return &Bus{pubsub: pubsub, router: router, logger: logger}, nil
}

// EmitAggregate publishes a finalized aggregate. Failures are logged and
// dropped rather than propagated: the store consumer has its own durable
// retry path, and blocking the flush path would stall the shard.
func (b *Bus) EmitAggregate(res models.AggregateResult) {
	if err := b.publishJSON(TopicAggregates, res); err != nil {
		logging.Error().Err(err).
			Str("rule_id", res.RuleID).
			Msg("Failed to publish finalized aggregate")
	}
}

// EmitTransition publishes an alert state-machine transition.
func (b *Bus) EmitTransition(tr models.AlertTransition) {
	if err := b.publishJSON(TopicAlerts, tr); err != nil {
		logging.Error().Err(err).
			Str("alert_rule_id", tr.AlertRuleID).
			Msg("Failed to publish alert transition")
	}
}

func (b *Bus) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	return b.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

// AggregateHandler consumes one finalized aggregate. A returned error
// triggers the router's retry middleware; persistent failure drops the
// message after the retry budget.
type AggregateHandler func(ctx context.Context, res models.AggregateResult) error

// TransitionHandler consumes one alert transition.
type TransitionHandler func(ctx context.Context, tr models.AlertTransition) error

// OnAggregate registers a named consumer of finalized aggregates. All
// registrations must happen before Serve.
func (b *Bus) OnAggregate(name string, h AggregateHandler) {
	b.router.AddNoPublisherHandler(name, TopicAggregates, b.pubsub, func(msg *message.Message) error {
		var res models.AggregateResult
		if err := json.Unmarshal(msg.Payload, &res); err != nil {
			logging.Error().Err(err).Str("handler", name).Msg("Dropping undecodable aggregate message")
			return nil
		}
		return h(msg.Context(), res)
	})
}

// OnTransition registers a named consumer of alert transitions.
func (b *Bus) OnTransition(name string, h TransitionHandler) {
	b.router.AddNoPublisherHandler(name, TopicAlerts, b.pubsub, func(msg *message.Message) error {
		var tr models.AlertTransition
		if err := json.Unmarshal(msg.Payload, &tr); err != nil {
			logging.Error().Err(err).Str("handler", name).Msg("Dropping undecodable transition message")
			return nil
		}
		return h(msg.Context(), tr)
	})
}

// Serve runs the router until the context ends, then closes the pub/sub.
func (b *Bus) Serve(ctx context.Context) error {
	logging.Info().Msg("Message bus starting")
	err := b.router.Run(ctx)
	if cerr := b.pubsub.Close(); cerr != nil {
		logging.Error().Err(cerr).Msg("Closing pubsub")
	}
	logging.Info().Msg("Message bus stopped")
	if err != nil {
		return err
	}
	return ctx.Err()
}

// Running returns a channel closed once the router is running. Publishes
// before that point are delivered only to already-open subscriptions.
func (b *Bus) Running() <-chan struct{} {
	return b.router.Running()
}
