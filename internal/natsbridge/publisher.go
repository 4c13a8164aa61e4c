// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package natsbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tidewatch/tidewatch/internal/event"
	"github.com/tidewatch/tidewatch/internal/logging"
	"github.com/tidewatch/tidewatch/internal/metrics"
)

// SubjectRawEvents is where accepted events are mirrored.
const SubjectRawEvents = "events.raw"

// PublisherConfig configures the JetStream publisher.
type PublisherConfig struct {
	URL             string        `json:"url"`
	MaxReconnects   int           `json:"max_reconnects"`
	ReconnectWait   time.Duration `json:"reconnect_wait"`
	BreakerFailures uint32        `json:"breaker_failures"`
	BreakerTimeout  time.Duration `json:"breaker_timeout"`
}

// DefaultPublisherConfig returns publisher defaults.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		URL:             natsgo.DefaultURL,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Publisher mirrors accepted events to JetStream behind a circuit
// breaker, so a broker outage degrades to dropped mirrors instead of
// piling up blocked publishes.
type Publisher struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[any]

	mu     sync.Mutex
	closed bool
}

// NewPublisher connects to NATS and builds the publisher.
func NewPublisher(cfg PublisherConfig, logger watermill.LoggerAdapter) (*Publisher, error) {
	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating NATS publisher: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "nats-publish",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})

	return &Publisher{publisher: pub, breaker: breaker}, nil
}

// PublishEvent mirrors one accepted event. The event identifier doubles
// as the Nats-Msg-Id so broker-side deduplication matches the gateway's.
func (p *Publisher) PublishEvent(_ context.Context, e *event.Event) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.Unlock()

	data, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("serializing event %s: %w", e.ID, err)
	}
	msg := message.NewMessage(e.ID, data)
	msg.Metadata.Set(natsgo.MsgIdHdr, e.ID)
	msg.Metadata.Set("event_type", e.Type)
	msg.Metadata.Set("source", e.Source)

	_, err = p.breaker.Execute(func() (any, error) {
		return nil, p.publisher.Publish(SubjectRawEvents, msg)
	})
	if err != nil {
		metrics.NATSPublishFailures.Inc()
		return err
	}
	metrics.NATSPublishes.Inc()
	return nil
}

// BreakerState reports the breaker state for the stats surface.
func (p *Publisher) BreakerState() string {
	return p.breaker.State().String()
}

// Close shuts the publisher down. Safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
