// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package publish fans finalized aggregates and alert transitions out to
// in-process subscribers, each isolated behind its own bounded queue so a
// slow consumer cannot stall the pipeline or its peers.
package publish

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tidewatch/tidewatch/internal/logging"
	"github.com/tidewatch/tidewatch/internal/metrics"
	"github.com/tidewatch/tidewatch/internal/models"
)

// MessageKind distinguishes the two published payload types.
type MessageKind string

const (
	KindAggregate  MessageKind = "aggregate"
	KindTransition MessageKind = "alert_transition"
)

// Message is one item delivered to a subscriber.
type Message struct {
	Kind       MessageKind             `json:"kind"`
	Aggregate  *models.AggregateResult `json:"aggregate,omitempty"`
	Transition *models.AlertTransition `json:"transition,omitempty"`
}

// OverflowPolicy selects what happens when a subscriber's queue is full.
type OverflowPolicy string

const (
	// DropOldest evicts the oldest queued message to admit the new one.
	DropOldest OverflowPolicy = "drop_oldest"

	// Disconnect closes the subscriber instead.
	Disconnect OverflowPolicy = "disconnect"
)

// Config tunes subscriber queues.
type Config struct {
	// QueueSize bounds each subscriber's queue.
	QueueSize int

	// Overflow is the full-queue policy.
	Overflow OverflowPolicy
}

// DefaultConfig returns publisher defaults.
func DefaultConfig() Config {
	return Config{QueueSize: 256, Overflow: DropOldest}
}

// Subscription is one consumer's handle. Receive from C until it is
// closed; call Close to unsubscribe.
type Subscription struct {
	id string

	// C delivers messages. Closed on Close or on disconnect overflow.
	C <-chan Message

	ch     chan Message
	hub    *Hub
	closed bool // guarded by hub.mu
}

// ID returns the subscription's identifier.
func (s *Subscription) ID() string { return s.id }

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Filter restricts what a subscriber receives. Zero value receives
// everything.
type Filter struct {
	// RuleIDs limits aggregates to these aggregation rules.
	RuleIDs []string

	// AlertRuleIDs limits transitions to these alert rules.
	AlertRuleIDs []string

	// Kinds limits payload types. Empty means both.
	Kinds []MessageKind
}

func (f *Filter) wants(msg Message) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, msg.Kind) {
		return false
	}
	switch msg.Kind {
	case KindAggregate:
		return len(f.RuleIDs) == 0 || containsString(f.RuleIDs, msg.Aggregate.RuleID)
	case KindTransition:
		return len(f.AlertRuleIDs) == 0 || containsString(f.AlertRuleIDs, msg.Transition.AlertRuleID)
	}
	return false
}

// Hub is the fan-out point. Publishing never blocks: per-subscriber
// overflow is resolved by the configured policy.
type Hub struct {
	cfg Config

	mu      sync.RWMutex
	subs    map[string]*subscriber
	dropped int64
}

type subscriber struct {
	sub    *Subscription
	filter Filter
}

// NewHub builds a hub.
func NewHub(cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Overflow == "" {
		cfg.Overflow = DropOldest
	}
	return &Hub{cfg: cfg, subs: make(map[string]*subscriber)}
}

// Subscribe registers a consumer with the given filter.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	ch := make(chan Message, h.cfg.QueueSize)
	sub := &Subscription{
		id:  uuid.New().String(),
		C:   ch,
		ch:  ch,
		hub: h,
	}
	h.mu.Lock()
	h.subs[sub.id] = &subscriber{sub: sub, filter: filter}
	h.mu.Unlock()
	metrics.PublisherSubscribers.Inc()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub.id)
	close(sub.ch)
	metrics.PublisherSubscribers.Dec()
}

// PublishAggregate fans one finalized aggregate out to matching
// subscribers.
func (h *Hub) PublishAggregate(res models.AggregateResult) {
	h.publish(Message{Kind: KindAggregate, Aggregate: &res})
}

// PublishTransition fans one alert transition out to matching
// subscribers.
func (h *Hub) PublishTransition(tr models.AlertTransition) {
	h.publish(Message{Kind: KindTransition, Transition: &tr})
}

func (h *Hub) publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if !s.filter.wants(msg) {
			continue
		}
		select {
		case s.sub.ch <- msg:
			continue
		default:
		}

		switch h.cfg.Overflow {
		case Disconnect:
			logging.Warn().
				Str("subscriber", s.sub.id).
				Msg("Subscriber queue full, disconnecting")
			metrics.PublisherDropped.WithLabelValues(string(Disconnect)).Inc()
			h.removeLocked(s.sub)
		default:
			// Evict the oldest entry, then deliver. The queue cannot be
			// drained concurrently enough to block here because the
			// eviction freed a slot under the hub lock.
			select {
			case <-s.sub.ch:
				h.dropped++
				metrics.PublisherDropped.WithLabelValues(string(DropOldest)).Inc()
			default:
			}
			select {
			case s.sub.ch <- msg:
			default:
			}
		}
	}
}

// SubscriberCount reports active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats is a point-in-time snapshot of hub activity.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns the hub's counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Subscribers: len(h.subs), Dropped: h.dropped}
}

// HandleAggregate adapts the hub to the bus's aggregate consumer shape.
func (h *Hub) HandleAggregate(_ context.Context, res models.AggregateResult) error {
	h.PublishAggregate(res)
	return nil
}

// HandleTransition adapts the hub to the bus's transition consumer shape.
func (h *Hub) HandleTransition(_ context.Context, tr models.AlertTransition) error {
	h.PublishTransition(tr)
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsKind(list []MessageKind, v MessageKind) bool {
	for _, k := range list {
		if k == v {
			return true
		}
	}
	return false
}
