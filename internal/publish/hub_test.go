// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package publish

import (
	"testing"
	"time"

	"github.com/tidewatch/tidewatch/internal/models"
)

func aggregateFor(ruleID string, value float64) models.AggregateResult {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.AggregateResult{
		RuleID:      ruleID,
		WindowStart: start,
		WindowEnd:   start.Add(time.Minute),
		Value:       value,
	}
}

func TestHubDeliversToSubscriber(t *testing.T) {
	h := NewHub(DefaultConfig())
	sub := h.Subscribe(Filter{})
	defer sub.Close()

	h.PublishAggregate(aggregateFor("agg-1", 10))

	select {
	case msg := <-sub.C:
		if msg.Kind != KindAggregate || msg.Aggregate.RuleID != "agg-1" {
			t.Errorf("got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
}

func TestHubFilterByRule(t *testing.T) {
	h := NewHub(DefaultConfig())
	sub := h.Subscribe(Filter{RuleIDs: []string{"agg-1"}})
	defer sub.Close()

	h.PublishAggregate(aggregateFor("agg-2", 1))
	h.PublishAggregate(aggregateFor("agg-1", 2))

	select {
	case msg := <-sub.C:
		if msg.Aggregate.RuleID != "agg-1" {
			t.Errorf("filter leaked rule %s", msg.Aggregate.RuleID)
		}
	case <-time.After(time.Second):
		t.Fatal("matching message never delivered")
	}
	select {
	case msg := <-sub.C:
		t.Errorf("unexpected second message: %+v", msg)
	default:
	}
}

func TestHubFilterByKind(t *testing.T) {
	h := NewHub(DefaultConfig())
	sub := h.Subscribe(Filter{Kinds: []MessageKind{KindTransition}})
	defer sub.Close()

	h.PublishAggregate(aggregateFor("agg-1", 1))
	h.PublishTransition(models.AlertTransition{AlertRuleID: "al-1", To: models.AlertFiring})

	select {
	case msg := <-sub.C:
		if msg.Kind != KindTransition {
			t.Errorf("kind filter leaked %s", msg.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("transition never delivered")
	}
}

func TestHubDropOldestUnderBackpressure(t *testing.T) {
	h := NewHub(Config{QueueSize: 2, Overflow: DropOldest})
	sub := h.Subscribe(Filter{})
	defer sub.Close()

	for i := 0; i < 5; i++ {
		h.PublishAggregate(aggregateFor("agg-1", float64(i)))
	}

	// The queue holds the newest two messages; the oldest three were
	// evicted.
	var got []float64
	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub.C:
			got = append(got, msg.Aggregate.Value)
		case <-time.After(time.Second):
			t.Fatalf("queue delivered only %d messages", len(got))
		}
	}
	if got[0] != 3 || got[1] != 4 {
		t.Errorf("kept %v, want the newest [3 4]", got)
	}
	if h.Stats().Dropped != 3 {
		t.Errorf("dropped = %d, want 3", h.Stats().Dropped)
	}
}

func TestHubDisconnectPolicy(t *testing.T) {
	h := NewHub(Config{QueueSize: 1, Overflow: Disconnect})
	sub := h.Subscribe(Filter{})

	h.PublishAggregate(aggregateFor("agg-1", 1))
	h.PublishAggregate(aggregateFor("agg-1", 2)) // overflows, disconnects

	if h.SubscriberCount() != 0 {
		t.Errorf("subscriber still registered after disconnect")
	}

	// The channel drains its last message and then reports closure.
	<-sub.C
	if _, ok := <-sub.C; ok {
		t.Error("channel not closed after disconnect")
	}
}

func TestHubSlowSubscriberDoesNotAffectPeers(t *testing.T) {
	h := NewHub(Config{QueueSize: 1, Overflow: DropOldest})
	slow := h.Subscribe(Filter{})
	defer slow.Close()
	fast := h.Subscribe(Filter{})
	defer fast.Close()

	h.PublishAggregate(aggregateFor("agg-1", 1))
	h.PublishAggregate(aggregateFor("agg-1", 2))

	// The fast subscriber drains promptly and still sees the newest
	// message even though the slow one overflowed.
	var seen []float64
	for i := 0; i < 1; i++ {
		select {
		case msg := <-fast.C:
			seen = append(seen, msg.Aggregate.Value)
		case <-time.After(time.Second):
			t.Fatal("fast subscriber starved")
		}
	}
	if len(seen) == 0 {
		t.Fatal("fast subscriber received nothing")
	}
}

func TestHubCloseIsIdempotent(t *testing.T) {
	h := NewHub(DefaultConfig())
	sub := h.Subscribe(Filter{})
	sub.Close()
	sub.Close()
	if h.SubscriberCount() != 0 {
		t.Error("subscriber survived close")
	}
}

func TestHubManySubscribers(t *testing.T) {
	h := NewHub(DefaultConfig())
	var subs []*Subscription
	for i := 0; i < 10; i++ {
		subs = append(subs, h.Subscribe(Filter{}))
	}
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()

	h.PublishTransition(models.AlertTransition{AlertRuleID: "al-1", To: models.AlertFiring})

	for i, s := range subs {
		select {
		case msg := <-s.C:
			if msg.Kind != KindTransition {
				t.Errorf("subscriber %d got %s", i, msg.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the transition", i)
		}
	}
}
