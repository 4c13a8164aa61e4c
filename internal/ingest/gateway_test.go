// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tidewatch/tidewatch/internal/event"
	"github.com/tidewatch/tidewatch/internal/models"
)

type fakeRaw struct {
	appended []string
	err      error
}

func (f *fakeRaw) AppendRaw(_ context.Context, e *event.Event) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, e.ID)
	return nil
}

type fakeSink struct {
	capacity int
	offered  []string
}

func (f *fakeSink) Offer(e *event.Event) bool {
	if len(f.offered) >= f.capacity {
		return false
	}
	f.offered = append(f.offered, e.ID)
	return true
}

func newTestGateway(sinkCapacity int) (*Gateway, *fakeRaw, *fakeSink) {
	raw := &fakeRaw{}
	sink := &fakeSink{capacity: sinkCapacity}
	g := NewGateway(Config{DedupeCapacity: 100, DedupeWindow: time.Minute}, raw, sink)
	return g, raw, sink
}

func evt(id string) *event.Event {
	return &event.Event{ID: id, Type: "click", Source: "web", Timestamp: time.Now().UTC()}
}

func TestIngestAcceptsValidBatch(t *testing.T) {
	g, raw, sink := newTestGateway(10)

	batch := []*event.Event{evt("a"), evt("b"), evt("c")}
	outcomes := g.Ingest(context.Background(), batch)

	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for i, o := range outcomes {
		if o.Status != models.OutcomeAccepted {
			t.Errorf("item %d: status %s, want accepted", i, o.Status)
		}
	}
	if len(raw.appended) != 3 || len(sink.offered) != 3 {
		t.Errorf("raw=%d sink=%d, want 3 each", len(raw.appended), len(sink.offered))
	}
}

func TestIngestPartialAcceptance(t *testing.T) {
	g, _, sink := newTestGateway(10)

	batch := []*event.Event{evt("a"), {ID: "bad", Source: "web"}, evt("c")}
	outcomes := g.Ingest(context.Background(), batch)

	if outcomes[0].Status != models.OutcomeAccepted {
		t.Errorf("item 0: %s", outcomes[0].Status)
	}
	if outcomes[1].Status != models.OutcomeRejected {
		t.Errorf("item 1: %s, want rejected", outcomes[1].Status)
	}
	if outcomes[1].Reason == "" {
		t.Error("rejected outcome carries no reason")
	}
	if outcomes[2].Status != models.OutcomeAccepted {
		t.Errorf("item 2: %s, rejection must not affect later items", outcomes[2].Status)
	}
	if len(sink.offered) != 2 {
		t.Errorf("sink received %d events, want 2", len(sink.offered))
	}
}

func TestIngestDuplicateIsIdempotentNoOp(t *testing.T) {
	g, raw, sink := newTestGateway(10)
	ctx := context.Background()

	first := g.Ingest(ctx, []*event.Event{evt("same")})
	if first[0].Status != models.OutcomeAccepted {
		t.Fatalf("first submission: %s", first[0].Status)
	}

	second := g.Ingest(ctx, []*event.Event{evt("same")})
	if second[0].Status != models.OutcomeDuplicate {
		t.Fatalf("second submission: %s, want duplicate", second[0].Status)
	}
	if len(raw.appended) != 1 || len(sink.offered) != 1 {
		t.Errorf("duplicate had side effects: raw=%d sink=%d", len(raw.appended), len(sink.offered))
	}
}

func TestIngestBackpressureShedsRemainder(t *testing.T) {
	g, _, _ := newTestGateway(2)

	batch := []*event.Event{evt("a"), evt("b"), evt("c"), evt("d")}
	outcomes := g.Ingest(context.Background(), batch)

	if outcomes[0].Status != models.OutcomeAccepted || outcomes[1].Status != models.OutcomeAccepted {
		t.Fatalf("expected first two accepted, got %s %s", outcomes[0].Status, outcomes[1].Status)
	}
	for i := 2; i < 4; i++ {
		if outcomes[i].Status != models.OutcomeBackpressure {
			t.Errorf("item %d: %s, want backpressure", i, outcomes[i].Status)
		}
		if outcomes[i].EventID == "" {
			t.Errorf("item %d: backpressure outcome should echo the event id", i)
		}
	}
}

func TestIngestBackpressureIsRetryable(t *testing.T) {
	g, _, sink := newTestGateway(1)
	ctx := context.Background()

	outcomes := g.Ingest(ctx, []*event.Event{evt("a"), evt("b")})
	if outcomes[1].Status != models.OutcomeBackpressure {
		t.Fatalf("item 1: %s, want backpressure", outcomes[1].Status)
	}

	// Drain the queue and retry the shed event: it must be accepted, not
	// mistaken for a duplicate.
	sink.offered = nil
	retry := g.Ingest(ctx, []*event.Event{evt("b")})
	if retry[0].Status != models.OutcomeAccepted {
		t.Errorf("retry after backpressure: %s, want accepted", retry[0].Status)
	}
}

func TestIngestRawAppendFailureIsBackpressure(t *testing.T) {
	g, raw, sink := newTestGateway(10)
	ctx := context.Background()

	// AppendRaw only errors after its own retries and parking both
	// failed, meaning the event landed nowhere. It must be shed, not
	// reported accepted.
	raw.err = errors.New("store unavailable")
	outcomes := g.Ingest(ctx, []*event.Event{evt("a")})
	if outcomes[0].Status != models.OutcomeBackpressure {
		t.Fatalf("item 0: %s, want backpressure", outcomes[0].Status)
	}
	if len(sink.offered) != 0 {
		t.Errorf("shed event reached the pipeline: %v", sink.offered)
	}

	// The shed event must be retryable once the raw log recovers.
	raw.err = nil
	retry := g.Ingest(ctx, []*event.Event{evt("a")})
	if retry[0].Status != models.OutcomeAccepted {
		t.Errorf("retry after raw-log recovery: %s, want accepted", retry[0].Status)
	}
	if len(raw.appended) != 1 || len(sink.offered) != 1 {
		t.Errorf("retry side effects: raw=%d sink=%d, want 1 each", len(raw.appended), len(sink.offered))
	}
}

func TestIngestRateLimit(t *testing.T) {
	raw := &fakeRaw{}
	sink := &fakeSink{capacity: 100}
	g := NewGateway(Config{
		DedupeCapacity: 100,
		DedupeWindow:   time.Minute,
		RateLimit:      1,
		RateBurst:      2,
	}, raw, sink)

	batch := make([]*event.Event, 5)
	for i := range batch {
		batch[i] = evt(fmt.Sprintf("e%d", i))
	}
	outcomes := g.Ingest(context.Background(), batch)

	accepted, shed := 0, 0
	for _, o := range outcomes {
		switch o.Status {
		case models.OutcomeAccepted:
			accepted++
		case models.OutcomeBackpressure:
			shed++
		}
	}
	if accepted != 2 || shed != 3 {
		t.Errorf("accepted=%d shed=%d, want 2 and 3", accepted, shed)
	}
}

func TestDedupeSetEvictsOldest(t *testing.T) {
	s := NewDedupeSet(2, time.Minute)
	s.Seen("a")
	s.Seen("b")
	s.Seen("c") // evicts a

	if s.Seen("a") {
		t.Error("evicted identifier still reported as seen")
	}
	if !s.Seen("c") {
		t.Error("recent identifier forgotten")
	}
	if stats := s.Stats(); stats.Evictions == 0 {
		t.Error("eviction not counted")
	}
}

func TestDedupeSetTTLExpiry(t *testing.T) {
	s := NewDedupeSet(10, time.Minute)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Seen("a")
	now = now.Add(2 * time.Minute)
	if s.Seen("a") {
		t.Error("identifier past its TTL reported as seen")
	}
	// The refresh must take effect.
	if !s.Seen("a") {
		t.Error("refreshed identifier not remembered")
	}
}

func TestDedupeSetForget(t *testing.T) {
	s := NewDedupeSet(10, time.Minute)
	s.Seen("a")
	s.Forget("a")
	if s.Seen("a") {
		t.Error("forgotten identifier reported as seen")
	}
}
