// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package wal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tidewatch/tidewatch/internal/event"
	"github.com/tidewatch/tidewatch/internal/models"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(Config{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func sample(ruleID string) models.AggregateResult {
	return models.AggregateResult{
		RuleID:      ruleID,
		WindowStart: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC),
		Value:       7,
		Count:       7,
	}
}

type stubStore struct {
	mu           sync.Mutex
	failUntil    int
	calls        int
	delivered    []models.AggregateResult
	rawDelivered []string
}

func (s *stubStore) DeliverAggregate(_ context.Context, res models.AggregateResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failUntil {
		return errors.New("store down")
	}
	s.delivered = append(s.delivered, res)
	return nil
}

func (s *stubStore) DeliverRaw(_ context.Context, e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failUntil {
		return errors.New("store down")
	}
	s.rawDelivered = append(s.rawDelivered, e.ID)
	return nil
}

func TestQueueParkAndPending(t *testing.T) {
	q := openTestQueue(t)

	if err := q.Park(sample("agg-1")); err != nil {
		t.Fatalf("Park: %v", err)
	}
	if err := q.Park(sample("agg-2")); err != nil {
		t.Fatalf("Park: %v", err)
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	for _, e := range pending {
		if e.Result.Count != 7 {
			t.Errorf("parked result corrupted: %+v", e.Result)
		}
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(Config{Path: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := q.Park(sample("agg-1")); err != nil {
		t.Fatalf("Park: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	q2, err := Open(Config{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	pending, err := q2.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Result.RuleID != "agg-1" {
		t.Errorf("parked entry lost across reopen: %v", pending)
	}
}

func TestRetryLoopReplaysWhenStoreRecovers(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Park(sample("agg-1")); err != nil {
		t.Fatalf("Park: %v", err)
	}

	store := &stubStore{failUntil: 1}
	loop := NewRetryLoop(q, store, RetryConfig{
		Interval: time.Millisecond,
		Backoff:  time.Nanosecond,
	})

	ctx := context.Background()
	loop.drain(ctx) // first attempt fails
	loop.drain(ctx) // second attempt succeeds

	store.mu.Lock()
	delivered := len(store.delivered)
	store.mu.Unlock()
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("replayed entry still pending: %v", pending)
	}
	if q.Stats().Replayed != 1 {
		t.Errorf("replayed counter = %d", q.Stats().Replayed)
	}
}

func TestRetryLoopReplaysParkedRawEvent(t *testing.T) {
	q := openTestQueue(t)
	e := &event.Event{
		ID: "e1", Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Type: "click", Source: "web",
	}
	if err := q.ParkRaw(e); err != nil {
		t.Fatalf("ParkRaw: %v", err)
	}

	store := &stubStore{}
	loop := NewRetryLoop(q, store, RetryConfig{
		Interval: time.Millisecond,
		Backoff:  time.Nanosecond,
	})
	loop.drain(context.Background())

	store.mu.Lock()
	rawDelivered := append([]string(nil), store.rawDelivered...)
	aggDelivered := len(store.delivered)
	store.mu.Unlock()
	if len(rawDelivered) != 1 || rawDelivered[0] != "e1" {
		t.Fatalf("raw delivered = %v, want [e1]", rawDelivered)
	}
	if aggDelivered != 0 {
		t.Errorf("raw entry delivered as aggregate")
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("replayed raw entry still pending: %v", pending)
	}
}

func TestRetryLoopRespectsBackoff(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Park(sample("agg-1")); err != nil {
		t.Fatal(err)
	}

	store := &stubStore{failUntil: 100}
	loop := NewRetryLoop(q, store, RetryConfig{
		Interval: time.Millisecond,
		Backoff:  time.Hour,
	})

	ctx := context.Background()
	loop.drain(ctx)
	loop.drain(ctx) // within backoff: must not attempt again

	store.mu.Lock()
	calls := store.calls
	store.mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1 before backoff elapses", calls)
	}
}

func TestRetryLoopExpiresOldEntries(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Park(sample("agg-1")); err != nil {
		t.Fatal(err)
	}

	store := &stubStore{failUntil: 100}
	loop := NewRetryLoop(q, store, RetryConfig{
		Interval: time.Millisecond,
		Backoff:  time.Nanosecond,
		MaxAge:   time.Hour,
	})
	loop.nowFunc = func() time.Time { return time.Now().Add(2 * time.Hour) }

	loop.drain(context.Background())

	pending, err := q.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expired entry still pending: %v", pending)
	}
	if q.Stats().Expired != 1 {
		t.Errorf("expired counter = %d", q.Stats().Expired)
	}
	store.mu.Lock()
	if store.calls != 0 {
		t.Errorf("expired entry was delivered: %d calls", store.calls)
	}
	store.mu.Unlock()
}
