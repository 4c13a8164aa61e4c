// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tidewatch/tidewatch/internal/models"
)

var winStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func closedResult(start time.Time, value float64) models.AggregateResult {
	return models.AggregateResult{
		RuleID:      "agg-1",
		WindowStart: start,
		WindowEnd:   start.Add(time.Minute),
		Value:       value,
		Count:       int64(value),
	}
}

type fakeStore struct {
	results []models.AggregateResult
	err     error
	delay   time.Duration
}

func (f *fakeStore) QueryRange(ctx context.Context, _ string, _ []string, _, _ time.Time) ([]models.AggregateResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.results, f.err
}

type fakeLive struct {
	open      []models.AggregateResult
	watermark time.Time
}

func (f *fakeLive) OpenBuckets(_ string, _, _ time.Time, _ []string) []models.AggregateResult {
	return f.open
}

func (f *fakeLive) GlobalWatermark() time.Time { return f.watermark }

func TestQueryClosedOnlyIsFinal(t *testing.T) {
	store := &fakeStore{results: []models.AggregateResult{closedResult(winStart, 100)}}
	live := &fakeLive{watermark: winStart.Add(5 * time.Minute)}
	e := New(store, live, time.Second)

	resp, err := e.Query(context.Background(), Request{
		RuleID: "agg-1",
		Start:  winStart,
		End:    winStart.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Partial {
		t.Error("fully closed range tagged partial")
	}
	if len(resp.Results) != 1 || resp.Results[0].Value != 100 {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestQueryMergesOpenBuckets(t *testing.T) {
	store := &fakeStore{results: []models.AggregateResult{closedResult(winStart, 10)}}
	open := closedResult(winStart.Add(time.Minute), 5)
	open.Partial = true
	live := &fakeLive{open: []models.AggregateResult{open}, watermark: winStart.Add(10 * time.Minute)}
	e := New(store, live, time.Second)

	resp, err := e.Query(context.Background(), Request{
		RuleID: "agg-1",
		Start:  winStart,
		End:    winStart.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !resp.Partial {
		t.Error("response with open bucket not tagged partial")
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	if !resp.Results[0].WindowStart.Before(resp.Results[1].WindowStart) {
		t.Error("results not in window order")
	}
}

func TestQueryPrefersStoreCopyOnOverlap(t *testing.T) {
	// A bucket can flush between the store read and the live snapshot.
	closed := closedResult(winStart, 10)
	stale := closed
	stale.Value = 7
	stale.Partial = true

	store := &fakeStore{results: []models.AggregateResult{closed}}
	live := &fakeLive{open: []models.AggregateResult{stale}, watermark: winStart.Add(5 * time.Minute)}
	e := New(store, live, time.Second)

	resp, err := e.Query(context.Background(), Request{
		RuleID: "agg-1",
		Start:  winStart,
		End:    winStart.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("duplicate window in results: %+v", resp.Results)
	}
	if resp.Results[0].Value != 10 {
		t.Errorf("kept live copy over store copy: %+v", resp.Results[0])
	}
}

func TestQueryBeyondWatermarkIsPartial(t *testing.T) {
	store := &fakeStore{results: []models.AggregateResult{closedResult(winStart, 10)}}
	live := &fakeLive{watermark: winStart.Add(30 * time.Second)}
	e := New(store, live, time.Second)

	resp, err := e.Query(context.Background(), Request{
		RuleID: "agg-1",
		Start:  winStart,
		End:    winStart.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !resp.Partial {
		t.Error("range past the watermark must be partial")
	}
}

func TestQueryDeadlineReturnsPartialNotError(t *testing.T) {
	store := &fakeStore{delay: time.Second}
	live := &fakeLive{}
	e := New(store, live, 10*time.Millisecond)

	resp, err := e.Query(context.Background(), Request{
		RuleID: "agg-1",
		Start:  winStart,
		End:    winStart.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("deadline must not surface as an error, got %v", err)
	}
	if !resp.Partial {
		t.Error("deadline-cut response not tagged partial")
	}
}

func TestQueryStoreErrorPropagates(t *testing.T) {
	store := &fakeStore{err: errors.New("disk gone")}
	e := New(store, &fakeLive{}, time.Second)

	_, err := e.Query(context.Background(), Request{
		RuleID: "agg-1",
		Start:  winStart,
		End:    winStart.Add(time.Minute),
	})
	if err == nil {
		t.Fatal("expected store error to propagate")
	}
}
