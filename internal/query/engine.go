// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package query answers range reads by merging finalized aggregates from
// the time-series store with the stream processor's still-open buckets.
package query

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/tidewatch/tidewatch/internal/logging"
	"github.com/tidewatch/tidewatch/internal/metrics"
	"github.com/tidewatch/tidewatch/internal/models"
)

// AggregateQuerier reads finalized aggregates from durable storage.
type AggregateQuerier interface {
	QueryRange(ctx context.Context, ruleID string, groupPrefix []string, start, end time.Time) ([]models.AggregateResult, error)
}

// LiveReader exposes the processor's open buckets and completeness
// watermark without mutating its state.
type LiveReader interface {
	OpenBuckets(ruleID string, start, end time.Time, groupPrefix []string) []models.AggregateResult
	GlobalWatermark() time.Time
}

// Request describes one range query.
type Request struct {
	RuleID string

	// Start and End bound the queried windows, half-open [Start, End).
	Start time.Time
	End   time.Time

	// GroupPrefix restricts results to group keys extending these
	// leading components. Empty means all keys.
	GroupPrefix []string

	// Deadline caps the merge. Zero uses the engine default.
	Deadline time.Duration
}

// Response carries the merged results. Partial is true when any result
// came from an open bucket, when the queried range extends past the
// completeness watermark, or when the deadline cut the merge short.
type Response struct {
	Results []models.AggregateResult `json:"results"`
	Partial bool                     `json:"partial"`
}

// Engine merges store and live state for reads.
type Engine struct {
	store           AggregateQuerier
	live            LiveReader
	defaultDeadline time.Duration
}

// New builds a query engine. defaultDeadline bounds queries that do not
// set their own; zero or negative falls back to five seconds.
func New(store AggregateQuerier, live LiveReader, defaultDeadline time.Duration) *Engine {
	if defaultDeadline <= 0 {
		defaultDeadline = 5 * time.Second
	}
	return &Engine{store: store, live: live, defaultDeadline: defaultDeadline}
}

// Query runs one range read. A deadline overrun is not an error: the
// response carries whatever was gathered, tagged partial. Store failures
// before anything was gathered are returned as errors.
func (e *Engine) Query(ctx context.Context, req Request) (Response, error) {
	qStart := time.Now()
	defer func() {
		metrics.QueryDuration.Observe(time.Since(qStart).Seconds())
	}()

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = e.defaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var resp Response

	closed, err := e.store.QueryRange(ctx, req.RuleID, req.GroupPrefix, req.Start, req.End)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.QueryDeadlineExceeded.Inc()
			metrics.QueryPartialResults.Inc()
			logging.Warn().Str("rule_id", req.RuleID).Msg("Query deadline hit during store read")
			resp.Partial = true
			return resp, nil
		}
		return resp, err
	}
	resp.Results = closed

	// Closed windows may land in the store between the two reads; keep
	// the store's copy when both sides report the same window.
	seen := make(map[models.WindowKey]struct{}, len(closed))
	for _, r := range closed {
		seen[windowKeyOf(r)] = struct{}{}
	}

	if ctx.Err() == nil {
		for _, r := range e.live.OpenBuckets(req.RuleID, req.Start, req.End, req.GroupPrefix) {
			if _, dup := seen[windowKeyOf(r)]; dup {
				continue
			}
			resp.Results = append(resp.Results, r)
			resp.Partial = true
		}
	} else {
		metrics.QueryDeadlineExceeded.Inc()
		resp.Partial = true
	}

	if wm := e.live.GlobalWatermark(); req.End.After(wm) {
		// Windows in the tail of the range may not have arrived yet.
		resp.Partial = true
	}

	sort.Slice(resp.Results, func(i, j int) bool {
		a, b := resp.Results[i], resp.Results[j]
		if !a.WindowStart.Equal(b.WindowStart) {
			return a.WindowStart.Before(b.WindowStart)
		}
		return a.GroupKey < b.GroupKey
	})

	if resp.Partial {
		metrics.QueryPartialResults.Inc()
	}
	return resp, nil
}

func windowKeyOf(r models.AggregateResult) models.WindowKey {
	return models.WindowKey{
		RuleID:      r.RuleID,
		GroupKey:    r.GroupKey,
		WindowStart: r.WindowStart.UnixNano(),
	}
}
