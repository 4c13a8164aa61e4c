// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package processor folds accepted events into tumbling window buckets,
// sharded by group-key hash, and flushes finalized aggregates once the
// event-time watermark passes a window's end.
package processor

import (
	"time"

	"github.com/montanaflynn/stats"

	"github.com/tidewatch/tidewatch/internal/models"
	"github.com/tidewatch/tidewatch/internal/rules"
)

// percentileRingSize bounds the per-bucket sample reservoir for percentile
// aggregation. Buckets holding more samples than this report the percentile
// of the most recent samples only.
const percentileRingSize = 1024

// windowBucket accumulates one (rule, group key, window start) aggregate.
// A bucket is owned by exactly one shard and is never touched again after
// it is flushed.
type windowBucket struct {
	rule        *rules.AggregationRule
	groupKey    models.GroupKey
	windowStart time.Time

	count int64
	sum   float64
	min   float64
	max   float64

	// samples is a ring of the latest observed values, used only for
	// percentile rules.
	samples []float64
	next    int
}

func newWindowBucket(rule *rules.AggregationRule, key models.GroupKey, windowStart time.Time) *windowBucket {
	b := &windowBucket{
		rule:        rule,
		groupKey:    key,
		windowStart: windowStart,
	}
	if rule.Agg == rules.AggPercentile {
		b.samples = make([]float64, 0, 64)
	}
	return b
}

// windowStartFor aligns an event timestamp down to a multiple of the
// window duration.
func windowStartFor(ts time.Time, window time.Duration) time.Time {
	return ts.Truncate(window)
}

func (b *windowBucket) windowEnd() time.Time {
	return b.windowStart.Add(b.rule.Window)
}

// fold accumulates one matching event into the running aggregate. For
// value-bearing aggregations the event contributes only if its value field
// holds a numeric property.
func (b *windowBucket) fold(value float64, hasValue bool) {
	if b.rule.Agg == rules.AggCount {
		b.count++
		return
	}
	if !hasValue {
		return
	}
	if b.count == 0 {
		b.min = value
		b.max = value
	} else {
		if value < b.min {
			b.min = value
		}
		if value > b.max {
			b.max = value
		}
	}
	b.count++
	b.sum += value

	if b.rule.Agg == rules.AggPercentile {
		if len(b.samples) < percentileRingSize {
			b.samples = append(b.samples, value)
		} else {
			b.samples[b.next] = value
			b.next = (b.next + 1) % percentileRingSize
		}
	}
}

// value computes the aggregate's current value from the running state.
func (b *windowBucket) value() float64 {
	switch b.rule.Agg {
	case rules.AggCount:
		return float64(b.count)
	case rules.AggSum:
		return b.sum
	case rules.AggMin:
		return b.min
	case rules.AggMax:
		return b.max
	case rules.AggAvg:
		if b.count == 0 {
			return 0
		}
		return b.sum / float64(b.count)
	case rules.AggPercentile:
		if len(b.samples) == 0 {
			return 0
		}
		p, err := stats.Percentile(stats.Float64Data(b.samples), b.rule.Percentile)
		if err != nil {
			return 0
		}
		return p
	}
	return 0
}

// result snapshots the bucket as an AggregateResult. partial marks results
// read while the bucket is still open.
func (b *windowBucket) result(partial bool) models.AggregateResult {
	return models.AggregateResult{
		RuleID:      b.rule.ID,
		GroupKey:    b.groupKey,
		WindowStart: b.windowStart,
		WindowEnd:   b.windowEnd(),
		Value:       b.value(),
		Count:       b.count,
		Partial:     partial,
	}
}
