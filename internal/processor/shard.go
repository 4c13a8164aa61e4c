// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package processor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tidewatch/tidewatch/internal/event"
	"github.com/tidewatch/tidewatch/internal/logging"
	"github.com/tidewatch/tidewatch/internal/metrics"
	"github.com/tidewatch/tidewatch/internal/models"
	"github.com/tidewatch/tidewatch/internal/rules"
)

// work is one (rule, group key, event) fold request routed to a shard.
type work struct {
	rule *rules.AggregationRule
	key  models.GroupKey
	evt  *event.Event
}

// shard owns a disjoint slice of the (rule, group key) hash space. All
// bucket mutation happens on the shard's run loop; the mutex exists only
// so snapshot readers can observe open buckets without pausing the
// pipeline for long.
type shard struct {
	id    int
	in    chan work
	grace time.Duration

	ruleLookup func(id string) (*rules.AggregationRule, bool)
	emit       func(models.AggregateResult)

	mu        sync.Mutex
	buckets   map[models.WindowKey]*windowBucket
	watermark time.Time
	observed  bool

	lateDropped    int64
	flushed        int64
	orphansDropped int64
}

func newShard(id, queueLen int, grace time.Duration, lookup func(string) (*rules.AggregationRule, bool), emit func(models.AggregateResult)) *shard {
	s := &shard{
		id:         id,
		in:         make(chan work, queueLen),
		grace:      grace,
		ruleLookup: lookup,
		emit:       emit,
		buckets:    make(map[models.WindowKey]*windowBucket),
	}
	return s
}

// run drains the shard's queue until the context ends, flushing closed
// buckets opportunistically after watermark advances and on a periodic
// tick so idle shards still drain.
func (s *shard) run(ctx context.Context, flushInterval time.Duration) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case w := <-s.in:
			if s.fold(w) {
				s.flushClosed()
			}
		case <-ticker.C:
			s.flushClosed()
		}
	}
}

// fold applies one work item and reports whether the watermark advanced.
// Events older than the shard watermark are late: their windows have
// already been flushed, so they are dropped and counted rather than
// violating flushed-bucket immutability.
func (s *shard) fold(w work) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := w.evt.Timestamp
	s.observed = true
	if ts.Before(s.watermark) {
		s.lateDropped++
		metrics.LateEventsDropped.WithLabelValues(w.rule.ID).Inc()
		return false
	}

	start := windowStartFor(ts, w.rule.Window)
	key := models.WindowKey{RuleID: w.rule.ID, GroupKey: w.key, WindowStart: start.UnixNano()}
	b, ok := s.buckets[key]
	if !ok {
		b = newWindowBucket(w.rule, w.key, start)
		s.buckets[key] = b
		metrics.OpenBuckets.Inc()
	}

	var value float64
	hasValue := false
	if w.rule.Agg.NeedsValueField() {
		if raw, ok := w.evt.Property(w.rule.ValueField); ok {
			value, hasValue = event.NumericValue(raw)
		}
	}
	b.fold(value, hasValue)
	metrics.EventsProcessed.Inc()

	if candidate := ts.Add(-s.grace); candidate.After(s.watermark) {
		s.watermark = candidate
		return true
	}
	return false
}

// flushClosed emits every bucket whose window end is at or before the
// shard watermark, then removes it. Buckets whose rule has been deleted
// or disabled since the window opened are discarded instead of emitted.
func (s *shard) flushClosed() {
	s.mu.Lock()
	var toEmit []models.AggregateResult
	for key, b := range s.buckets {
		if b.windowEnd().After(s.watermark) {
			continue
		}
		delete(s.buckets, key)
		metrics.OpenBuckets.Dec()

		if rule, ok := s.ruleLookup(b.rule.ID); !ok || !rule.Enabled {
			s.orphansDropped++
			metrics.OrphanedBuckets.Inc()
			logging.Debug().
				Str("rule_id", b.rule.ID).
				Str("group_key", string(b.groupKey)).
				Msg("Discarding bucket for removed rule")
			continue
		}
		toEmit = append(toEmit, b.result(false))
		s.flushed++
	}
	s.mu.Unlock()

	// Map iteration order is random; downstream hysteresis depends on
	// windows of a group key arriving oldest first.
	sort.Slice(toEmit, func(i, j int) bool {
		a, b := toEmit[i], toEmit[j]
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		if a.GroupKey != b.GroupKey {
			return a.GroupKey < b.GroupKey
		}
		return a.WindowStart.Before(b.WindowStart)
	})

	// Emit outside the lock so slow downstreams cannot stall snapshot
	// readers or the fold path of this shard's queue backlog.
	for _, res := range toEmit {
		metrics.WindowsFlushed.Inc()
		s.emit(res)
	}
}

// snapshot copies open buckets for a rule that overlap [start, end),
// tagged partial, without mutating shard state.
func (s *shard) snapshot(ruleID string, start, end time.Time, prefix []string) []models.AggregateResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.AggregateResult
	for _, b := range s.buckets {
		if b.rule.ID != ruleID {
			continue
		}
		if !b.windowStart.Before(end) || !b.windowEnd().After(start) {
			continue
		}
		if len(prefix) > 0 && !b.groupKey.HasPrefix(prefix) {
			continue
		}
		out = append(out, b.result(true))
	}
	return out
}

// currentWatermark reads the shard watermark for the global tick. The
// second return is false until the shard has observed at least one
// event; an idle shard must not hold the global watermark at zero.
func (s *shard) currentWatermark() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark, s.observed
}

func (s *shard) openBucketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
