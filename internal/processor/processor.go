// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package processor

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidewatch/tidewatch/internal/event"
	"github.com/tidewatch/tidewatch/internal/logging"
	"github.com/tidewatch/tidewatch/internal/metrics"
	"github.com/tidewatch/tidewatch/internal/models"
	"github.com/tidewatch/tidewatch/internal/rules"
)

// Emitter receives finalized window aggregates as they are flushed.
type Emitter interface {
	EmitAggregate(res models.AggregateResult)
}

// Config tunes the processor's sharding and timing.
type Config struct {
	// Shards is the number of partitions of the group-key hash space.
	Shards int

	// InputQueueLen bounds the ingestion queue. A full queue surfaces as
	// backpressure at the gateway.
	InputQueueLen int

	// ShardQueueLen bounds each shard's routed-work queue.
	ShardQueueLen int

	// Grace is how far behind the maximum observed event time the
	// watermark trails, allowing moderately out-of-order arrivals.
	Grace time.Duration

	// FlushInterval drives per-shard periodic flushes of closed buckets.
	FlushInterval time.Duration

	// WatermarkTick drives recomputation of the global watermark.
	WatermarkTick time.Duration
}

// DefaultConfig returns processor defaults suitable for a single node.
func DefaultConfig() Config {
	return Config{
		Shards:        4,
		InputQueueLen: 4096,
		ShardQueueLen: 1024,
		Grace:         5 * time.Second,
		FlushInterval: time.Second,
		WatermarkTick: time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Shards <= 0 {
		c.Shards = d.Shards
	}
	if c.InputQueueLen <= 0 {
		c.InputQueueLen = d.InputQueueLen
	}
	if c.ShardQueueLen <= 0 {
		c.ShardQueueLen = d.ShardQueueLen
	}
	if c.Grace < 0 {
		c.Grace = 0
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.WatermarkTick <= 0 {
		c.WatermarkTick = d.WatermarkTick
	}
}

// Processor routes accepted events to shards and flushes finalized
// aggregates to the emitter. It implements the gateway's Sink and runs
// under the supervision tree via Serve.
type Processor struct {
	cfg      Config
	registry *rules.Registry
	emitter  Emitter

	input  chan *event.Event
	shards []*shard

	// globalWatermark is the minimum shard watermark, as unix nanos,
	// recomputed on a tick rather than per event.
	globalWatermark atomic.Int64

	queued atomic.Int64
}

// New builds a processor over the given rule registry and emitter.
func New(cfg Config, registry *rules.Registry, emitter Emitter) *Processor {
	cfg.applyDefaults()
	p := &Processor{
		cfg:      cfg,
		registry: registry,
		emitter:  emitter,
		input:    make(chan *event.Event, cfg.InputQueueLen),
		shards:   make([]*shard, cfg.Shards),
	}
	lookup := registry.Aggregation
	for i := range p.shards {
		p.shards[i] = newShard(i, cfg.ShardQueueLen, cfg.Grace, lookup, emitter.EmitAggregate)
	}
	return p
}

// Offer admits an event to the input queue without blocking. A false
// return means the queue is full and the caller should shed load.
func (p *Processor) Offer(e *event.Event) bool {
	select {
	case p.input <- e:
		p.queued.Add(1)
		metrics.IngestQueueDepth.Set(float64(p.queued.Load()))
		return true
	default:
		return false
	}
}

// Serve runs the shard loops, the dispatcher, and the global watermark
// tick until the context is canceled. It satisfies suture's service
// contract: it blocks for the processor's lifetime and returns the
// context's error on shutdown.
func (p *Processor) Serve(ctx context.Context) error {
	logging.Info().
		Int("shards", p.cfg.Shards).
		Dur("grace", p.cfg.Grace).
		Msg("Stream processor starting")

	var wg sync.WaitGroup
	for _, s := range p.shards {
		wg.Add(1)
		go func(s *shard) {
			defer wg.Done()
			s.run(ctx, p.cfg.FlushInterval)
		}(s)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.watermarkLoop(ctx)
	}()

	p.dispatch(ctx)
	wg.Wait()
	logging.Info().Msg("Stream processor stopped")
	return ctx.Err()
}

// dispatch fans each input event out to the shards owning the buckets of
// every matching rule.
func (p *Processor) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-p.input:
			p.queued.Add(-1)
			metrics.IngestQueueDepth.Set(float64(p.queued.Load()))
			for _, rule := range p.registry.Aggregations() {
				if !rule.Matches(e) {
					continue
				}
				key := rule.GroupKeyFor(e)
				s := p.shards[p.shardFor(rule.ID, key)]
				select {
				case s.in <- work{rule: rule, key: key, evt: e}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// shardFor hashes (rule id, group key) onto a shard index. Including the
// rule id spreads single-key rules across shards instead of pinning every
// ungrouped rule to shard zero.
func (p *Processor) shardFor(ruleID string, key models.GroupKey) int {
	h := fnv.New32a()
	h.Write([]byte(ruleID))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.shards)))
}

func (p *Processor) watermarkLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WatermarkTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recomputeGlobalWatermark()
		}
	}
}

// recomputeGlobalWatermark sets the global watermark to the minimum
// across shards that have observed events. The global value is what the
// query engine trusts when marking results final, so it must never run
// ahead of any active shard; shards that have never seen an event carry
// no ordering information and are skipped.
func (p *Processor) recomputeGlobalWatermark() {
	var min time.Time
	first := true
	for _, s := range p.shards {
		w, active := s.currentWatermark()
		if !active {
			continue
		}
		if first || w.Before(min) {
			min = w
			first = false
		}
	}
	if first {
		return
	}
	prev := p.globalWatermark.Load()
	if min.UnixNano() > prev {
		p.globalWatermark.Store(min.UnixNano())
		metrics.SetWatermarkAge(min)
	}
}

// GlobalWatermark returns the last computed minimum watermark across all
// shards. The zero time means no watermark has been established yet.
func (p *Processor) GlobalWatermark() time.Time {
	n := p.globalWatermark.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// OpenBuckets snapshots the open buckets for a rule overlapping
// [start, end), across all shards, without mutating processor state.
// Every returned result is tagged partial.
func (p *Processor) OpenBuckets(ruleID string, start, end time.Time, groupPrefix []string) []models.AggregateResult {
	var out []models.AggregateResult
	for _, s := range p.shards {
		out = append(out, s.snapshot(ruleID, start, end, groupPrefix)...)
	}
	return out
}

// Stats is a point-in-time snapshot of processor health.
type Stats struct {
	QueueDepth     int64     `json:"queue_depth"`
	OpenBuckets    int       `json:"open_buckets"`
	LateDropped    int64     `json:"late_dropped"`
	WindowsFlushed int64     `json:"windows_flushed"`
	OrphansDropped int64     `json:"orphans_dropped"`
	Watermark      time.Time `json:"watermark"`
}

// Stats aggregates per-shard counters.
func (p *Processor) Stats() Stats {
	st := Stats{
		QueueDepth: p.queued.Load(),
		Watermark:  p.GlobalWatermark(),
	}
	for _, s := range p.shards {
		st.OpenBuckets += s.openBucketCount()
		s.mu.Lock()
		st.LateDropped += s.lateDropped
		st.WindowsFlushed += s.flushed
		st.OrphansDropped += s.orphansDropped
		s.mu.Unlock()
	}
	return st
}
