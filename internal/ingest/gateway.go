// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package ingest

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tidewatch/tidewatch/internal/event"
	"github.com/tidewatch/tidewatch/internal/logging"
	"github.com/tidewatch/tidewatch/internal/metrics"
	"github.com/tidewatch/tidewatch/internal/models"
)

// RawAppender persists accepted events to the raw log before they enter
// the processing pipeline.
type RawAppender interface {
	AppendRaw(ctx context.Context, e *event.Event) error
}

// Sink admits events into the processing pipeline without blocking. Offer
// returns false when the pipeline's input queue is at capacity.
type Sink interface {
	Offer(e *event.Event) bool
}

// Config tunes the gateway's admission behavior.
type Config struct {
	// DedupeCapacity bounds the recent-identifiers set.
	DedupeCapacity int

	// DedupeWindow is how long identifiers are remembered.
	DedupeWindow time.Duration

	// RateLimit caps sustained accepted events per second. Zero disables
	// rate limiting.
	RateLimit float64

	// RateBurst is the limiter's burst allowance.
	RateBurst int
}

// Gateway is the ingestion boundary. Each batch item is validated,
// checked for duplicates, appended to the raw log, and offered to the
// processing pipeline, producing one outcome per item. Batches are not
// atomic: a rejected item does not affect its neighbors, but the first
// backpressure signal short-circuits the remainder of the batch since
// retrying it wholesale is the caller's cheapest recovery.
type Gateway struct {
	validator *event.Validator
	dedupe    *DedupeSet
	raw       RawAppender
	sink      Sink
	limiter   *rate.Limiter
}

// NewGateway wires a gateway over the given raw log and pipeline sink.
func NewGateway(cfg Config, raw RawAppender, sink Sink) *Gateway {
	g := &Gateway{
		validator: event.NewValidator(),
		dedupe:    NewDedupeSet(cfg.DedupeCapacity, cfg.DedupeWindow),
		raw:       raw,
		sink:      sink,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g
}

// Ingest processes a batch in order and returns one outcome per item, in
// the same order. Outcomes are accepted, duplicate (idempotent no-op),
// rejected (validation failure, with reason), or backpressure (retryable).
func (g *Gateway) Ingest(ctx context.Context, batch []*event.Event) []models.Outcome {
	metrics.IngestBatchSize.Observe(float64(len(batch)))
	outcomes := make([]models.Outcome, len(batch))

	for i, e := range batch {
		if err := ctx.Err(); err != nil {
			g.shedRemaining(outcomes, batch, i, "canceled")
			break
		}

		if e == nil {
			outcomes[i] = models.Outcome{Status: models.OutcomeRejected, Reason: "nil event"}
			metrics.IngestOutcomes.WithLabelValues(string(models.OutcomeRejected)).Inc()
			continue
		}

		if errs := g.validator.Validate(e); len(errs) > 0 {
			outcomes[i] = models.Outcome{
				EventID: e.ID,
				Status:  models.OutcomeRejected,
				Reason:  joinValidationErrors(errs),
			}
			metrics.IngestOutcomes.WithLabelValues(string(models.OutcomeRejected)).Inc()
			continue
		}

		if g.dedupe.Seen(e.ID) {
			outcomes[i] = models.Outcome{EventID: e.ID, Status: models.OutcomeDuplicate}
			metrics.IngestOutcomes.WithLabelValues(string(models.OutcomeDuplicate)).Inc()
			continue
		}

		if g.limiter != nil && !g.limiter.Allow() {
			g.dedupe.Forget(e.ID)
			g.shedRemaining(outcomes, batch, i, "rate limit exceeded")
			break
		}

		// The raw append lands first. It retries with backoff and parks
		// durably when the store stays down, so an error here means the
		// event is reflected nowhere and the item can be shed instead of
		// falsely reported accepted. Re-appending on a client retry is a
		// no-op, so a shed after a successful append stays idempotent.
		if err := g.raw.AppendRaw(ctx, e); err != nil {
			logging.Error().Err(err).Str("event_id", e.ID).Msg("Raw append failed")
			g.dedupe.Forget(e.ID)
			g.shedRemaining(outcomes, batch, i, "raw log unavailable")
			break
		}

		if !g.sink.Offer(e) {
			g.dedupe.Forget(e.ID)
			g.shedRemaining(outcomes, batch, i, "processor queue full")
			break
		}

		outcomes[i] = models.Outcome{EventID: e.ID, Status: models.OutcomeAccepted}
		metrics.IngestOutcomes.WithLabelValues(string(models.OutcomeAccepted)).Inc()
	}

	return outcomes
}

// DedupeStats exposes the dedupe set's counters for the stats surface.
func (g *Gateway) DedupeStats() DedupeStats {
	return g.dedupe.Stats()
}

// shedRemaining marks items from index i onward as backpressure. The
// identifiers of unprocessed events are echoed back so callers can retry
// selectively.
func (g *Gateway) shedRemaining(outcomes []models.Outcome, batch []*event.Event, i int, reason string) {
	for ; i < len(batch); i++ {
		id := ""
		if batch[i] != nil {
			id = batch[i].ID
		}
		outcomes[i] = models.Outcome{EventID: id, Status: models.OutcomeBackpressure, Reason: reason}
		metrics.IngestOutcomes.WithLabelValues(string(models.OutcomeBackpressure)).Inc()
	}
}

func joinValidationErrors(errs []event.ValidationError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}
