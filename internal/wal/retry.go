// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package wal

import (
	"context"
	"math"
	"time"

	"github.com/tidewatch/tidewatch/internal/event"
	"github.com/tidewatch/tidewatch/internal/logging"
	"github.com/tidewatch/tidewatch/internal/metrics"
	"github.com/tidewatch/tidewatch/internal/models"
)

// Deliverer performs one append attempt against the recovered store.
type Deliverer interface {
	DeliverRaw(ctx context.Context, e *event.Event) error
	DeliverAggregate(ctx context.Context, res models.AggregateResult) error
}

// RetryConfig tunes the replay loop.
type RetryConfig struct {
	// Interval is how often pending entries are scanned.
	Interval time.Duration

	// Backoff is the base delay between attempts for one entry; actual
	// delay is base * 2^attempts, capped at BackoffMax.
	Backoff    time.Duration
	BackoffMax time.Duration

	// MaxAge drops entries that have been parked longer than this. Zero
	// means entries are retried forever.
	MaxAge time.Duration
}

// DefaultRetryConfig returns replay defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Interval:   5 * time.Second,
		Backoff:    time.Second,
		BackoffMax: 5 * time.Minute,
		MaxAge:     24 * time.Hour,
	}
}

// RetryLoop drains the parking queue back into the store. A single loop
// owns the queue's pending set, so entries are never delivered twice
// concurrently.
type RetryLoop struct {
	queue   *Queue
	store   Deliverer
	cfg     RetryConfig
	nowFunc func() time.Time
}

// NewRetryLoop builds a replay loop over the queue and store.
func NewRetryLoop(queue *Queue, store Deliverer, cfg RetryConfig) *RetryLoop {
	d := DefaultRetryConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = d.Backoff
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = d.BackoffMax
	}
	return &RetryLoop{queue: queue, store: store, cfg: cfg, nowFunc: time.Now}
}

// Serve scans and replays until the context ends.
func (r *RetryLoop) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", r.cfg.Interval).Msg("Aggregate replay loop starting")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain attempts every pending entry that is due for retry.
func (r *RetryLoop) drain(ctx context.Context) {
	entries, err := r.queue.Pending()
	if err != nil {
		logging.Error().Err(err).Msg("Failed to scan parked aggregates")
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		now := r.nowFunc()

		if r.cfg.MaxAge > 0 && now.Sub(entry.CreatedAt) > r.cfg.MaxAge {
			logging.Warn().
				Str("entry_id", entry.ID).
				Str("rule_id", entry.Result.RuleID).
				Int("attempts", entry.Attempts).
				Msg("Dropping parked aggregate past max age")
			if err := r.queue.Remove(entry.ID); err != nil {
				logging.Error().Err(err).Str("entry_id", entry.ID).Msg("Failed to remove expired entry")
				continue
			}
			r.queue.expired.Add(1)
			metrics.WALExpired.Inc()
			continue
		}

		if !entry.LastAttemptAt.IsZero() && now.Sub(entry.LastAttemptAt) < r.backoff(entry.Attempts) {
			continue
		}

		var err error
		if entry.Event != nil {
			err = r.store.DeliverRaw(ctx, entry.Event)
		} else {
			err = r.store.DeliverAggregate(ctx, entry.Result)
		}
		if err != nil {
			entry.Attempts++
			entry.LastAttemptAt = now
			entry.LastError = err.Error()
			if uerr := r.queue.Update(entry); uerr != nil {
				logging.Error().Err(uerr).Str("entry_id", entry.ID).Msg("Failed to record retry attempt")
			}
			continue
		}

		if err := r.queue.Remove(entry.ID); err != nil {
			logging.Error().Err(err).Str("entry_id", entry.ID).Msg("Failed to remove replayed entry")
			continue
		}
		r.queue.replayed.Add(1)
		metrics.WALReplayed.Inc()
		logging.Debug().
			Str("entry_id", entry.ID).
			Int("attempts", entry.Attempts).
			Msg("Replayed parked entry")
	}
}

func (r *RetryLoop) backoff(attempts int) time.Duration {
	if attempts > 50 {
		return r.cfg.BackoffMax
	}
	d := time.Duration(float64(r.cfg.Backoff) * math.Pow(2, float64(attempts)))
	if d < 0 || d > r.cfg.BackoffMax {
		return r.cfg.BackoffMax
	}
	return d
}
