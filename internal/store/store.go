// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package store persists raw events and finalized aggregates in DuckDB
// and answers range queries over closed windows. Writes are append-only;
// an aggregate row is never updated in place.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/tidewatch/tidewatch/internal/event"
	"github.com/tidewatch/tidewatch/internal/logging"
	"github.com/tidewatch/tidewatch/internal/metrics"
	"github.com/tidewatch/tidewatch/internal/models"
)

// ErrUnavailable wraps persistent append failures after the retry budget
// is exhausted and no parking lot is configured.
var ErrUnavailable = errors.New("store unavailable")

// Parker accepts writes that could not be persisted so they can be
// retried later from durable storage.
type Parker interface {
	Park(res models.AggregateResult) error
	ParkRaw(e *event.Event) error
}

// Config tunes the store's location, retention, and append retry policy.
type Config struct {
	// Path is the DuckDB database file. Empty means in-memory.
	Path string

	// Retention is how long raw events and aggregates are kept.
	Retention time.Duration

	// SweepInterval is how often the retention sweep runs.
	SweepInterval time.Duration

	// MaxRetries bounds in-call append retries before parking.
	MaxRetries int

	// RetryBackoff is the base delay; actual delay is base * 2^attempt,
	// capped at RetryBackoffMax.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
}

// DefaultConfig returns store defaults.
func DefaultConfig() Config {
	return Config{
		Path:            "tidewatch.db",
		Retention:       7 * 24 * time.Hour,
		SweepInterval:   time.Hour,
		MaxRetries:      3,
		RetryBackoff:    100 * time.Millisecond,
		RetryBackoffMax: 5 * time.Second,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS raw_events (
	id          VARCHAR NOT NULL,
	ts          TIMESTAMP NOT NULL,
	event_type  VARCHAR NOT NULL,
	source      VARCHAR NOT NULL,
	user_id     VARCHAR,
	session_id  VARCHAR,
	properties  VARCHAR,
	PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS aggregate_results (
	rule_id      VARCHAR NOT NULL,
	group_key    VARCHAR NOT NULL,
	window_start TIMESTAMP NOT NULL,
	window_end   TIMESTAMP NOT NULL,
	value        DOUBLE NOT NULL,
	event_count  BIGINT NOT NULL,
	PRIMARY KEY (rule_id, group_key, window_start)
);
`

// Store is the durable time-series repository. It is safe for concurrent
// appenders and readers; database/sql serializes access to the DuckDB
// connection pool and each insert is a single atomic statement, so a
// reader never observes a partially written row.
type Store struct {
	db     *sql.DB
	cfg    Config
	parker Parker
}

// Open opens or creates the database at cfg.Path and ensures the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = DefaultConfig().RetryBackoffMax
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb at %q: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(runtime.NumCPU())
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("Time-series store opened")
	return &Store{db: db, cfg: cfg}, nil
}

// SetParker installs the durable parking lot used when appends keep
// failing. Must be called before concurrent use.
func (s *Store) SetParker(p Parker) {
	s.parker = p
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendRaw persists one accepted event to the raw log, retrying
// transient failures with exponential backoff. When the retry budget is
// exhausted the event is parked for the background retry loop; without a
// parker the call reports ErrUnavailable.
func (s *Store) AppendRaw(ctx context.Context, e *event.Event) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return s.parkRaw(e, ctx.Err())
			case <-time.After(s.backoff(attempt - 1)):
			}
		}
		if lastErr = s.DeliverRaw(ctx, e); lastErr == nil {
			return nil
		}
		logging.Warn().Err(lastErr).
			Str("event_id", e.ID).
			Int("attempt", attempt+1).
			Msg("Raw append failed")
	}
	return s.parkRaw(e, lastErr)
}

// DeliverRaw performs a single raw-log append attempt. Re-inserting an
// identifier already present is a no-op, which keeps gateway retries
// after partial batch failures idempotent.
func (s *Store) DeliverRaw(ctx context.Context, e *event.Event) error {
	props, err := json.Marshal(e.Properties)
	if err != nil {
		return fmt.Errorf("marshaling properties for %s: %w", e.ID, err)
	}

	start := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO raw_events (id, ts, event_type, source, user_id, session_id, properties)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Timestamp.UTC(), e.Type, e.Source, e.UserID, e.SessionID, string(props))
	metrics.ObserveStoreAppend("raw", time.Since(start))
	if err != nil {
		metrics.StoreAppendErrors.WithLabelValues("raw").Inc()
		return fmt.Errorf("appending raw event %s: %w", e.ID, err)
	}
	return nil
}

// AppendAggregate persists a finalized aggregate, retrying transient
// failures with exponential backoff. When the retry budget is exhausted
// the result is parked for the background retry loop instead of being
// lost; without a parker the call reports ErrUnavailable.
func (s *Store) AppendAggregate(ctx context.Context, res models.AggregateResult) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				return s.park(res, lastErr)
			case <-time.After(s.backoff(attempt - 1)):
			}
		}
		if lastErr = s.DeliverAggregate(ctx, res); lastErr == nil {
			return nil
		}
		logging.Warn().Err(lastErr).
			Str("rule_id", res.RuleID).
			Int("attempt", attempt+1).
			Msg("Aggregate append failed")
	}
	return s.park(res, lastErr)
}

// DeliverAggregate performs a single append attempt. The background
// retry loop uses it directly so its own scheduling is not compounded by
// the in-call retry policy.
func (s *Store) DeliverAggregate(ctx context.Context, res models.AggregateResult) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregate_results (rule_id, group_key, window_start, window_end, value, event_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (rule_id, group_key, window_start) DO NOTHING`,
		res.RuleID, string(res.GroupKey), res.WindowStart.UTC(), res.WindowEnd.UTC(), res.Value, res.Count)
	metrics.ObserveStoreAppend("aggregate", time.Since(start))
	if err != nil {
		metrics.StoreAppendErrors.WithLabelValues("aggregate").Inc()
		return fmt.Errorf("appending aggregate %s/%s: %w", res.RuleID, res.GroupKey, err)
	}
	return nil
}

func (s *Store) park(res models.AggregateResult, cause error) error {
	if s.parker == nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, cause)
	}
	if err := s.parker.Park(res); err != nil {
		return fmt.Errorf("%w: parking failed after %v: %v", ErrUnavailable, cause, err)
	}
	logging.Info().
		Str("rule_id", res.RuleID).
		Str("group_key", string(res.GroupKey)).
		Msg("Aggregate parked for background retry")
	return nil
}

func (s *Store) parkRaw(e *event.Event, cause error) error {
	if s.parker == nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, cause)
	}
	if err := s.parker.ParkRaw(e); err != nil {
		return fmt.Errorf("%w: parking failed after %v: %v", ErrUnavailable, cause, err)
	}
	logging.Info().
		Str("event_id", e.ID).
		Msg("Raw event parked for background retry")
	return nil
}

func (s *Store) backoff(attempt int) time.Duration {
	if attempt > 50 {
		return s.cfg.RetryBackoffMax
	}
	d := time.Duration(float64(s.cfg.RetryBackoff) * math.Pow(2, float64(attempt)))
	if d < 0 || d > s.cfg.RetryBackoffMax {
		return s.cfg.RetryBackoffMax
	}
	return d
}

// QueryRange returns finalized aggregates for a rule whose windows
// overlap [start, end), optionally restricted to group keys extending
// the given prefix, ordered by window start then group key.
func (s *Store) QueryRange(ctx context.Context, ruleID string, groupPrefix []string, start, end time.Time) ([]models.AggregateResult, error) {
	qStart := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, group_key, window_start, window_end, value, event_count
		FROM aggregate_results
		WHERE rule_id = ? AND window_start < ? AND window_end > ?
		ORDER BY window_start, group_key`,
		ruleID, end.UTC(), start.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying aggregates for %s: %w", ruleID, err)
	}
	defer rows.Close()

	var out []models.AggregateResult
	for rows.Next() {
		var res models.AggregateResult
		var key string
		if err := rows.Scan(&res.RuleID, &key, &res.WindowStart, &res.WindowEnd, &res.Value, &res.Count); err != nil {
			return nil, fmt.Errorf("scanning aggregate row: %w", err)
		}
		res.GroupKey = models.GroupKey(key)
		res.WindowStart = res.WindowStart.UTC()
		res.WindowEnd = res.WindowEnd.UTC()
		if len(groupPrefix) > 0 && !res.GroupKey.HasPrefix(groupPrefix) {
			continue
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating aggregate rows: %w", err)
	}
	metrics.StoreQueryDuration.Observe(time.Since(qStart).Seconds())
	return out, nil
}

// RawEventCount reports rows in the raw log, for the stats surface.
func (s *Store) RawEventCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_events`).Scan(&n)
	return n, err
}

// Serve runs the retention sweep until the context ends.
func (s *Store) Serve(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Info().
		Dur("retention", s.cfg.Retention).
		Dur("interval", interval).
		Msg("Retention sweep starting")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep deletes raw events and aggregates older than the retention
// horizon. Each table is swept in its own statement so a failure on one
// does not block the other.
func (s *Store) sweep(ctx context.Context) {
	if s.cfg.Retention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.cfg.Retention)

	if n, err := s.execCount(ctx, `DELETE FROM raw_events WHERE ts < ?`, cutoff); err != nil {
		logging.Error().Err(err).Msg("Retention sweep failed for raw events")
	} else if n > 0 {
		metrics.RetentionSweepDeleted.WithLabelValues("raw_events").Add(float64(n))
		logging.Info().Int64("deleted", n).Msg("Swept raw events past retention")
	}

	if n, err := s.execCount(ctx, `DELETE FROM aggregate_results WHERE window_end < ?`, cutoff); err != nil {
		logging.Error().Err(err).Msg("Retention sweep failed for aggregates")
	} else if n > 0 {
		metrics.RetentionSweepDeleted.WithLabelValues("aggregate_results").Add(float64(n))
		logging.Info().Int64("deleted", n).Msg("Swept aggregates past retention")
	}
}

func (s *Store) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
