// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package wal parks raw events and finalized aggregates that could not
// be persisted to the time-series store, in durable BadgerDB storage,
// and replays them once the store recovers. Parked entries survive
// process restarts.
package wal

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tidewatch/tidewatch/internal/event"
	"github.com/tidewatch/tidewatch/internal/logging"
	"github.com/tidewatch/tidewatch/internal/metrics"
	"github.com/tidewatch/tidewatch/internal/models"
)

const keyPrefix = "parked:"

// Entry is one parked write with its retry bookkeeping. Exactly one of
// Event and Result is set: a non-nil Event is a raw-log write, otherwise
// the entry carries an aggregate.
type Entry struct {
	ID            string                 `json:"id"`
	Event         *event.Event           `json:"event,omitempty"`
	Result        models.AggregateResult `json:"result"`
	CreatedAt     time.Time              `json:"created_at"`
	Attempts      int                    `json:"attempts"`
	LastAttemptAt time.Time              `json:"last_attempt_at,omitempty"`
	LastError     string                 `json:"last_error,omitempty"`
}

// Config tunes the parking queue's storage.
type Config struct {
	// Path is the BadgerDB directory.
	Path string

	// SyncWrites forces fsync on every park. Slower but crash-safe.
	SyncWrites bool
}

// Queue is the durable parking lot. It satisfies the store's Parker
// contract on the write side; the RetryLoop drains it.
type Queue struct {
	db *badger.DB

	parked   atomic.Int64
	replayed atomic.Int64
	expired  atomic.Int64
}

// Open opens or creates the queue at cfg.Path.
func Open(cfg Config) (*Queue, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", cfg.Path, err)
	}

	q := &Queue{db: db}
	pending, err := q.Pending()
	if err != nil {
		db.Close()
		return nil, err
	}
	if len(pending) > 0 {
		logging.Info().
			Int("entries", len(pending)).
			Str("path", cfg.Path).
			Msg("Recovered parked aggregates from previous run")
	}
	metrics.WALPendingEntries.Set(float64(len(pending)))
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Park durably stores an aggregate for later replay.
func (q *Queue) Park(res models.AggregateResult) error {
	if err := q.put(Entry{Result: res}); err != nil {
		return fmt.Errorf("parking aggregate %s/%s: %w", res.RuleID, res.GroupKey, err)
	}
	return nil
}

// ParkRaw durably stores a raw event for later replay.
func (q *Queue) ParkRaw(e *event.Event) error {
	if err := q.put(Entry{Event: e}); err != nil {
		return fmt.Errorf("parking raw event %s: %w", e.ID, err)
	}
	return nil
}

func (q *Queue) put(entry Entry) error {
	entry.ID = uuid.New().String()
	entry.CreatedAt = time.Now().UTC()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling parked entry: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(q.key(entry.ID), data)
	})
	if err != nil {
		return err
	}
	q.parked.Add(1)
	metrics.WALPendingEntries.Inc()
	return nil
}

// Pending returns every parked entry, oldest first.
func (q *Queue) Pending() ([]*Entry, error) {
	var out []*Entry
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var entry Entry
				if err := json.Unmarshal(val, &entry); err != nil {
					return fmt.Errorf("unmarshaling parked entry: %w", err)
				}
				out = append(out, &entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning parked entries: %w", err)
	}
	return out, nil
}

// Update rewrites an entry's retry bookkeeping in place.
func (q *Queue) Update(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling parked entry: %w", err)
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(q.key(entry.ID), data)
	})
}

// Remove deletes a replayed or expired entry.
func (q *Queue) Remove(id string) error {
	err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(q.key(id))
	})
	if err != nil {
		return fmt.Errorf("removing parked entry %s: %w", id, err)
	}
	metrics.WALPendingEntries.Dec()
	return nil
}

func (q *Queue) key(id string) []byte {
	return []byte(keyPrefix + id)
}

// Stats is a snapshot of queue activity since open.
type Stats struct {
	Parked   int64 `json:"parked"`
	Replayed int64 `json:"replayed"`
	Expired  int64 `json:"expired"`
}

// Stats returns the queue's counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Parked:   q.parked.Load(),
		Replayed: q.replayed.Load(),
		Expired:  q.expired.Load(),
	}
}
