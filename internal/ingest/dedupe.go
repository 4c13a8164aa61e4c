// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package ingest accepts event batches at the system boundary: validation,
// duplicate suppression, durable raw append, and admission into the
// processing pipeline.
package ingest

import (
	"sync"
	"time"
)

// DedupeSet remembers recently seen event identifiers for duplicate
// suppression. It is a bounded LRU with TTL: identifiers older than the
// dedupe window, or evicted under memory pressure, are forgotten, so
// suppression is best effort beyond the configured horizon.
//
// A doubly-linked list tracks recency and a map gives O(1) lookup. The
// head sentinel's next is the most recently seen identifier.
type DedupeSet struct {
	mu sync.Mutex

	capacity int
	ttl      time.Duration

	items map[string]*dedupeEntry
	head  *dedupeEntry
	tail  *dedupeEntry

	hits      int64
	evictions int64

	now func() time.Time
}

type dedupeEntry struct {
	id        string
	expiresAt time.Time
	prev      *dedupeEntry
	next      *dedupeEntry
}

// NewDedupeSet creates a dedupe set bounded by capacity entries and ttl age.
func NewDedupeSet(capacity int, ttl time.Duration) *DedupeSet {
	if capacity <= 0 {
		capacity = 100000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	s := &DedupeSet{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*dedupeEntry, capacity),
		head:     &dedupeEntry{},
		tail:     &dedupeEntry{},
		now:      time.Now,
	}
	s.head.next = s.tail
	s.tail.prev = s.head
	return s
}

// Seen records an identifier and reports whether it was already present
// and unexpired. The check and the insert are a single atomic step so two
// concurrent submissions of the same identifier cannot both be accepted.
func (s *DedupeSet) Seen(id string) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.items[id]; ok {
		if now.Before(entry.expiresAt) {
			s.moveToFront(entry)
			s.hits++
			return true
		}
		// Expired entry: treat as unseen and refresh in place.
		entry.expiresAt = now.Add(s.ttl)
		s.moveToFront(entry)
		return false
	}

	entry := &dedupeEntry{id: id, expiresAt: now.Add(s.ttl)}
	s.items[id] = entry
	s.pushFront(entry)

	if len(s.items) > s.capacity {
		oldest := s.tail.prev
		if oldest != s.head {
			s.removeEntry(oldest)
			s.evictions++
		}
	}
	return false
}

// Forget removes an identifier so a later submission is not treated as a
// duplicate. Used when admission fails after the identifier was recorded.
func (s *DedupeSet) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.items[id]; ok {
		s.removeEntry(entry)
	}
}

// Len returns the current number of remembered identifiers.
func (s *DedupeSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// DedupeStats is a point-in-time snapshot of dedupe behavior.
type DedupeStats struct {
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Evictions int64 `json:"evictions"`
}

// Stats returns a snapshot of the set's counters.
func (s *DedupeSet) Stats() DedupeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DedupeStats{
		Size:      len(s.items),
		Capacity:  s.capacity,
		Hits:      s.hits,
		Evictions: s.evictions,
	}
}

func (s *DedupeSet) pushFront(e *dedupeEntry) {
	e.prev = s.head
	e.next = s.head.next
	s.head.next.prev = e
	s.head.next = e
}

func (s *DedupeSet) moveToFront(e *dedupeEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	s.pushFront(e)
}

func (s *DedupeSet) removeEntry(e *dedupeEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	delete(s.items, e.id)
}
