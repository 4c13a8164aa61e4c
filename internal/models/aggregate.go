// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package models holds the data types shared across pipeline components:
// finalized aggregates, ingestion outcomes, and alert transitions.
// It has no internal dependencies so every component can import it.
package models

import (
	"strings"
	"time"
)

// GroupKeySeparator joins group-by property values into a single key.
const GroupKeySeparator = "\x1f"

// GroupKey is the joined tuple of group-by property values for a bucket.
type GroupKey string

// MakeGroupKey joins the ordered group-by values into a GroupKey. The
// separator is legal inside JSON string values, so any occurrence in a
// value is stripped; a crafted property value must not forge component
// boundaries.
func MakeGroupKey(values []string) GroupKey {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strings.ReplaceAll(v, GroupKeySeparator, "")
	}
	return GroupKey(strings.Join(parts, GroupKeySeparator))
}

// Values splits the key back into its ordered group-by values.
func (k GroupKey) Values() []string {
	if k == "" {
		return nil
	}
	return strings.Split(string(k), GroupKeySeparator)
}

// HasPrefix reports whether the key's leading values match the given prefix.
// An empty prefix matches every key.
func (k GroupKey) HasPrefix(prefix []string) bool {
	if len(prefix) == 0 {
		return true
	}
	values := k.Values()
	if len(prefix) > len(values) {
		return false
	}
	for i, p := range prefix {
		if values[i] != p {
			return false
		}
	}
	return true
}

// AggregateResult is the flushed, queryable form of a window bucket.
// Once emitted by the stream processor it is immutable; the Partial flag
// is only ever true on results read from still-open buckets.
type AggregateResult struct {
	RuleID      string    `json:"rule_id"`
	GroupKey    GroupKey  `json:"group_key"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Value       float64   `json:"value"`
	Count       int64     `json:"count"`
	Partial     bool      `json:"partial"`
}

// WindowKey identifies a window bucket within a shard's live map.
type WindowKey struct {
	RuleID      string
	GroupKey    GroupKey
	WindowStart int64 // unix nanoseconds, always a multiple of the window duration
}
