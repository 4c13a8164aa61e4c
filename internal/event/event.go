// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package event defines the canonical event format accepted by the
// ingestion gateway and the validator that normalizes raw candidates.
package event

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Event is a single discrete occurrence flowing through the pipeline.
// Events are immutable once accepted by the gateway; the processor and
// store only ever read them.
type Event struct {
	// ID uniquely identifies the event for deduplication. Client-assigned
	// when present, server-assigned otherwise.
	ID string `json:"id"`

	// Timestamp is the event time used for window assignment. Defaults to
	// receive time when the client omits it.
	Timestamp time.Time `json:"timestamp"`

	// Type classifies the event, e.g. "click", "purchase".
	Type string `json:"type"`

	// Source identifies the producing system.
	Source string `json:"source"`

	// Properties carries scalar attributes used by rule filters and
	// group-by keys. Values are strings, booleans, or numbers.
	Properties map[string]any `json:"properties,omitempty"`

	// Optional attribution.
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// newServerID assigns an identifier to events submitted without one.
func newServerID() string {
	return uuid.New().String()
}

// New creates an event with a server-assigned ID and the current time.
func New(eventType, source string) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Type:       eventType,
		Source:     source,
		Properties: map[string]any{},
	}
}

// Property returns the named property and whether it is present.
func (e *Event) Property(name string) (any, bool) {
	if e.Properties == nil {
		return nil, false
	}
	v, ok := e.Properties[name]
	return v, ok
}

// PropertyString returns the property rendered as a string for group-key
// construction. Missing properties render as the empty string.
func (e *Event) PropertyString(name string) string {
	v, ok := e.Property(name)
	if !ok || v == nil {
		return ""
	}
	return scalarString(v)
}

// Marshal serializes the event for transport and raw storage.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserializes an event from its wire form.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
