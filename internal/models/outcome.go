// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package models

// OutcomeStatus classifies the fate of one event within an ingestion batch.
type OutcomeStatus string

const (
	// OutcomeAccepted indicates the event was validated and admitted.
	OutcomeAccepted OutcomeStatus = "accepted"
	// OutcomeDuplicate indicates an idempotent no-op: the identifier was
	// seen within the dedupe horizon. Not an error.
	OutcomeDuplicate OutcomeStatus = "duplicate"
	// OutcomeRejected indicates the event failed validation.
	OutcomeRejected OutcomeStatus = "rejected"
	// OutcomeBackpressure indicates admission control refused the event;
	// the caller may retry the remainder of the batch.
	OutcomeBackpressure OutcomeStatus = "backpressure"
)

// Outcome reports the result for a single event in an ingestion batch.
// A batch response always carries one Outcome per submitted item, in
// submission order.
type Outcome struct {
	EventID string        `json:"event_id,omitempty"`
	Status  OutcomeStatus `json:"status"`
	Reason  string        `json:"reason,omitempty"`
}
