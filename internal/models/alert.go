// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package models

import "time"

// AlertStatus is the state of one (alert rule, group key) state machine.
type AlertStatus string

const (
	// AlertOK means the condition does not hold.
	AlertOK AlertStatus = "ok"
	// AlertPending means the condition holds but the required consecutive
	// breach count has not yet been reached.
	AlertPending AlertStatus = "pending"
	// AlertFiring means the condition held for the required consecutive
	// windows and a "fired" notification was emitted.
	AlertFiring AlertStatus = "firing"
)

// AlertTransition is an edge-triggered notification: emitted exactly once
// on the transition into FIRING ("fired") and once on the transition from
// FIRING back to OK ("resolved").
type AlertTransition struct {
	AlertRuleID string      `json:"alert_rule_id"`
	RuleName    string      `json:"rule_name"`
	GroupKey    GroupKey    `json:"group_key"`
	From        AlertStatus `json:"from"`
	To          AlertStatus `json:"to"`
	Value       float64     `json:"value"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`
	OccurredAt  time.Time   `json:"occurred_at"`
}

// Fired reports whether this transition entered the FIRING state.
func (t *AlertTransition) Fired() bool {
	return t.To == AlertFiring
}

// Resolved reports whether this transition left the FIRING state.
func (t *AlertTransition) Resolved() bool {
	return t.From == AlertFiring && t.To == AlertOK
}
