// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package rules defines aggregation and alert rule types and the in-memory
// registry that serves them to the processing and alerting pipelines.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidewatch/tidewatch/internal/event"
	"github.com/tidewatch/tidewatch/internal/models"
)

// AggKind identifies the aggregation function applied to a window bucket.
type AggKind string

const (
	AggCount      AggKind = "count"
	AggSum        AggKind = "sum"
	AggMin        AggKind = "min"
	AggMax        AggKind = "max"
	AggAvg        AggKind = "avg"
	AggPercentile AggKind = "percentile"
)

// NeedsValueField reports whether the aggregation reads a numeric property
// from matching events. Count is the only kind that does not.
func (k AggKind) NeedsValueField() bool {
	return k != AggCount
}

// Valid reports whether k is a recognized aggregation kind.
func (k AggKind) Valid() bool {
	switch k {
	case AggCount, AggSum, AggMin, AggMax, AggAvg, AggPercentile:
		return true
	}
	return false
}

// AggregationRule describes one continuous aggregation: which events to
// match, how to group them, and how to fold matching events into tumbling
// windows.
type AggregationRule struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	// Filter selects the events the rule applies to. A nil filter matches
	// every event.
	Filter *Filter `json:"filter,omitempty"`

	// GroupBy lists the event fields whose values form the group key.
	// Ordering is significant: the same fields in a different order
	// produce a different rule.
	GroupBy []string `json:"group_by,omitempty"`

	Agg AggKind `json:"agg"`

	// ValueField names the event property folded by sum/min/max/avg/percentile.
	ValueField string `json:"value_field,omitempty"`

	// Percentile in (0, 100], used only when Agg is AggPercentile.
	Percentile float64 `json:"percentile,omitempty"`

	// Window is the tumbling window length. Buckets are aligned to
	// multiples of this duration in event time.
	Window time.Duration `json:"window"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the rule for structural problems before it is admitted
// to the registry.
func (r *AggregationRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("aggregation rule: id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("aggregation rule %s: name is required", r.ID)
	}
	if !r.Agg.Valid() {
		return fmt.Errorf("aggregation rule %s: unknown aggregation %q", r.ID, r.Agg)
	}
	if r.Agg.NeedsValueField() && strings.TrimSpace(r.ValueField) == "" {
		return fmt.Errorf("aggregation rule %s: %s requires value_field", r.ID, r.Agg)
	}
	if r.Agg == AggPercentile && (r.Percentile <= 0 || r.Percentile > 100) {
		return fmt.Errorf("aggregation rule %s: percentile must be in (0, 100], got %v", r.ID, r.Percentile)
	}
	if r.Window <= 0 {
		return fmt.Errorf("aggregation rule %s: window must be positive", r.ID)
	}
	for _, f := range r.GroupBy {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("aggregation rule %s: empty group_by field", r.ID)
		}
	}
	if r.Filter != nil {
		if err := r.Filter.Validate(); err != nil {
			return fmt.Errorf("aggregation rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// Matches reports whether the rule's filter accepts the event. Disabled
// rules match nothing.
func (r *AggregationRule) Matches(e *event.Event) bool {
	if !r.Enabled {
		return false
	}
	if r.Filter == nil {
		return true
	}
	return r.Filter.Matches(e)
}

// GroupKeyFor derives the group key for an event under this rule. Fields
// absent from the event contribute an empty component so that key shape
// stays stable across events.
func (r *AggregationRule) GroupKeyFor(e *event.Event) models.GroupKey {
	if len(r.GroupBy) == 0 {
		return models.GroupKey("")
	}
	vals := make([]string, len(r.GroupBy))
	for i, field := range r.GroupBy {
		vals[i] = fieldValue(e, field)
	}
	return models.MakeGroupKey(vals)
}

// ConditionOp is a comparison operator in an alert condition.
type ConditionOp string

const (
	OpGreaterThan  ConditionOp = ">"
	OpGreaterEqual ConditionOp = ">="
	OpLessThan     ConditionOp = "<"
	OpLessEqual    ConditionOp = "<="
	OpEqual        ConditionOp = "=="
	OpNotEqual     ConditionOp = "!="
)

// Compare applies the operator to an observed aggregate value.
func (op ConditionOp) Compare(value, threshold float64) bool {
	switch op {
	case OpGreaterThan:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLessThan:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	}
	return false
}

// Valid reports whether op is a recognized operator.
func (op ConditionOp) Valid() bool {
	switch op {
	case OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// AlertRule evaluates finalized aggregates against a threshold condition
// with consecutive-breach hysteresis.
type AlertRule struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	// AggregationRuleID names the aggregation whose finalized windows
	// this rule evaluates.
	AggregationRuleID string `json:"aggregation_rule_id"`

	Op        ConditionOp `json:"op"`
	Threshold float64     `json:"threshold"`

	// ConsecutiveBreaches is the number of consecutive breaching windows
	// required before the rule fires. Minimum 1.
	ConsecutiveBreaches int `json:"consecutive_breaches"`

	// Channels names the notification channels to deliver transitions to.
	// Empty means log-only.
	Channels []string `json:"channels,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the alert rule for structural problems.
func (r *AlertRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("alert rule: id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("alert rule %s: name is required", r.ID)
	}
	if strings.TrimSpace(r.AggregationRuleID) == "" {
		return fmt.Errorf("alert rule %s: aggregation_rule_id is required", r.ID)
	}
	if !r.Op.Valid() {
		return fmt.Errorf("alert rule %s: unknown operator %q", r.ID, r.Op)
	}
	if r.ConsecutiveBreaches < 1 {
		return fmt.Errorf("alert rule %s: consecutive_breaches must be at least 1", r.ID)
	}
	return nil
}

// Breached reports whether the aggregate value breaches the condition.
func (r *AlertRule) Breached(value float64) bool {
	return r.Op.Compare(value, r.Threshold)
}

// fieldValue resolves a group-by or filter field against an event. The
// reserved names "type", "source", "user_id", and "session_id" address the
// envelope; anything else reads from Properties.
func fieldValue(e *event.Event, field string) string {
	switch field {
	case "type":
		return e.Type
	case "source":
		return e.Source
	case "user_id":
		return e.UserID
	case "session_id":
		return e.SessionID
	}
	return e.PropertyString(field)
}
