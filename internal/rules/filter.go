// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package rules

import (
	"fmt"
	"strings"

	"github.com/tidewatch/tidewatch/internal/event"
)

// FilterKind tags a node in a filter expression tree.
type FilterKind string

const (
	// FilterEquals matches when the named field renders to Value exactly.
	FilterEquals FilterKind = "equals"

	// FilterRange matches when the named field holds a numeric value in
	// [Min, Max]. Either bound may be omitted via the Has flags.
	FilterRange FilterKind = "range"

	// FilterAnd matches when every child matches. An empty child list
	// matches everything.
	FilterAnd FilterKind = "and"
)

// Filter is one node of a predicate expression tree applied to events.
// Leaf nodes (equals, range) test a single field; the and node combines
// children conjunctively.
type Filter struct {
	Kind FilterKind `json:"kind"`

	// Field is the event field tested by leaf nodes.
	Field string `json:"field,omitempty"`

	// Value is the expected rendering for equals nodes.
	Value string `json:"value,omitempty"`

	Min    float64 `json:"min,omitempty"`
	HasMin bool    `json:"has_min,omitempty"`
	Max    float64 `json:"max,omitempty"`
	HasMax bool    `json:"has_max,omitempty"`

	Children []*Filter `json:"children,omitempty"`
}

// Equals builds an equality leaf.
func Equals(field, value string) *Filter {
	return &Filter{Kind: FilterEquals, Field: field, Value: value}
}

// Range builds a closed numeric range leaf.
func Range(field string, min, max float64) *Filter {
	return &Filter{Kind: FilterRange, Field: field, Min: min, HasMin: true, Max: max, HasMax: true}
}

// AtLeast builds a lower-bounded range leaf.
func AtLeast(field string, min float64) *Filter {
	return &Filter{Kind: FilterRange, Field: field, Min: min, HasMin: true}
}

// AtMost builds an upper-bounded range leaf.
func AtMost(field string, max float64) *Filter {
	return &Filter{Kind: FilterRange, Field: field, Max: max, HasMax: true}
}

// And combines filters conjunctively.
func And(children ...*Filter) *Filter {
	return &Filter{Kind: FilterAnd, Children: children}
}

// Validate checks the tree for structural problems.
func (f *Filter) Validate() error {
	switch f.Kind {
	case FilterEquals:
		if strings.TrimSpace(f.Field) == "" {
			return fmt.Errorf("filter: equals node requires a field")
		}
	case FilterRange:
		if strings.TrimSpace(f.Field) == "" {
			return fmt.Errorf("filter: range node requires a field")
		}
		if !f.HasMin && !f.HasMax {
			return fmt.Errorf("filter: range node on %q has no bounds", f.Field)
		}
		if f.HasMin && f.HasMax && f.Min > f.Max {
			return fmt.Errorf("filter: range node on %q has min %v above max %v", f.Field, f.Min, f.Max)
		}
	case FilterAnd:
		for _, c := range f.Children {
			if c == nil {
				return fmt.Errorf("filter: and node has a nil child")
			}
			if err := c.Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("filter: unknown kind %q", f.Kind)
	}
	return nil
}

// Matches evaluates the tree against an event. Range nodes on fields that
// are missing or non-numeric do not match.
func (f *Filter) Matches(e *event.Event) bool {
	switch f.Kind {
	case FilterEquals:
		return fieldValue(e, f.Field) == f.Value
	case FilterRange:
		raw, ok := rawFieldValue(e, f.Field)
		if !ok {
			return false
		}
		v, ok := event.NumericValue(raw)
		if !ok {
			return false
		}
		if f.HasMin && v < f.Min {
			return false
		}
		if f.HasMax && v > f.Max {
			return false
		}
		return true
	case FilterAnd:
		for _, c := range f.Children {
			if !c.Matches(e) {
				return false
			}
		}
		return true
	}
	return false
}

// rawFieldValue resolves a field to its untyped property value. Envelope
// fields are strings and never satisfy numeric predicates.
func rawFieldValue(e *event.Event, field string) (any, bool) {
	switch field {
	case "type", "source", "user_id", "session_id":
		return fieldValue(e, field), true
	}
	if e.Properties == nil {
		return nil, false
	}
	v, ok := e.Properties[field]
	return v, ok
}
