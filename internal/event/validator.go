// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// Validator normalizes and validates raw event candidates. It has no
// side effects; normalization mutates only the candidate passed in.
type Validator struct {
	// Now supplies receive time for timestamp defaulting. Overridable in
	// tests; defaults to time.Now.
	Now func() time.Time
}

// NewValidator creates a validator using wall-clock time.
func NewValidator() *Validator {
	return &Validator{Now: time.Now}
}

// Validate normalizes the candidate in place and returns one
// ValidationError per offending field. A nil/empty result means the
// event is acceptable.
//
// Normalization: a missing ID is server-assigned, a zero timestamp
// defaults to receive time. Business-logic conditions (duplicates,
// backpressure) are not this layer's concern.
func (v *Validator) Validate(e *Event) []ValidationError {
	if e == nil {
		return []ValidationError{{Field: "event", Reason: "required"}}
	}

	var errs []ValidationError

	if e.ID == "" {
		e.ID = newServerID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = v.now().UTC()
	}

	if strings.TrimSpace(e.Type) == "" {
		errs = append(errs, ValidationError{Field: "type", Reason: "required"})
	}
	if strings.TrimSpace(e.Source) == "" {
		errs = append(errs, ValidationError{Field: "source", Reason: "required"})
	}

	for name, value := range e.Properties {
		if name == "" {
			errs = append(errs, ValidationError{Field: "properties", Reason: "empty property name"})
			continue
		}
		if !isSupportedValue(value) {
			errs = append(errs, ValidationError{
				Field:  "properties." + name,
				Reason: fmt.Sprintf("unsupported value type %T", value),
			})
		}
	}

	return errs
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// isSupportedValue reports whether the property value is a supported
// scalar. JSON numbers arrive as float64; integer types are accepted so
// programmatic callers don't have to convert.
func isSupportedValue(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, nil:
		return true
	default:
		return false
	}
}

// scalarString renders a supported scalar for group-key construction.
// Floats that carry integral values render without a fraction so that
// JSON round-trips don't split group keys.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return scalarString(float64(t))
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// NumericValue extracts a numeric property value for sum/min/max/avg
// aggregation. Non-numeric values report ok=false.
func NumericValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}
