// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package event

import (
	"testing"
	"time"
)

func TestValidatorDefaultsIdentityAndTimestamp(t *testing.T) {
	receive := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := &Validator{Now: func() time.Time { return receive }}

	e := &Event{Type: "click", Source: "web"}
	if errs := v.Validate(e); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if e.ID == "" {
		t.Error("expected server-assigned ID")
	}
	if !e.Timestamp.Equal(receive) {
		t.Errorf("expected timestamp defaulted to receive time, got %v", e.Timestamp)
	}
}

func TestValidatorPreservesClientValues(t *testing.T) {
	ts := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	v := NewValidator()

	e := &Event{ID: "evt-1", Timestamp: ts, Type: "click", Source: "web"}
	if errs := v.Validate(e); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if e.ID != "evt-1" {
		t.Errorf("client ID overwritten: %s", e.ID)
	}
	if !e.Timestamp.Equal(ts) {
		t.Errorf("client timestamp overwritten: %v", e.Timestamp)
	}
}

func TestValidatorRequiredFields(t *testing.T) {
	tests := []struct {
		name      string
		event     *Event
		wantField string
	}{
		{"missing type", &Event{Source: "web"}, "type"},
		{"missing source", &Event{Type: "click"}, "source"},
		{"blank type", &Event{Type: "  ", Source: "web"}, "type"},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.Validate(tt.event)
			if len(errs) == 0 {
				t.Fatal("expected validation errors")
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on field %q, got %v", tt.wantField, errs)
			}
		})
	}
}

func TestValidatorCollectsAllOffendingFields(t *testing.T) {
	v := NewValidator()
	e := &Event{Properties: map[string]any{"nested": map[string]any{"a": 1}}}

	errs := v.Validate(e)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors (type, source, property), got %d: %v", len(errs), errs)
	}
}

func TestValidatorRejectsUnsupportedPropertyTypes(t *testing.T) {
	v := NewValidator()
	e := &Event{
		Type:   "click",
		Source: "web",
		Properties: map[string]any{
			"ok_string": "a",
			"ok_bool":   true,
			"ok_num":    42.0,
			"bad_slice": []any{1, 2},
		},
	}

	errs := v.Validate(e)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
	if errs[0].Field != "properties.bad_slice" {
		t.Errorf("unexpected field: %s", errs[0].Field)
	}
}

func TestPropertyStringRendering(t *testing.T) {
	e := &Event{Properties: map[string]any{
		"s": "us-east",
		"b": true,
		"i": 42.0, // JSON numbers arrive as float64
		"f": 1.5,
	}}

	tests := []struct {
		prop string
		want string
	}{
		{"s", "us-east"},
		{"b", "true"},
		{"i", "42"},
		{"f", "1.5"},
		{"missing", ""},
	}
	for _, tt := range tests {
		if got := e.PropertyString(tt.prop); got != tt.want {
			t.Errorf("PropertyString(%q) = %q, want %q", tt.prop, got, tt.want)
		}
	}
}

func TestNumericValue(t *testing.T) {
	if v, ok := NumericValue(42.5); !ok || v != 42.5 {
		t.Errorf("NumericValue(42.5) = %v, %v", v, ok)
	}
	if v, ok := NumericValue(int64(7)); !ok || v != 7 {
		t.Errorf("NumericValue(int64(7)) = %v, %v", v, ok)
	}
	if _, ok := NumericValue("nope"); ok {
		t.Error("expected string to be non-numeric")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	e := New("click", "web")
	e.Properties["page"] = "/home"

	data, err := e.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != e.ID || got.Type != "click" || got.PropertyString("page") != "/home" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}
