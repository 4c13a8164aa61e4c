// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package models

import (
	"reflect"
	"testing"
)

func TestMakeGroupKeyRoundTrip(t *testing.T) {
	vals := []string{"us-east", "web", "checkout"}
	key := MakeGroupKey(vals)
	if got := key.Values(); !reflect.DeepEqual(got, vals) {
		t.Errorf("Values() = %v, want %v", got, vals)
	}
}

func TestMakeGroupKeyStripsSeparator(t *testing.T) {
	// \x1f is legal inside a JSON string, so a crafted property value
	// could otherwise forge extra key components.
	key := MakeGroupKey([]string{"us-east" + GroupKeySeparator + "web", "mobile"})
	got := key.Values()
	if len(got) != 2 {
		t.Fatalf("forged separator split the key into %d components: %v", len(got), got)
	}
	if got[0] != "us-eastweb" || got[1] != "mobile" {
		t.Errorf("Values() = %v", got)
	}

	// The crafted value must not collide with a genuinely two-component
	// prefix.
	if key.HasPrefix([]string{"us-east", "web"}) {
		t.Error("crafted value forged a group-key prefix match")
	}
}

func TestGroupKeyHasPrefix(t *testing.T) {
	key := MakeGroupKey([]string{"us-east", "web"})
	tests := []struct {
		prefix []string
		want   bool
	}{
		{nil, true},
		{[]string{"us-east"}, true},
		{[]string{"us-east", "web"}, true},
		{[]string{"us-west"}, false},
		{[]string{"us-east", "web", "extra"}, false},
	}
	for _, tt := range tests {
		if got := key.HasPrefix(tt.prefix); got != tt.want {
			t.Errorf("HasPrefix(%v) = %v, want %v", tt.prefix, got, tt.want)
		}
	}
}
