// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package rules

import (
	"testing"
	"time"

	"github.com/tidewatch/tidewatch/internal/event"
	"github.com/tidewatch/tidewatch/internal/models"
)

func testEvent() *event.Event {
	return &event.Event{
		ID:     "e1",
		Type:   "click",
		Source: "web",
		UserID: "u1",
		Properties: map[string]any{
			"page":       "/home",
			"latency_ms": 120.0,
			"region":     "us-east",
		},
	}
}

func countRule(id string) *AggregationRule {
	return &AggregationRule{
		ID:      id,
		Name:    id,
		Enabled: true,
		Agg:     AggCount,
		Window:  time.Minute,
	}
}

func TestFilterEquals(t *testing.T) {
	e := testEvent()

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"envelope match", Equals("type", "click"), true},
		{"envelope mismatch", Equals("type", "view"), false},
		{"property match", Equals("region", "us-east"), true},
		{"missing property", Equals("nope", "x"), false},
		{"missing equals empty", Equals("nope", ""), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(e); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterRange(t *testing.T) {
	e := testEvent()

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"inside", Range("latency_ms", 100, 200), true},
		{"below min", Range("latency_ms", 150, 200), false},
		{"above max", Range("latency_ms", 0, 100), false},
		{"at least", AtLeast("latency_ms", 120), true},
		{"at most", AtMost("latency_ms", 119), false},
		{"non numeric field", Range("region", 0, 10), false},
		{"missing field", Range("absent", 0, 10), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(e); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterConjunction(t *testing.T) {
	e := testEvent()

	all := And(Equals("type", "click"), AtLeast("latency_ms", 100))
	if !all.Matches(e) {
		t.Error("expected conjunction of true predicates to match")
	}

	mixed := And(Equals("type", "click"), Equals("region", "eu-west"))
	if mixed.Matches(e) {
		t.Error("expected conjunction with false predicate to fail")
	}

	if !And().Matches(e) {
		t.Error("expected empty conjunction to match everything")
	}
}

func TestFilterValidate(t *testing.T) {
	tests := []struct {
		name    string
		filter  *Filter
		wantErr bool
	}{
		{"valid equals", Equals("type", "click"), false},
		{"equals without field", &Filter{Kind: FilterEquals}, true},
		{"range without bounds", &Filter{Kind: FilterRange, Field: "x"}, true},
		{"range inverted bounds", Range("x", 10, 5), true},
		{"unknown kind", &Filter{Kind: "xor"}, true},
		{"nested invalid child", And(Equals("a", "b"), &Filter{Kind: FilterRange, Field: "x"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.filter.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAggregationRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AggregationRule)
		wantErr bool
	}{
		{"valid count", func(r *AggregationRule) {}, false},
		{"missing id", func(r *AggregationRule) { r.ID = "" }, true},
		{"sum without value field", func(r *AggregationRule) { r.Agg = AggSum }, true},
		{"sum with value field", func(r *AggregationRule) { r.Agg = AggSum; r.ValueField = "latency_ms" }, false},
		{"percentile out of range", func(r *AggregationRule) {
			r.Agg = AggPercentile
			r.ValueField = "latency_ms"
			r.Percentile = 101
		}, true},
		{"zero window", func(r *AggregationRule) { r.Window = 0 }, true},
		{"blank group by field", func(r *AggregationRule) { r.GroupBy = []string{"region", " "} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := countRule("agg-1")
			tt.mutate(r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGroupKeyFor(t *testing.T) {
	e := testEvent()

	r := countRule("agg-1")
	r.GroupBy = []string{"region", "type"}
	got := r.GroupKeyFor(e)
	want := models.MakeGroupKey([]string{"us-east", "click"})
	if got != want {
		t.Errorf("GroupKeyFor = %q, want %q", got, want)
	}

	r.GroupBy = []string{"absent", "type"}
	got = r.GroupKeyFor(e)
	if vals := got.Values(); len(vals) != 2 || vals[0] != "" || vals[1] != "click" {
		t.Errorf("missing field should yield empty component, got %v", vals)
	}

	r.GroupBy = nil
	if r.GroupKeyFor(e) != models.GroupKey("") {
		t.Error("expected empty key for ungrouped rule")
	}
}

func TestDisabledRuleMatchesNothing(t *testing.T) {
	r := countRule("agg-1")
	r.Enabled = false
	if r.Matches(testEvent()) {
		t.Error("disabled rule matched an event")
	}
}

func TestConditionOps(t *testing.T) {
	tests := []struct {
		op        ConditionOp
		value     float64
		threshold float64
		want      bool
	}{
		{OpGreaterThan, 51, 50, true},
		{OpGreaterThan, 50, 50, false},
		{OpGreaterEqual, 50, 50, true},
		{OpLessThan, 49, 50, true},
		{OpLessEqual, 50, 50, true},
		{OpEqual, 50, 50, true},
		{OpNotEqual, 50, 50, false},
	}
	for _, tt := range tests {
		if got := tt.op.Compare(tt.value, tt.threshold); got != tt.want {
			t.Errorf("%v Compare(%v, %v) = %v, want %v", tt.op, tt.value, tt.threshold, got, tt.want)
		}
	}
}

func TestRegistryCRUD(t *testing.T) {
	reg := NewRegistry()

	agg := countRule("agg-1")
	if err := reg.PutAggregation(agg); err != nil {
		t.Fatalf("PutAggregation: %v", err)
	}
	if _, ok := reg.Aggregation("agg-1"); !ok {
		t.Fatal("aggregation not retrievable")
	}

	alert := &AlertRule{
		ID: "al-1", Name: "high clicks", Enabled: true,
		AggregationRuleID: "agg-1", Op: OpGreaterThan, Threshold: 50,
		ConsecutiveBreaches: 2,
	}
	if err := reg.PutAlert(alert); err != nil {
		t.Fatalf("PutAlert: %v", err)
	}

	dangling := &AlertRule{
		ID: "al-2", Name: "dangling", Enabled: true,
		AggregationRuleID: "agg-missing", Op: OpGreaterThan, Threshold: 1,
		ConsecutiveBreaches: 1,
	}
	if err := reg.PutAlert(dangling); err == nil {
		t.Error("expected error for alert on unknown aggregation rule")
	}

	if got := reg.AlertsFor("agg-1"); len(got) != 1 || got[0].ID != "al-1" {
		t.Errorf("AlertsFor = %v", got)
	}

	// Deleting the aggregation cascades to its alerts.
	if !reg.DeleteAggregation("agg-1") {
		t.Fatal("DeleteAggregation reported missing rule")
	}
	if _, ok := reg.Alert("al-1"); ok {
		t.Error("alert survived deletion of its aggregation rule")
	}
}

func TestRegistryListsOnlyEnabled(t *testing.T) {
	reg := NewRegistry()
	on := countRule("agg-on")
	off := countRule("agg-off")
	off.Enabled = false
	if err := reg.PutAggregation(on); err != nil {
		t.Fatal(err)
	}
	if err := reg.PutAggregation(off); err != nil {
		t.Fatal(err)
	}

	got := reg.Aggregations()
	if len(got) != 1 || got[0].ID != "agg-on" {
		t.Errorf("Aggregations = %v", got)
	}
}

func TestRegistryGenerationAdvances(t *testing.T) {
	reg := NewRegistry()
	g0 := reg.Generation()
	if err := reg.PutAggregation(countRule("agg-1")); err != nil {
		t.Fatal(err)
	}
	if reg.Generation() == g0 {
		t.Error("generation did not advance on mutation")
	}
}
