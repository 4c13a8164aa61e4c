// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package rules

import (
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
)

// fileAggregation is the on-disk form of an AggregationRule. Windows are
// written as duration strings ("1m", "5m") rather than nanosecond counts.
type fileAggregation struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Enabled    bool     `json:"enabled"`
	Filter     *Filter  `json:"filter,omitempty"`
	GroupBy    []string `json:"group_by,omitempty"`
	Agg        AggKind  `json:"agg"`
	ValueField string   `json:"value_field,omitempty"`
	Percentile float64  `json:"percentile,omitempty"`
	Window     string   `json:"window"`
}

// fileAlert is the on-disk form of an AlertRule.
type fileAlert struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	Enabled             bool        `json:"enabled"`
	AggregationRuleID   string      `json:"aggregation_rule_id"`
	Op                  ConditionOp `json:"op"`
	Threshold           float64     `json:"threshold"`
	ConsecutiveBreaches int         `json:"consecutive_breaches"`
	Channels            []string    `json:"channels,omitempty"`
}

// ruleFile is the on-disk rule set format. Aggregation rules are listed
// before alert rules so alert references resolve.
type ruleFile struct {
	Aggregations []fileAggregation `json:"aggregations"`
	Alerts       []fileAlert       `json:"alerts"`
}

// SeedFromFile loads a JSON rule file into the registry and returns how
// many aggregation and alert rules were installed. A rule that fails
// validation aborts the seed so a typo cannot silently drop half the
// rule set.
func SeedFromFile(reg *Registry, path string) (aggs, alerts int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read rule file: %w", err)
	}
	var rf ruleFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return 0, 0, fmt.Errorf("parse rule file %s: %w", path, err)
	}

	for _, fa := range rf.Aggregations {
		window, err := time.ParseDuration(fa.Window)
		if err != nil {
			return aggs, alerts, fmt.Errorf("aggregation rule %q: bad window %q: %w", fa.ID, fa.Window, err)
		}
		rule := &AggregationRule{
			ID:         fa.ID,
			Name:       fa.Name,
			Enabled:    fa.Enabled,
			Filter:     fa.Filter,
			GroupBy:    fa.GroupBy,
			Agg:        fa.Agg,
			ValueField: fa.ValueField,
			Percentile: fa.Percentile,
			Window:     window,
		}
		if err := reg.PutAggregation(rule); err != nil {
			return aggs, alerts, fmt.Errorf("aggregation rule %q: %w", fa.ID, err)
		}
		aggs++
	}

	for _, fl := range rf.Alerts {
		rule := &AlertRule{
			ID:                  fl.ID,
			Name:                fl.Name,
			Enabled:             fl.Enabled,
			AggregationRuleID:   fl.AggregationRuleID,
			Op:                  fl.Op,
			Threshold:           fl.Threshold,
			ConsecutiveBreaches: fl.ConsecutiveBreaches,
			Channels:            fl.Channels,
		}
		if err := reg.PutAlert(rule); err != nil {
			return aggs, alerts, fmt.Errorf("alert rule %q: %w", fl.ID, err)
		}
		alerts++
	}
	return aggs, alerts, nil
}
