// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry holds the live rule set. Reads dominate writes by orders of
// magnitude (every event consults the aggregation rules), so lookups take
// a read lock and return shared pointers. Rules are treated as immutable
// once registered; updates replace the stored pointer rather than mutating
// in place, so in-flight windows keep evaluating against the rule version
// they opened under.
type Registry struct {
	mu         sync.RWMutex
	aggs       map[string]*AggregationRule
	alerts     map[string]*AlertRule
	generation uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		aggs:   make(map[string]*AggregationRule),
		alerts: make(map[string]*AlertRule),
	}
}

// PutAggregation validates and inserts or replaces an aggregation rule.
func (r *Registry) PutAggregation(rule *AggregationRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.aggs[rule.ID]; ok {
		rule.CreatedAt = existing.CreatedAt
	} else if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	r.aggs[rule.ID] = rule
	r.generation++
	return nil
}

// PutAlert validates and inserts or replaces an alert rule. The referenced
// aggregation rule must already be registered.
func (r *Registry) PutAlert(rule *AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.aggs[rule.AggregationRuleID]; !ok {
		return fmt.Errorf("alert rule %s: unknown aggregation rule %q", rule.ID, rule.AggregationRuleID)
	}
	if existing, ok := r.alerts[rule.ID]; ok {
		rule.CreatedAt = existing.CreatedAt
	} else if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	r.alerts[rule.ID] = rule
	r.generation++
	return nil
}

// DeleteAggregation removes an aggregation rule and every alert rule that
// references it. It reports whether the rule existed.
func (r *Registry) DeleteAggregation(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.aggs[id]; !ok {
		return false
	}
	delete(r.aggs, id)
	for aid, a := range r.alerts {
		if a.AggregationRuleID == id {
			delete(r.alerts, aid)
		}
	}
	r.generation++
	return true
}

// DeleteAlert removes an alert rule, reporting whether it existed.
func (r *Registry) DeleteAlert(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alerts[id]; !ok {
		return false
	}
	delete(r.alerts, id)
	r.generation++
	return true
}

// Aggregation returns the rule with the given id, if registered.
func (r *Registry) Aggregation(id string) (*AggregationRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.aggs[id]
	return rule, ok
}

// Alert returns the alert rule with the given id, if registered.
func (r *Registry) Alert(id string) (*AlertRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.alerts[id]
	return rule, ok
}

// Aggregations returns the enabled aggregation rules in stable id order.
func (r *Registry) Aggregations() []*AggregationRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AggregationRule, 0, len(r.aggs))
	for _, rule := range r.aggs {
		if rule.Enabled {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AlertsFor returns the enabled alert rules bound to an aggregation rule,
// in stable id order.
func (r *Registry) AlertsFor(aggregationRuleID string) []*AlertRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AlertRule, 0, 2)
	for _, rule := range r.alerts {
		if rule.Enabled && rule.AggregationRuleID == aggregationRuleID {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Generation returns a counter that increments on every mutation. Callers
// that cache derived rule state can compare generations to detect change.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}
