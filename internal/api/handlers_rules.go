// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/tidewatch/tidewatch/internal/rules"
)

// aggregationRuleDTO is the wire form of an aggregation rule. Windows
// travel as duration strings ("1m", "5m"), matching the rule file format.
type aggregationRuleDTO struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Enabled    bool          `json:"enabled"`
	Filter     *rules.Filter `json:"filter,omitempty"`
	GroupBy    []string      `json:"group_by,omitempty"`
	Agg        rules.AggKind `json:"agg"`
	ValueField string        `json:"value_field,omitempty"`
	Percentile float64       `json:"percentile,omitempty"`
	Window     string        `json:"window"`
	CreatedAt  time.Time     `json:"created_at,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at,omitempty"`
}

func toAggregationDTO(r *rules.AggregationRule) aggregationRuleDTO {
	return aggregationRuleDTO{
		ID:         r.ID,
		Name:       r.Name,
		Enabled:    r.Enabled,
		Filter:     r.Filter,
		GroupBy:    r.GroupBy,
		Agg:        r.Agg,
		ValueField: r.ValueField,
		Percentile: r.Percentile,
		Window:     r.Window.String(),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// alertRuleDTO is the wire form of an alert rule.
type alertRuleDTO struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Enabled             bool              `json:"enabled"`
	AggregationRuleID   string            `json:"aggregation_rule_id"`
	Op                  rules.ConditionOp `json:"op"`
	Threshold           float64           `json:"threshold"`
	ConsecutiveBreaches int               `json:"consecutive_breaches"`
	Channels            []string          `json:"channels,omitempty"`
	CreatedAt           time.Time         `json:"created_at,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at,omitempty"`
}

func toAlertDTO(r *rules.AlertRule) alertRuleDTO {
	return alertRuleDTO{
		ID:                  r.ID,
		Name:                r.Name,
		Enabled:             r.Enabled,
		AggregationRuleID:   r.AggregationRuleID,
		Op:                  r.Op,
		Threshold:           r.Threshold,
		ConsecutiveBreaches: r.ConsecutiveBreaches,
		Channels:            r.Channels,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

// ListAggregationRules handles GET /api/v1/rules/aggregations. Only
// enabled rules are returned, matching what the processor evaluates.
func (h *Handlers) ListAggregationRules(w http.ResponseWriter, _ *http.Request) {
	live := h.registry.Aggregations()
	out := make([]aggregationRuleDTO, 0, len(live))
	for _, r := range live {
		out = append(out, toAggregationDTO(r))
	}
	writeJSON(w, http.StatusOK, map[string]any{"aggregations": out})
}

// PutAggregationRule handles PUT /api/v1/rules/aggregations/{id}. Rule
// changes apply to newly opened windows only; open buckets keep the rule
// they were created under.
func (h *Handlers) PutAggregationRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var dto aggregationRuleDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "malformed rule body: "+err.Error())
		return
	}
	if dto.ID != "" && dto.ID != id {
		writeError(w, http.StatusBadRequest, "rule id in body does not match URL")
		return
	}
	window, err := time.ParseDuration(dto.Window)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad window: "+err.Error())
		return
	}

	rule := &rules.AggregationRule{
		ID:         id,
		Name:       dto.Name,
		Enabled:    dto.Enabled,
		Filter:     dto.Filter,
		GroupBy:    dto.GroupBy,
		Agg:        dto.Agg,
		ValueField: dto.ValueField,
		Percentile: dto.Percentile,
		Window:     window,
	}
	if err := h.registry.PutAggregation(rule); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toAggregationDTO(rule))
}

// DeleteAggregationRule handles DELETE /api/v1/rules/aggregations/{id}.
// Alert rules referencing the aggregation are removed with it, and its
// open buckets are discarded at the next flush.
func (h *Handlers) DeleteAggregationRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.registry.DeleteAggregation(id) {
		writeError(w, http.StatusNotFound, "aggregation rule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAlertRules handles GET /api/v1/rules/alerts.
func (h *Handlers) ListAlertRules(w http.ResponseWriter, _ *http.Request) {
	out := []alertRuleDTO{}
	for _, agg := range h.registry.Aggregations() {
		for _, al := range h.registry.AlertsFor(agg.ID) {
			out = append(out, toAlertDTO(al))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out})
}

// PutAlertRule handles PUT /api/v1/rules/alerts/{id}.
func (h *Handlers) PutAlertRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var dto alertRuleDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "malformed rule body: "+err.Error())
		return
	}
	if dto.ID != "" && dto.ID != id {
		writeError(w, http.StatusBadRequest, "rule id in body does not match URL")
		return
	}

	rule := &rules.AlertRule{
		ID:                  id,
		Name:                dto.Name,
		Enabled:             dto.Enabled,
		AggregationRuleID:   dto.AggregationRuleID,
		Op:                  dto.Op,
		Threshold:           dto.Threshold,
		ConsecutiveBreaches: dto.ConsecutiveBreaches,
		Channels:            dto.Channels,
	}
	if err := h.registry.PutAlert(rule); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toAlertDTO(rule))
}

// DeleteAlertRule handles DELETE /api/v1/rules/alerts/{id}.
func (h *Handlers) DeleteAlertRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.registry.DeleteAlert(id) {
		writeError(w, http.StatusNotFound, "alert rule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
